package wsconn

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/graph"
)

type fakeWorker struct {
	srv      *httptest.Server
	streams  chan *websocket.Conn
	upgrader websocket.Upgrader
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{streams: make(chan *websocket.Conn, 4)}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := fw.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fw.streams <- ws
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req promptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, ok := req.Prompt["bad"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"type": "prompt_outputs_failed_validation"},
				"node_errors": map[string]any{
					"1": map[string]any{"errors": []any{map[string]any{"type": "value_not_in_list", "details": "ckpt_name: 'x' not in list"}}},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": "p-1", "number": 0, "node_errors": map[string]any{}})
	})
	mux.HandleFunc("/history/p-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"p-1": map[string]any{
				"outputs": map[string]any{"9": map[string]any{"images": []any{}}},
				"status":  map[string]any{"status_str": "success", "completed": true},
			},
		})
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queue_running": []any{[]any{0, "p-1", map[string]any{}, map[string]any{}, []any{"9"}}},
			"queue_pending": []any{[]any{1, "p-2", map[string]any{}, map[string]any{}, []any{"9"}}},
		})
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"CheckpointLoaderSimple": map[string]any{"output": []string{"MODEL", "CLIP", "VAE"}},
		})
	})

	fw.srv = httptest.NewServer(mux)
	t.Cleanup(fw.srv.Close)
	return fw
}

func (fw *fakeWorker) nextStream(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-fw.streams:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("client did not open the event stream")
		return nil
	}
}

func dial(t *testing.T, fw *fakeWorker) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), fw.srv.URL, Options{
		ClientID:          "test-client",
		ReconnectAttempts: 2,
		ReconnectBackoff:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRequests(t *testing.T) {
	fw := newFakeWorker(t)
	c := dial(t, fw)
	fw.nextStream(t)
	ctx := context.Background()

	runID, err := c.SubmitGraph(ctx, graph.Graph{"1": {ClassType: "SaveImage"}})
	require.NoError(t, err)
	assert.Equal(t, "p-1", runID)

	h, err := c.FetchHistory(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Completed)
	assert.True(t, h.HasOutputs())

	h, err = c.FetchHistory(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, h)

	q, err := c.QueueSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, q.Running)
	assert.Equal(t, []string{"p-2"}, q.Pending)

	require.NoError(t, c.Interrupt(ctx, "p-1"))

	defs, err := c.NodeDefinitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"MODEL", "CLIP", "VAE"}, defs["CheckpointLoaderSimple"].Output)
}

func TestSubmitRejected(t *testing.T) {
	fw := newFakeWorker(t)
	c := dial(t, fw)
	fw.nextStream(t)

	_, err := c.SubmitGraph(context.Background(), graph.Graph{"bad": {ClassType: "X"}})
	var rerr *conn.RequestError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusBadRequest, rerr.Status)
	assert.Contains(t, rerr.Body, "node_errors")
}

func TestStreamDecodes(t *testing.T) {
	fw := newFakeWorker(t)
	c := dial(t, fw)
	ws := fw.nextStream(t)

	executing := make(chan events.Executing, 1)
	status := make(chan events.Status, 1)
	previews := make(chan events.Preview, 1)
	events.On(c, func(e events.Executing) { executing <- e })
	events.On(c, func(e events.Status) { status <- e })
	events.On(c, func(e events.Preview) { previews <- e })

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "executing", "data": map[string]any{"node": "3", "prompt_id": "p-1"}}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "status", "data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 2}}}}))

	frame := make([]byte, 8, 11)
	binary.BigEndian.PutUint32(frame[:4], framePreview)
	binary.BigEndian.PutUint32(frame[4:8], 2)
	frame = append(frame, 1, 2, 3)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

	select {
	case e := <-executing:
		assert.Equal(t, events.Executing{RunID: "p-1", Node: "3"}, e)
	case <-time.After(2 * time.Second):
		t.Fatal("no executing event")
	}
	select {
	case e := <-status:
		assert.Equal(t, 2, e.QueueRemaining)
	case <-time.After(2 * time.Second):
		t.Fatal("no status event")
	}
	select {
	case e := <-previews:
		assert.Equal(t, "image/png", e.MimeType)
		assert.Equal(t, []byte{1, 2, 3}, e.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no preview event")
	}
}

func TestStreamReconnects(t *testing.T) {
	fw := newFakeWorker(t)
	c := dial(t, fw)
	ws := fw.nextStream(t)

	disconnected := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)
	events.On(c, func(events.Disconnected) { disconnected <- struct{}{} })
	events.On(c, func(events.Reconnected) { reconnected <- struct{}{} })

	require.NoError(t, ws.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnected event")
	}
	fw.nextStream(t)
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnected event")
	}
}

func TestStreamGivesUp(t *testing.T) {
	fw := newFakeWorker(t)
	c := dial(t, fw)
	ws := fw.nextStream(t)

	failed := make(chan error, 1)
	events.On(c, func(e events.ReconnectionFailed) { failed <- e.Err })

	fw.srv.CloseClientConnections()
	fw.srv.Listener.Close()
	_ = ws.Close()

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnection_failed event")
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want events.Event
	}{
		{"executing end", `{"type":"executing","data":{"node":null,"prompt_id":"p"}}`, events.Executing{RunID: "p"}},
		{"cached", `{"type":"execution_cached","data":{"nodes":["1","2"],"prompt_id":"p"}}`, events.ExecutionCached{RunID: "p", Nodes: []string{"1", "2"}}},
		{"executed", `{"type":"executed","data":{"node":"9","output":{"images":[]},"prompt_id":"p"}}`, events.Executed{RunID: "p", Node: "9", Output: map[string]any{"images": []any{}}}},
		{"success", `{"type":"execution_success","data":{"prompt_id":"p"}}`, events.ExecutionSuccess{RunID: "p"}},
		{"error", `{"type":"execution_error","data":{"prompt_id":"p","node_id":"3","node_type":"KSampler","exception_type":"RuntimeError","exception_message":"boom"}}`,
			events.ExecutionError{RunID: "p", NodeID: "3", NodeType: "KSampler", ExceptionType: "RuntimeError", ExceptionMessage: "boom"}},
		{"interrupted", `{"type":"execution_interrupted","data":{"prompt_id":"p","node_id":"3"}}`, events.ExecutionInterrupted{RunID: "p", NodeID: "3"}},
		{"progress", `{"type":"progress","data":{"value":3,"max":20,"prompt_id":"p","node":"3"}}`, events.Progress{RunID: "p", Node: "3", Value: 3, Max: 20}},
		{"unknown", `{"type":"crystools.monitor","data":{}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeText([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeBinaryMeta(t *testing.T) {
	meta := []byte(`{"prompt_id":"p","node_id":"5","image_type":"image/png"}`)
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[:4], framePreviewMeta)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(meta)))
	frame = append(frame, meta...)
	frame = append(frame, 0xff)

	got, err := decodeBinary(frame)
	require.NoError(t, err)
	assert.Equal(t, events.PreviewMeta{RunID: "p", Node: "5", MimeType: "image/png", Data: []byte{0xff}}, got)

	_, err = decodeBinary([]byte{0, 0})
	assert.Error(t, err)
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "ftp://worker", Options{})
	assert.Error(t, err)
}
