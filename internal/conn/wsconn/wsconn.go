// Package wsconn connects to a worker over HTTP for requests and a WebSocket
// for its event stream.
package wsconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/graph"
)

// Options tunes a connection. Zero values select the defaults.
type Options struct {
	ID                string // worker id; defaults to the base URL
	ClientID          string
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	ReconnectAttempts int           // default 5
	ReconnectBackoff  time.Duration // initial delay, doubled per attempt; default 500ms
	MaxBackoff        time.Duration // default 10s
	Logger            *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Conn is a live connection to one worker.
type Conn struct {
	base   *url.URL
	opts   Options
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ conn.Connection = (*Conn)(nil)
var _ conn.Definer = (*Conn)(nil)

// Dial opens the event stream of the worker at baseURL.
func Dial(ctx context.Context, baseURL string, opts Options) (*Conn, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse worker url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("worker url %q: scheme must be http or https", baseURL)
	}
	opts.setDefaults()
	if opts.ID == "" {
		opts.ID = base.String()
	}

	c := &Conn{
		base:   base,
		opts:   opts,
		bus:    events.NewBus(),
		logger: opts.Logger.With("component", "wsconn", "worker", opts.ID),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ws, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.ws = ws
	go c.readLoop(ws)
	return c, nil
}

func (c *Conn) ID() string { return c.opts.ID }

func (c *Conn) Subscribe(kind events.Kind, h events.Handler) events.Unsubscribe {
	return c.bus.Subscribe(kind, h)
}

// Close stops the stream. Further calls return conn.ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	var err error
	if ws != nil {
		err = ws.Close()
	}
	<-c.done
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type promptRequest struct {
	Prompt   graph.Graph `json:"prompt"`
	ClientID string      `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

func (c *Conn) SubmitGraph(ctx context.Context, g graph.Graph) (string, error) {
	var resp promptResponse
	err := c.do(ctx, "submit", http.MethodPost, "/prompt", promptRequest{Prompt: g, ClientID: c.opts.ClientID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", &conn.RequestError{Op: "submit", Status: http.StatusOK, Body: map[string]any{"node_errors": resp.NodeErrors}, Cause: errors.New("worker returned no prompt id")}
	}
	return resp.PromptID, nil
}

type historyEntry struct {
	Outputs map[string]any `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

func (c *Conn) FetchHistory(ctx context.Context, runID string) (*conn.History, error) {
	var resp map[string]historyEntry
	if err := c.do(ctx, "history", http.MethodGet, "/history/"+url.PathEscape(runID), nil, &resp); err != nil {
		return nil, err
	}
	entry, ok := resp[runID]
	if !ok {
		return nil, nil
	}
	return &conn.History{
		Completed:  entry.Status.Completed,
		Outputs:    entry.Outputs,
		StatusText: entry.Status.StatusStr,
	}, nil
}

type queueResponse struct {
	Running [][]any `json:"queue_running"`
	Pending [][]any `json:"queue_pending"`
}

func (c *Conn) QueueSnapshot(ctx context.Context) (conn.QueueSnapshot, error) {
	var resp queueResponse
	if err := c.do(ctx, "queue", http.MethodGet, "/queue", nil, &resp); err != nil {
		return conn.QueueSnapshot{}, err
	}
	return conn.QueueSnapshot{
		Running: queueIDs(resp.Running),
		Pending: queueIDs(resp.Pending),
	}, nil
}

// queueIDs extracts the run id, the second element of each queue item.
func queueIDs(items [][]any) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if len(item) < 2 {
			continue
		}
		if id, ok := item[1].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Conn) Interrupt(ctx context.Context, runID string) error {
	return c.do(ctx, "interrupt", http.MethodPost, "/interrupt", map[string]string{"prompt_id": runID}, nil)
}

type objectInfo struct {
	Output []string `json:"output"`
}

func (c *Conn) NodeDefinitions(ctx context.Context) (graph.Definitions, error) {
	var resp map[string]objectInfo
	if err := c.do(ctx, "object_info", http.MethodGet, "/object_info", nil, &resp); err != nil {
		return nil, err
	}
	defs := make(graph.Definitions, len(resp))
	for class, info := range resp {
		defs[class] = graph.NodeDef{Output: info.Output}
	}
	return defs, nil
}

// do performs one JSON request. Non-2xx responses become *conn.RequestError
// with the decoded body when it is a JSON object.
func (c *Conn) do(ctx context.Context, op, method, path string, in, out any) error {
	if c.isClosed() {
		return conn.ErrClosed
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return &conn.RequestError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &conn.RequestError{Op: op, Status: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &conn.RequestError{Op: op, Status: resp.StatusCode}
		var decoded map[string]any
		if json.Unmarshal(raw, &decoded) == nil {
			rerr.Body = decoded
		} else if len(raw) > 0 {
			rerr.Body = map[string]any{"error": string(raw)}
		}
		return rerr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
