package wsconn

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/flowpool/internal/events"
)

// Binary frame types sent by the worker.
const (
	framePreview     = 1
	framePreviewMeta = 4
)

func (c *Conn) streamURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/ws"
	u.RawQuery = url.Values{"clientId": {c.opts.ClientID}}.Encode()
	return u.String()
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.streamURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	return ws, nil
}

// readLoop pumps frames into the bus until the stream is lost and cannot
// be re-established, or the connection is closed.
func (c *Conn) readLoop(ws *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.pump(ws)
		if c.isClosed() {
			return
		}

		c.logger.Warn("event stream lost", "error", err)
		c.bus.Publish(events.Disconnected{Err: err})

		next, rerr := c.reconnect()
		if rerr != nil {
			if c.isClosed() {
				return
			}
			c.logger.Error("event stream reconnect failed", "error", rerr)
			c.bus.Publish(events.ReconnectionFailed{Err: rerr})
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.ws = next
		c.mu.Unlock()

		c.logger.Info("event stream reconnected")
		c.bus.Publish(events.Reconnected{})
		ws = next
	}
}

func (c *Conn) pump(ws *websocket.Conn) error {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var ev events.Event
		switch mt {
		case websocket.TextMessage:
			ev, err = decodeText(data)
		case websocket.BinaryMessage:
			ev, err = decodeBinary(data)
		}
		if err != nil {
			c.logger.Debug("skipping undecodable frame", "error", err)
			continue
		}
		if ev != nil {
			c.bus.Publish(ev)
		}
	}
}

func (c *Conn) reconnect() (*websocket.Conn, error) {
	delay := c.opts.ReconnectBackoff
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(delay):
		}

		ws, err := c.dial(c.ctx)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		c.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", c.opts.ReconnectAttempts, lastErr)
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type messageData struct {
	PromptID         string         `json:"prompt_id"`
	Node             *string        `json:"node"`
	Nodes            []string       `json:"nodes"`
	Output           map[string]any `json:"output"`
	NodeID           string         `json:"node_id"`
	NodeType         string         `json:"node_type"`
	ExceptionType    string         `json:"exception_type"`
	ExceptionMessage string         `json:"exception_message"`
	Traceback        []string       `json:"traceback"`
	Value            int            `json:"value"`
	Max              int            `json:"max"`
	Status           *struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

// decodeText maps a JSON frame to its event. Unknown types yield nil.
func decodeText(raw []byte) (events.Event, error) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	var d messageData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, fmt.Errorf("%s: %w", msg.Type, err)
		}
	}
	node := ""
	if d.Node != nil {
		node = *d.Node
	}

	switch events.Kind(msg.Type) {
	case events.KindExecutionStart:
		return events.ExecutionStart{RunID: d.PromptID}, nil
	case events.KindExecuting:
		return events.Executing{RunID: d.PromptID, Node: node}, nil
	case events.KindExecutionCached:
		return events.ExecutionCached{RunID: d.PromptID, Nodes: d.Nodes}, nil
	case events.KindExecuted:
		return events.Executed{RunID: d.PromptID, Node: node, Output: d.Output}, nil
	case events.KindExecutionSuccess:
		return events.ExecutionSuccess{RunID: d.PromptID}, nil
	case events.KindExecutionError:
		return events.ExecutionError{
			RunID:            d.PromptID,
			NodeID:           d.NodeID,
			NodeType:         d.NodeType,
			ExceptionType:    d.ExceptionType,
			ExceptionMessage: d.ExceptionMessage,
			Traceback:        d.Traceback,
		}, nil
	case events.KindExecutionInterrupted:
		return events.ExecutionInterrupted{RunID: d.PromptID, NodeID: d.NodeID}, nil
	case events.KindProgress:
		return events.Progress{RunID: d.PromptID, Node: node, Value: d.Value, Max: d.Max}, nil
	case events.KindStatus:
		if d.Status == nil {
			return nil, nil
		}
		return events.Status{QueueRemaining: d.Status.ExecInfo.QueueRemaining}, nil
	}
	return nil, nil
}

func imageMime(code uint32) string {
	switch code {
	case 1:
		return "image/jpeg"
	case 2:
		return "image/png"
	case 3:
		return "image/webp"
	}
	return "application/octet-stream"
}

// decodeBinary maps a preview frame: a big-endian uint32 frame type, then
// for plain previews a uint32 image format and the image bytes, or for
// tagged previews a uint32 metadata length, JSON metadata and the image.
func decodeBinary(raw []byte) (events.Event, error) {
	if len(raw) < 8 {
		return nil, errors.New("short binary frame")
	}
	switch binary.BigEndian.Uint32(raw[:4]) {
	case framePreview:
		return events.Preview{
			MimeType: imageMime(binary.BigEndian.Uint32(raw[4:8])),
			Data:     raw[8:],
		}, nil
	case framePreviewMeta:
		n := int(binary.BigEndian.Uint32(raw[4:8]))
		if n < 0 || 8+n > len(raw) {
			return nil, errors.New("preview metadata overruns frame")
		}
		var meta struct {
			PromptID    string `json:"prompt_id"`
			NodeID      string `json:"node_id"`
			ImageType   string `json:"image_type"`
			DisplayNode string `json:"display_node"`
		}
		if err := json.Unmarshal(raw[8:8+n], &meta); err != nil {
			return nil, fmt.Errorf("preview metadata: %w", err)
		}
		node := meta.NodeID
		if meta.DisplayNode != "" {
			node = meta.DisplayNode
		}
		return events.PreviewMeta{
			RunID:    meta.PromptID,
			Node:     node,
			MimeType: meta.ImageType,
			Data:     raw[8+n:],
		}, nil
	}
	return nil, nil
}
