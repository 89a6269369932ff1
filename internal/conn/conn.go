// ============================================================================
// Flowpool Evented Connection
// ============================================================================
//
// Package: internal/conn
// File: conn.go
// Purpose: The contract between the scheduler and one worker endpoint.
//
// A Connection is a single logical link to one worker. It exposes:
//   - typed subscribe/unsubscribe for the worker's event stream
//   - SubmitGraph: enqueue a graph, returns the worker-assigned run id
//   - FetchHistory: the authoritative record of a run (nil when unknown)
//   - QueueSnapshot: run ids currently running or pending on the worker
//   - Interrupt: best-effort cancellation of a run
//
// Connectivity is reported through the stream as Disconnected,
// Reconnected and ReconnectionFailed events.
//
// Implementations:
//   - memconn: in-memory, scriptable, used by tests and the demo
//   - wsconn:  HTTP + WebSocket client for a real worker
//
// ============================================================================

package conn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/graph"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("connection closed")

// Connection is one worker endpoint.
type Connection interface {
	events.Subscriber

	// ID identifies the endpoint (its base URL for real workers).
	ID() string

	SubmitGraph(ctx context.Context, g graph.Graph) (string, error)
	FetchHistory(ctx context.Context, runID string) (*History, error)
	QueueSnapshot(ctx context.Context) (QueueSnapshot, error)
	Interrupt(ctx context.Context, runID string) error
}

// Definer is implemented by connections that can describe node types,
// which the bypass rewrite needs.
type Definer interface {
	NodeDefinitions(ctx context.Context) (graph.Definitions, error)
}

// History is the authoritative record of one run.
type History struct {
	Completed bool
	// Outputs maps output node id to the node's output value.
	Outputs map[string]any
	// StatusText is the worker's own status string, informational only.
	StatusText string
}

// HasOutputs reports whether the record holds any non-empty output.
func (h *History) HasOutputs() bool {
	if h == nil {
		return false
	}
	for _, v := range h.Outputs {
		if v != nil {
			return true
		}
	}
	return false
}

// QueueSnapshot lists run ids the worker is executing or holding.
type QueueSnapshot struct {
	Running []string
	Pending []string
}

// Contains reports whether runID is running or pending.
func (q QueueSnapshot) Contains(runID string) bool {
	return slices.Contains(q.Running, runID) || slices.Contains(q.Pending, runID)
}

// Occupied reports whether the worker has any queued work.
func (q QueueSnapshot) Occupied() bool {
	return len(q.Running)+len(q.Pending) > 0
}

// RequestError is a worker's rejection of a request, with the HTTP-like
// status and decoded body when one was returned.
type RequestError struct {
	Op     string
	Status int
	Body   map[string]any
	Cause  error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Op, e.Status)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Cause }
