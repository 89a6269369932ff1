// ============================================================================
// Flowpool Failure Taxonomy
// ============================================================================
//
// Package: pkg/failure
// File: errors.go
// Purpose: One error type with a stable machine-readable Kind for every way a
//          dispatched job can fail, so callers branch on kinds, not strings.
//
// Kinds:
//   enqueue_failed        worker rejected the graph, or transport failed before a run id
//   missing_node          bypass rewrite referenced an unknown node or node definition
//   went_missing          run id vanished from the worker queue with no usable history
//   failed_cache          history says completed but holds no usable outputs
//   execution_failed      output accounting incomplete even after reconciliation
//   execution_interrupted cancelled by the caller or interrupted by the worker
//   disconnected          event stream lost and the recovery window ran out
//   custom_event          worker-reported execution exception
//   no_worker             no eligible worker is left for a retry
//
// Matching:
//   errors.Is(err, failure.ErrWentMissing) compares kinds, so any *Error of the
//   same kind matches its sentinel.
//
// ============================================================================

package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable identifier of a failure.
type Kind string

const (
	KindEnqueueFailed        Kind = "enqueue_failed"
	KindMissingNode          Kind = "missing_node"
	KindWentMissing          Kind = "went_missing"
	KindFailedCache          Kind = "failed_cache"
	KindExecutionFailed      Kind = "execution_failed"
	KindExecutionInterrupted Kind = "execution_interrupted"
	KindDisconnected         Kind = "disconnected"
	KindCustomEvent          Kind = "custom_event"
	KindNoWorker             Kind = "no_worker"
)

// Sentinels for errors.Is.
var (
	ErrEnqueueFailed        = &Error{Kind: KindEnqueueFailed}
	ErrMissingNode          = &Error{Kind: KindMissingNode}
	ErrWentMissing          = &Error{Kind: KindWentMissing}
	ErrFailedCache          = &Error{Kind: KindFailedCache}
	ErrExecutionFailed      = &Error{Kind: KindExecutionFailed}
	ErrExecutionInterrupted = &Error{Kind: KindExecutionInterrupted}
	ErrDisconnected         = &Error{Kind: KindDisconnected}
	ErrCustomEvent          = &Error{Kind: KindCustomEvent}
	ErrNoWorker             = &Error{Kind: KindNoWorker}
)

// Error carries everything a caller needs to tell failures apart
// programmatically. Fields that do not apply to a kind stay zero.
type Error struct {
	Kind    Kind   `json:"kind"`
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message,omitempty"`

	// Status and Body come from a rejected submission (HTTP-like).
	Status int            `json:"status,omitempty"`
	Body   map[string]any `json:"body,omitempty"`

	// Worker-reported exception details (custom_event).
	NodeID           string `json:"node_id,omitempty"`
	NodeType         string `json:"node_type,omitempty"`
	ExceptionType    string `json:"exception_type,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`

	// Missing lists expected output nodes that never arrived.
	Missing []string `json:"missing,omitempty"`

	// Requested marks an interruption asked for by the caller.
	Requested bool `json:"requested,omitempty"`

	Cause error `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.RunID != "" {
		fmt.Fprintf(&b, " [run %s]", e.RunID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not a failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// EnqueueFailed wraps a rejected submission.
func EnqueueFailed(cause error, status int, body map[string]any) *Error {
	return &Error{
		Kind:    KindEnqueueFailed,
		Message: "failed to enqueue graph",
		Status:  status,
		Body:    body,
		Cause:   cause,
	}
}

// MissingNode reports a node or node definition that does not exist.
func MissingNode(nodeID, classType string) *Error {
	msg := fmt.Sprintf("node %q not found", nodeID)
	if classType != "" {
		msg = fmt.Sprintf("definition for node %q (%s) not found", nodeID, classType)
	}
	return &Error{Kind: KindMissingNode, Message: msg, NodeID: nodeID, NodeType: classType}
}

func WentMissing(runID string) *Error {
	return &Error{Kind: KindWentMissing, RunID: runID, Message: "run disappeared from worker queue"}
}

func FailedCache(runID string) *Error {
	return &Error{Kind: KindFailedCache, RunID: runID, Message: "history completed without usable outputs"}
}

func ExecutionFailed(runID string, missing []string) *Error {
	return &Error{
		Kind:    KindExecutionFailed,
		RunID:   runID,
		Message: fmt.Sprintf("missing outputs %v", missing),
		Missing: missing,
	}
}

// Interrupted reports an interruption; requested is true when the caller asked for it.
func Interrupted(runID string, requested bool) *Error {
	msg := "interrupted by worker"
	if requested {
		msg = "cancelled"
	}
	return &Error{Kind: KindExecutionInterrupted, RunID: runID, Message: msg, Requested: requested}
}

func Disconnected(runID string, cause error) *Error {
	return &Error{Kind: KindDisconnected, RunID: runID, Message: "connection lost", Cause: cause}
}

// CustomEvent wraps a worker-reported execution exception.
func CustomEvent(runID, nodeID, nodeType, excType, excMsg string) *Error {
	return &Error{
		Kind:             KindCustomEvent,
		RunID:            runID,
		Message:          fmt.Sprintf("%s: %s", excType, excMsg),
		NodeID:           nodeID,
		NodeType:         nodeType,
		ExceptionType:    excType,
		ExceptionMessage: excMsg,
	}
}

// NoWorker reports that nothing is left to run a job; cause is the last attempt's error.
func NoWorker(fingerprint string, cause error) *Error {
	return &Error{
		Kind:    KindNoWorker,
		Message: fmt.Sprintf("no eligible worker for workflow %s", fingerprint),
		Cause:   cause,
	}
}
