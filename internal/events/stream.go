package events

// Worker stream events. RunID is the worker-assigned correlation id.
const (
	KindExecutionStart       Kind = "execution_start"
	KindExecuting            Kind = "executing"
	KindExecutionCached      Kind = "execution_cached"
	KindExecuted             Kind = "executed"
	KindExecutionSuccess     Kind = "execution_success"
	KindExecutionError       Kind = "execution_error"
	KindExecutionInterrupted Kind = "execution_interrupted"
	KindProgress             Kind = "progress"
	KindPreview              Kind = "b_preview"
	KindPreviewMeta          Kind = "b_preview_meta"
	KindStatus               Kind = "status"
	KindDisconnected         Kind = "disconnected"
	KindReconnected          Kind = "reconnected"
	KindReconnectionFailed   Kind = "reconnection_failed"
)

// StreamKinds lists every worker stream kind.
var StreamKinds = []Kind{
	KindExecutionStart, KindExecuting, KindExecutionCached, KindExecuted,
	KindExecutionSuccess, KindExecutionError, KindExecutionInterrupted,
	KindProgress, KindPreview, KindPreviewMeta, KindStatus,
	KindDisconnected, KindReconnected, KindReconnectionFailed,
}

type ExecutionStart struct {
	RunID string
}

// Executing reports the node a run is executing. Node is empty when the
// worker signals the end of the run.
type Executing struct {
	RunID string
	Node  string
}

// ExecutionCached lists the nodes served from cache for a run.
type ExecutionCached struct {
	RunID string
	Nodes []string
}

// Executed carries one node's output.
type Executed struct {
	RunID  string
	Node   string
	Output map[string]any
}

type ExecutionSuccess struct {
	RunID string
}

type ExecutionError struct {
	RunID            string
	NodeID           string
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
	Traceback        []string
}

type ExecutionInterrupted struct {
	RunID  string
	NodeID string
}

type Progress struct {
	RunID string
	Node  string
	Value int
	Max   int
}

// Preview is a binary preview frame without correlation metadata.
type Preview struct {
	MimeType string
	Data     []byte
}

// PreviewMeta is a binary preview frame tagged with its run and node.
type PreviewMeta struct {
	RunID    string
	Node     string
	MimeType string
	Data     []byte
}

// Status is the worker's queue broadcast.
type Status struct {
	QueueRemaining int
}

type Disconnected struct {
	Err error
}

type Reconnected struct{}

type ReconnectionFailed struct {
	Err error
}

func (ExecutionStart) Kind() Kind       { return KindExecutionStart }
func (Executing) Kind() Kind            { return KindExecuting }
func (ExecutionCached) Kind() Kind      { return KindExecutionCached }
func (Executed) Kind() Kind             { return KindExecuted }
func (ExecutionSuccess) Kind() Kind     { return KindExecutionSuccess }
func (ExecutionError) Kind() Kind       { return KindExecutionError }
func (ExecutionInterrupted) Kind() Kind { return KindExecutionInterrupted }
func (Progress) Kind() Kind             { return KindProgress }
func (Preview) Kind() Kind              { return KindPreview }
func (PreviewMeta) Kind() Kind          { return KindPreviewMeta }
func (Status) Kind() Kind               { return KindStatus }
func (Disconnected) Kind() Kind         { return KindDisconnected }
func (Reconnected) Kind() Kind          { return KindReconnected }
func (ReconnectionFailed) Kind() Kind   { return KindReconnectionFailed }
