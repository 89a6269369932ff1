package events

import (
	"time"

	"github.com/ChuLiYu/flowpool/pkg/failure"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

// Pool lifecycle events, published for observers (metrics, archive, API).
const (
	KindJobQueued          Kind = "job.queued"
	KindJobAssigned        Kind = "job.assigned"
	KindJobStarted         Kind = "job.started"
	KindJobProgress        Kind = "job.progress"
	KindJobOutput          Kind = "job.output"
	KindJobCompleted       Kind = "job.completed"
	KindJobFailed          Kind = "job.failed"
	KindJobRetrying        Kind = "job.retrying"
	KindJobCancelled       Kind = "job.cancelled"
	KindWorkerStateChanged Kind = "worker.state_changed"
	KindWorkerBlocked      Kind = "worker.blocked_for_workflow"
	KindWorkerUnblocked    Kind = "worker.unblocked_for_workflow"
)

type JobQueued struct {
	JobID types.JobID
	Group string
}

type JobAssigned struct {
	JobID    types.JobID
	WorkerID string
	Attempt  int
}

type JobStarted struct {
	JobID    types.JobID
	WorkerID string
	RunID    string
}

type JobProgress struct {
	JobID types.JobID
	Node  string
	Value int
	Max   int
}

// JobOutput reports one expected output as it arrives.
type JobOutput struct {
	JobID types.JobID
	Alias string
	Node  string
	Value any
}

type JobCompleted struct {
	JobID    types.JobID
	WorkerID string
	Result   types.Result
	Duration time.Duration
}

type JobFailed struct {
	JobID    types.JobID
	WorkerID string
	Class    failure.Class
	Err      error
}

type JobRetrying struct {
	JobID    types.JobID
	WorkerID string
	Attempt  int
	Class    failure.Class
	Err      error
	Delay    time.Duration
}

type JobCancelled struct {
	JobID types.JobID
}

type WorkerStateChanged struct {
	WorkerID string
	From     types.WorkerState
	To       types.WorkerState
}

type WorkerBlocked struct {
	WorkerID    string
	Fingerprint string
}

type WorkerUnblocked struct {
	WorkerID    string
	Fingerprint string
}

func (JobQueued) Kind() Kind          { return KindJobQueued }
func (JobAssigned) Kind() Kind        { return KindJobAssigned }
func (JobStarted) Kind() Kind         { return KindJobStarted }
func (JobProgress) Kind() Kind        { return KindJobProgress }
func (JobOutput) Kind() Kind          { return KindJobOutput }
func (JobCompleted) Kind() Kind       { return KindJobCompleted }
func (JobFailed) Kind() Kind          { return KindJobFailed }
func (JobRetrying) Kind() Kind        { return KindJobRetrying }
func (JobCancelled) Kind() Kind       { return KindJobCancelled }
func (WorkerStateChanged) Kind() Kind { return KindWorkerStateChanged }
func (WorkerBlocked) Kind() Kind      { return KindWorkerBlocked }
func (WorkerUnblocked) Kind() Kind    { return KindWorkerUnblocked }
