// Package archive keeps finished jobs in SQLite after they leave memory
// accounting, fed by the pool's terminal lifecycle events.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

var ErrNotFound = errors.New("archived job not found")

// Record is one finished job as stored.
type Record struct {
	JobID       types.JobID     `json:"id"`
	Status      types.JobStatus `json:"status"`
	Fingerprint string          `json:"fingerprint"`
	WorkerID    string          `json:"worker_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	Attempts    int             `json:"attempts"`
	Cached      bool            `json:"cached,omitempty"`
	Error       string          `json:"error,omitempty"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Filter narrows List.
type Filter struct {
	Status types.JobStatus
	Limit  int
}

// Archive is a SQLite-backed store of finished jobs.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the archive at path. ":memory:" is accepted.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// one writer; also keeps a ":memory:" database on a single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  worker_id TEXT,
  run_id TEXT,
  attempts INTEGER NOT NULL DEFAULT 0,
  cached INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  outputs_json TEXT,
  created_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_finished ON jobs (finished_at);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Archive{db: db, logger: slog.With("component", "archive")}, nil
}

func (a *Archive) Close() error { return a.db.Close() }

// Put stores a finished job, replacing any earlier record with the same id.
func (a *Archive) Put(ctx context.Context, job types.Job) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("archive %s: status %s is not terminal", job.ID, job.Status)
	}
	var (
		outputs []byte
		cached  bool
		errText sql.NullString
	)
	if job.Result != nil {
		cached = job.Result.Cached
		if len(job.Result.Outputs) > 0 || len(job.Result.Raw) > 0 {
			b, err := json.Marshal(map[string]any{"outputs": job.Result.Outputs, "raw": job.Result.Raw})
			if err != nil {
				return fmt.Errorf("encode outputs of %s: %w", job.ID, err)
			}
			outputs = b
		}
	}
	if job.ErrorText != "" {
		errText = sql.NullString{String: job.ErrorText, Valid: true}
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs
           (id, status, fingerprint, worker_id, run_id, attempts, cached, error_message, outputs_json, created_at, finished_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID),
		string(job.Status),
		job.Fingerprint,
		job.WorkerID,
		job.RunID,
		job.Attempts,
		cached,
		errText,
		nullable(outputs),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive %s: %w", job.ID, err)
	}
	return nil
}

func nullable(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

const columns = `id, status, fingerprint, worker_id, run_id, attempts, cached, error_message, outputs_json, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Record, error) {
	var (
		r                     Record
		id, status            string
		workerID, runID       sql.NullString
		errMsg, outputs       sql.NullString
		createdMs, finishedMs int64
	)
	if err := row.Scan(&id, &status, &r.Fingerprint, &workerID, &runID, &r.Attempts, &r.Cached, &errMsg, &outputs, &createdMs, &finishedMs); err != nil {
		return Record{}, err
	}
	r.JobID = types.JobID(id)
	r.Status = types.JobStatus(status)
	r.WorkerID = workerID.String
	r.RunID = runID.String
	r.Error = errMsg.String
	if outputs.Valid {
		r.Outputs = json.RawMessage(outputs.String)
	}
	r.CreatedAt = time.UnixMilli(createdMs)
	r.FinishedAt = time.UnixMilli(finishedMs)
	return r, nil
}

// Get returns one archived job.
func (a *Archive) Get(ctx context.Context, id types.JobID) (Record, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, string(id))
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// List returns archived jobs, most recently finished first.
func (a *Archive) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + columns + ` FROM jobs`
	args := []any{}
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY finished_at DESC, id LIMIT ?"
	args = append(args, f.Limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Lookup resolves a job id to its current row.
type Lookup func(types.JobID) (types.Job, error)

// Attach archives every job that completes, fails or is cancelled. Writes
// happen on a background goroutine; the returned stop function unsubscribes
// and waits for queued writes to drain.
func (a *Archive) Attach(sub events.Subscriber, lookup Lookup) (stop func()) {
	ids := make(chan types.JobID, 256)
	var (
		mu      sync.Mutex
		stopped bool
		pending sync.WaitGroup
	)
	enqueue := func(id types.JobID) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		pending.Add(1)
		select {
		case ids <- id:
		default:
			go func() { ids <- id }()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := range ids {
			a.store(lookup, id)
			pending.Done()
		}
	}()

	offs := []events.Unsubscribe{
		events.On(sub, func(e events.JobCompleted) { enqueue(e.JobID) }),
		events.On(sub, func(e events.JobFailed) { enqueue(e.JobID) }),
		events.On(sub, func(e events.JobCancelled) { enqueue(e.JobID) }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
		mu.Lock()
		already := stopped
		stopped = true
		mu.Unlock()
		if already {
			return
		}
		pending.Wait()
		close(ids)
		<-done
	}
}

func (a *Archive) store(lookup Lookup, id types.JobID) {
	job, err := lookup(id)
	if err != nil {
		a.logger.Warn("Cannot archive job", "jobID", id, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Put(ctx, job); err != nil {
		a.logger.Error("Failed to archive job", "jobID", id, "error", err)
		return
	}
	a.logger.Debug("Job archived", "jobID", id, "status", job.Status)
}
