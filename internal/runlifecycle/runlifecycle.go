// Package runlifecycle implements the WorkflowRun state machine (C10):
// queued -> running -> {success, failed}, append-only run logs, and raw
// item staging. Every transition is a single UPDATE guarded by a
// source-state predicate so concurrent workers cannot double-transition
// the same run.
package runlifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/obsmetrics"
)

type Status string

const (
	Queued  Status = "queued"
	Running Status = "running"
	Success Status = "success"
	Failed  Status = "failed"
)

type Run struct {
	UUID           string
	WorkflowUUID   string
	Status         Status
	TriggerID      string
	QueuedAt       time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	ProcessedItems int
	FailedItems    int
	Error          string
}

type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// InsertRunQueued is the only producer of new runs. The trigger_id
// identifies the enqueue event and is recorded in the initial log line.
func (s *Store) InsertRunQueued(ctx context.Context, workflowUUID, triggerID string) (Run, error) {
	run := Run{
		UUID:         uuid.NewString(),
		WorkflowUUID: workflowUUID,
		Status:       Queued,
		TriggerID:    triggerID,
		QueuedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (uuid, workflow_uuid, status, trigger_id, queued_at, processed_items, failed_items)
		VALUES ($1,$2,'queued',$3,$4,0,0)`,
		run.UUID, run.WorkflowUUID, run.TriggerID, run.QueuedAt)
	if err != nil {
		return Run{}, apperr.Database(err)
	}
	if err := s.InsertRunLog(ctx, run.UUID, LogInfo, "run queued", map[string]any{"trigger_id": triggerID}); err != nil {
		return Run{}, err
	}
	obsmetrics.RecordRunQueued(workflowUUID)
	return run, nil
}

// MarkRunning transitions queued -> running. A zero rows-affected result
// means the run was not in queued state (already claimed or terminal);
// the caller must treat that as "skip, another worker has it".
func (s *Store) MarkRunning(ctx context.Context, runUUID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'running', started_at = $1
		WHERE uuid = $2 AND status = 'queued'`, now, runUUID)
	if err != nil {
		return false, apperr.Database(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSuccess transitions running -> success with final counters. Terminal;
// once committed, no subsequent transition may update this row (enforced
// by the source-state predicate on every transition, including this one:
// only a running row can be marked success).
func (s *Store) MarkSuccess(ctx context.Context, runUUID string, processed, failed int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = 'success', finished_at = $1, processed_items = $2, failed_items = $3
		WHERE uuid = $4 AND status = 'running'`, now, processed, failed, runUUID)
	if err != nil {
		return apperr.Database(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.Conflict("run is not in running state")
	}
	return nil
}

// MarkFailure transitions running -> failed with an error message. Terminal.
func (s *Store) MarkFailure(ctx context.Context, runUUID, errMsg string) error {
	now := time.Now().UTC()
	var workflowUUID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE workflow_runs SET status = 'failed', finished_at = $1, error = $2
		WHERE uuid = $3 AND status = 'running'
		RETURNING workflow_uuid`, now, errMsg, runUUID).Scan(&workflowUUID)
	if err == sql.ErrNoRows {
		return apperr.Conflict("run is not in running state")
	}
	if err != nil {
		return apperr.Database(err)
	}
	obsmetrics.RecordRunFailed(workflowUUID)
	return nil
}

func (s *Store) Get(ctx context.Context, runUUID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, workflow_uuid, status, COALESCE(trigger_id, ''), queued_at, started_at, finished_at,
		       processed_items, failed_items, COALESCE(error, '')
		FROM workflow_runs WHERE uuid = $1`, runUUID)
	return scanRun(row, runUUID)
}

// ListQueuedRuns polls for unclaimed work, oldest first.
func (s *Store) ListQueuedRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, workflow_uuid, status, COALESCE(trigger_id, ''), queued_at, started_at, finished_at,
		       processed_items, failed_items, COALESCE(error, '')
		FROM workflow_runs WHERE status = 'queued' ORDER BY queued_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRunLog appends an immutable log line to a run.
func (s *Store) InsertRunLog(ctx context.Context, runUUID string, level LogLevel, message string, meta map[string]any) error {
	var metaJSON []byte
	if len(meta) > 0 {
		var err error
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return apperr.Database(err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_logs (uuid, run_uuid, ts, level, message, meta)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.NewString(), runUUID, time.Now().UTC(), string(level), message, metaJSON)
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

type RunLogEntry struct {
	UUID    string
	RunUUID string
	Ts      time.Time
	Level   LogLevel
	Message string
	Meta    map[string]any
}

// ListRunLogs returns log lines for a run, newest first, paginated.
func (s *Store) ListRunLogs(ctx context.Context, runUUID string, limit, offset int) ([]RunLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, run_uuid, ts, level, message, meta
		FROM workflow_run_logs WHERE run_uuid = $1 ORDER BY ts DESC LIMIT $2 OFFSET $3`, runUUID, limit, offset)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		var level string
		var metaJSON []byte
		if err := rows.Scan(&e.UUID, &e.RunUUID, &e.Ts, &level, &e.Message, &metaJSON); err != nil {
			return nil, apperr.Database(err)
		}
		e.Ts = e.Ts.UTC()
		e.Level = LogLevel(level)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
				return nil, apperr.Database(err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertRawItems stages fetched payloads for a run before DSL processing.
func (s *Store) InsertRawItems(ctx context.Context, runUUID string, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Database(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO workflow_raw_items (uuid, run_uuid, data, created_at) VALUES ($1,$2,$3,$4)`)
	if err != nil {
		return apperr.Database(err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), runUUID, item, now); err != nil {
			return apperr.Database(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database(err)
	}
	return nil
}

// CountRawItemsForRun reports how many raw items are staged, used to
// decide whether staging already happened for this run.
func (s *Store) CountRawItemsForRun(ctx context.Context, runUUID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM workflow_raw_items WHERE run_uuid = $1`, runUUID).Scan(&n)
	if err != nil {
		return 0, apperr.Database(err)
	}
	return n, nil
}

// RawItems returns staged items for processing.
func (s *Store) RawItems(ctx context.Context, runUUID string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM workflow_raw_items WHERE run_uuid = $1 ORDER BY created_at ASC`, runUUID)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		var data json.RawMessage
		if err := rows.Scan(&data); err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func scanRun(r rowScanner, id string) (Run, error) {
	var (
		run       Run
		status    string
		triggerID string
		startedAt sql.NullTime
		finished  sql.NullTime
		errMsg    string
	)
	err := r.Scan(&run.UUID, &run.WorkflowUUID, &status, &triggerID, &run.QueuedAt, &startedAt, &finished,
		&run.ProcessedItems, &run.FailedItems, &errMsg)
	if err == sql.ErrNoRows {
		if id != "" {
			return Run{}, apperr.NotFound("workflow_run", id)
		}
		return Run{}, sql.ErrNoRows
	}
	if err != nil {
		return Run{}, err
	}
	run.Status = Status(status)
	run.TriggerID = triggerID
	run.Error = errMsg
	run.QueuedAt = run.QueuedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
