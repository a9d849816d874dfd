// Package workflow persists Workflow definitions (name, kind, enabled,
// schedule_cron, config) and compiles/validates their config as a
// dsl.Program before it is stored, wiring C8's compiler/validator into a
// concrete repository in the same raw database/sql style as the dynamic
// entity store.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/dsl"
	"github.com/bentbr/rdatacore/internal/versioning"
)

type Kind string

const (
	Consumer Kind = "Consumer"
	Provider Kind = "Provider"
)

type Workflow struct {
	UUID         string
	Name         string
	Description  string
	Kind         Kind
	Enabled      bool
	ScheduleCron string
	Config       json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CreatedBy    string
	UpdatedBy    string
	Version      int
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// compileAndValidate parses config as a dsl.Program and runs the static
// §4.8 validation rules. It is called on every create/update so a workflow
// can never be persisted with a config that would fail at execution time.
func compileAndValidate(config json.RawMessage) error {
	var prog dsl.Program
	if err := json.Unmarshal(config, &prog); err != nil {
		return apperr.Validation("config is not a valid DSL program: %s", err.Error())
	}
	if err := dsl.Validate(prog); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	return nil
}

func (s *Store) Create(ctx context.Context, w Workflow, actor string) (Workflow, error) {
	if w.Name == "" {
		return Workflow{}, apperr.Validation("name must be non-empty")
	}
	if w.Kind != Consumer && w.Kind != Provider {
		return Workflow{}, apperr.Validation("kind must be Consumer or Provider")
	}
	if err := compileAndValidate(w.Config); err != nil {
		return Workflow{}, err
	}

	w.UUID = uuid.NewString()
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	w.CreatedBy, w.UpdatedBy = actor, actor
	w.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows
			(uuid, name, description, kind, enabled, schedule_cron, config, created_at, updated_at, created_by, updated_by, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		w.UUID, w.Name, w.Description, string(w.Kind), w.Enabled, nullIfEmpty(w.ScheduleCron), w.Config,
		w.CreatedAt, w.UpdatedAt, w.CreatedBy, w.UpdatedBy, w.Version)
	if err != nil {
		return Workflow{}, apperr.Database(err)
	}
	return w, nil
}

func (s *Store) Get(ctx context.Context, workflowUUID string) (Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, COALESCE(description, ''), kind, enabled, COALESCE(schedule_cron, ''), config,
		       created_at, updated_at, created_by, updated_by, version
		FROM workflows WHERE uuid = $1`, workflowUUID)
	return scanWorkflow(row, workflowUUID)
}

// Update re-fetches the current row inside the transaction, snapshots it
// via the versioning engine, then applies the caller's changes — the same
// pattern as the dynamic entity store's Update.
func (s *Store) Update(ctx context.Context, workflowUUID string, mutate func(*Workflow), actor string) (Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Workflow{}, apperr.Database(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT uuid, name, COALESCE(description, ''), kind, enabled, COALESCE(schedule_cron, ''), config,
		       created_at, updated_at, created_by, updated_by, version
		FROM workflows WHERE uuid = $1`, workflowUUID)
	current, err := scanWorkflow(row, workflowUUID)
	if err != nil {
		return Workflow{}, err
	}

	currentJSON, err := json.Marshal(current)
	if err != nil {
		return Workflow{}, apperr.Database(err)
	}
	if err := versioning.SnapshotDataTx(ctx, tx, "workflow", workflowUUID, current.Version, currentJSON, actor); err != nil {
		return Workflow{}, err
	}

	mutate(&current)
	if err := compileAndValidate(current.Config); err != nil {
		return Workflow{}, err
	}
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	current.UpdatedBy = actor

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET name=$1, description=$2, kind=$3, enabled=$4, schedule_cron=$5, config=$6,
		       updated_at=$7, updated_by=$8, version=$9
		WHERE uuid = $10`,
		current.Name, current.Description, string(current.Kind), current.Enabled, nullIfEmpty(current.ScheduleCron),
		current.Config, current.UpdatedAt, current.UpdatedBy, current.Version, workflowUUID)
	if err != nil {
		return Workflow{}, apperr.Database(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Workflow{}, apperr.NotFound("workflow", workflowUUID)
	}
	if err := tx.Commit(); err != nil {
		return Workflow{}, apperr.Database(err)
	}
	return current, nil
}

func (s *Store) Delete(ctx context.Context, workflowUUID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE uuid = $1`, workflowUUID)
	if err != nil {
		return apperr.Database(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("workflow", workflowUUID)
	}
	return nil
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, COALESCE(description, ''), kind, enabled, COALESCE(schedule_cron, ''), config,
		       created_at, updated_at, created_by, updated_by, version
		FROM workflows ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows, "")
		if err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListScheduledTriggers lists workflows of kind Consumer, enabled, with a
// non-null schedule_cron; worker.TriggerSource adapts the result to
// scheduler.TriggerSource.
func (s *Store) ListScheduledTriggers(ctx context.Context) ([]ScheduledTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, schedule_cron FROM workflows
		WHERE kind = $1 AND enabled = true AND schedule_cron IS NOT NULL`, string(Consumer))
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []ScheduledTrigger
	for rows.Next() {
		var t ScheduledTrigger
		if err := rows.Scan(&t.WorkflowUUID, &t.ScheduleCron); err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ScheduledTrigger mirrors scheduler.WorkflowTrigger without importing the
// scheduler package (avoids a storage -> scheduler dependency cycle; the
// wiring layer adapts between the two).
type ScheduledTrigger struct {
	WorkflowUUID string
	ScheduleCron string
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanWorkflow(r rowScanner, id string) (Workflow, error) {
	var (
		w            Workflow
		kind         string
		scheduleCron string
	)
	err := r.Scan(&w.UUID, &w.Name, &w.Description, &kind, &w.Enabled, &scheduleCron, &w.Config,
		&w.CreatedAt, &w.UpdatedAt, &w.CreatedBy, &w.UpdatedBy, &w.Version)
	if err == sql.ErrNoRows {
		if id != "" {
			return Workflow{}, apperr.NotFound("workflow", id)
		}
		return Workflow{}, sql.ErrNoRows
	}
	if err != nil {
		return Workflow{}, err
	}
	w.Kind = Kind(kind)
	w.ScheduleCron = scheduleCron
	w.CreatedAt, w.UpdatedAt = w.CreatedAt.UTC(), w.UpdatedAt.UTC()
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
