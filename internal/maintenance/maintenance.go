// Package maintenance implements the Maintenance Task Runner (C12):
// cron-scheduled housekeeping tasks sharing a TaskContext, each logging
// failures without aborting the scheduler.
package maintenance

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bentbr/rdatacore/internal/cache"
	"github.com/bentbr/rdatacore/internal/obsmetrics"
	"github.com/bentbr/rdatacore/internal/settings"
	"github.com/bentbr/rdatacore/internal/versioning"
	"github.com/bentbr/rdatacore/pkg/logger"
)

// TaskContext is shared by every maintenance task.
type TaskContext struct {
	DB       *sql.DB
	Cache    cache.Cache
	Settings *settings.Service
	Log      *logger.Logger
}

// Task pairs a name and cron expression with an entry point.
type Task struct {
	Name    string
	Cron    string
	Execute func(ctx context.Context, tc TaskContext) error
}

// Runner schedules and executes the built-in tasks via robfig/cron.
type Runner struct {
	cron  *cron.Cron
	tasks []Task
	tc    TaskContext
}

func NewRunner(tc TaskContext) *Runner {
	return &Runner{cron: cron.New(cron.WithSeconds()), tc: tc}
}

// Register adds a task and schedules it immediately if the runner is
// already started.
func (r *Runner) Register(t Task) error {
	r.tasks = append(r.tasks, t)
	_, err := r.cron.AddFunc(t.Cron, func() {
		task := t
		start := time.Now()
		err := task.Execute(context.Background(), r.tc)
		obsmetrics.RecordMaintenanceTask(task.Name, time.Since(start), err)
		if err != nil && r.tc.Log != nil {
			r.tc.Log.WithError(err).WithField("task", task.Name).Error("maintenance task failed")
		}
	})
	return err
}

func (r *Runner) Start() { r.cron.Start() }

func (r *Runner) Stop(ctx context.Context) error {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshTokenCleanup deletes refresh-token rows that are either expired
// or already revoked.
func RefreshTokenCleanup(ctx context.Context, tc TaskContext) error {
	_, err := tc.DB.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1 OR is_revoked = true`, time.Now().UTC())
	return err
}

// WorkflowRunLogsPurger prunes run history per WorkflowRunLogSettings,
// never touching runs in state queued or running.
func WorkflowRunLogsPurger(ctx context.Context, tc TaskContext) error {
	cfg, err := tc.Settings.WorkflowRunLogSettings(ctx)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	if cfg.MaxAgeDays != nil {
		if _, err := tc.DB.ExecContext(ctx, `
			DELETE FROM workflow_runs
			WHERE status IN ('success','failed') AND finished_at < NOW() - ($1 || ' days')::interval`,
			*cfg.MaxAgeDays); err != nil {
			return err
		}
	}
	if cfg.MaxRuns != nil {
		_, err := tc.DB.ExecContext(ctx, `
			DELETE FROM workflow_runs WHERE uuid IN (
				SELECT uuid FROM (
					SELECT uuid, status,
					       row_number() OVER (PARTITION BY workflow_uuid ORDER BY queued_at DESC) AS rn
					FROM workflow_runs
				) ranked WHERE rn > $1 AND status IN ('success','failed')
			)`, *cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return nil
}

// VersionPurger prunes entity_versions and workflow_versions per
// EntityVersioningSettings.
func VersionPurger(ctx context.Context, tc TaskContext) error {
	cfg, err := tc.Settings.EntityVersioningSettings(ctx)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	for _, kind := range []string{"entity", "workflow"} {
		if cfg.MaxAgeDays != nil {
			if _, err := versioning.PruneOlderThanDays(ctx, tc.DB, kind, *cfg.MaxAgeDays); err != nil {
				return err
			}
		}
		if cfg.MaxVersions != nil {
			if _, err := versioning.PruneKeepLatestPerOwner(ctx, tc.DB, kind, *cfg.MaxVersions); err != nil {
				return err
			}
		}
	}
	return nil
}

// Builtins returns the three spec-mandated tasks, each on a cron spec
// supplied by the caller (deployment-configurable).
func Builtins(refreshTokenCron, runLogsCron, versionCron string) []Task {
	return []Task{
		{Name: "refresh_token_cleanup", Cron: refreshTokenCron, Execute: RefreshTokenCleanup},
		{Name: "workflow_run_logs_purger", Cron: runLogsCron, Execute: WorkflowRunLogsPurger},
		{Name: "version_purger", Cron: versionCron, Execute: VersionPurger},
	}
}
