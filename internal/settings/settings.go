// Package settings implements the Settings Service (C13): a single
// name-keyed table of JSON payloads, cache-backed reads, and partial-PATCH
// merge semantics on writes.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/cache"
)

// EntityVersioningSettings governs the version_purger task.
type EntityVersioningSettings struct {
	Enabled     bool `json:"enabled"`
	MaxVersions *int `json:"max_versions,omitempty"`
	MaxAgeDays  *int `json:"max_age_days,omitempty"`
}

// WorkflowRunLogSettings governs the workflow_run_logs_purger task.
type WorkflowRunLogSettings struct {
	Enabled    bool `json:"enabled"`
	MaxRuns    *int `json:"max_runs,omitempty"`
	MaxAgeDays *int `json:"max_age_days,omitempty"`
}

func validatePositive(name string, v *int) error {
	if v != nil && *v < 1 {
		return apperr.Validation("%s must be >= 1 when present", name)
	}
	return nil
}

func (s EntityVersioningSettings) Validate() error {
	if err := validatePositive("max_versions", s.MaxVersions); err != nil {
		return err
	}
	return validatePositive("max_age_days", s.MaxAgeDays)
}

func (s WorkflowRunLogSettings) Validate() error {
	if err := validatePositive("max_runs", s.MaxRuns); err != nil {
		return err
	}
	return validatePositive("max_age_days", s.MaxAgeDays)
}

const (
	nameEntityVersioning = "entity_versioning"
	nameWorkflowRunLogs  = "workflow_run_logs"
)

// Service reads/writes settings rows, caching reads by name.
type Service struct {
	db    *sql.DB
	cache cache.Cache
}

func NewService(db *sql.DB, c cache.Cache) *Service {
	return &Service{db: db, cache: c}
}

func (s *Service) get(ctx context.Context, name string, out any) error {
	if v, ok := s.cache.Get(cache.Settings(name)); ok {
		if raw, ok := v.(json.RawMessage); ok {
			return json.Unmarshal(raw, out)
		}
	}
	var raw json.RawMessage
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE name = $1`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil // absent setting: caller's zero value (disabled) applies
	}
	if err != nil {
		return apperr.Database(err)
	}
	s.cache.Set(cache.Settings(name), raw, 0)
	return json.Unmarshal(raw, out)
}

// patch merges partial JSON atop the current stored payload (or the
// zero value if absent) and persists the merged result.
func (s *Service) patch(ctx context.Context, name string, partial json.RawMessage, validate func(json.RawMessage) error) error {
	var current map[string]any
	var raw json.RawMessage
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE name = $1`, name).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		current = map[string]any{}
	case err != nil:
		return apperr.Database(err)
	default:
		if err := json.Unmarshal(raw, &current); err != nil {
			return apperr.Database(err)
		}
	}

	var updates map[string]any
	if err := json.Unmarshal(partial, &updates); err != nil {
		return apperr.Validation("invalid settings payload: %s", err.Error())
	}
	for k, v := range updates {
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("%w: %s", apperr.ErrSerialization, err)
	}
	if validate != nil {
		if err := validate(merged); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (name, payload, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (name) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		name, merged, now)
	if err != nil {
		return apperr.Database(err)
	}
	s.cache.Set(cache.Settings(name), json.RawMessage(merged), 0)
	return nil
}

func (s *Service) EntityVersioningSettings(ctx context.Context) (EntityVersioningSettings, error) {
	var cfg EntityVersioningSettings
	if err := s.get(ctx, nameEntityVersioning, &cfg); err != nil {
		return EntityVersioningSettings{}, err
	}
	return cfg, nil
}

func (s *Service) PatchEntityVersioningSettings(ctx context.Context, partial json.RawMessage) error {
	return s.patch(ctx, nameEntityVersioning, partial, func(merged json.RawMessage) error {
		var cfg EntityVersioningSettings
		if err := json.Unmarshal(merged, &cfg); err != nil {
			return apperr.Validation("invalid entity versioning settings: %s", err.Error())
		}
		return cfg.Validate()
	})
}

func (s *Service) WorkflowRunLogSettings(ctx context.Context) (WorkflowRunLogSettings, error) {
	var cfg WorkflowRunLogSettings
	if err := s.get(ctx, nameWorkflowRunLogs, &cfg); err != nil {
		return WorkflowRunLogSettings{}, err
	}
	return cfg, nil
}

func (s *Service) PatchWorkflowRunLogSettings(ctx context.Context, partial json.RawMessage) error {
	return s.patch(ctx, nameWorkflowRunLogs, partial, func(merged json.RawMessage) error {
		var cfg WorkflowRunLogSettings
		if err := json.Unmarshal(merged, &cfg); err != nil {
			return apperr.Validation("invalid workflow run log settings: %s", err.Error())
		}
		return cfg.Validate()
	})
}
