// Package rdataplatform wires the platform's components into a single
// Application, the way the teacher's internal/app/runtime.Application
// wires its own Stores/services: config in, concrete stores and services
// out, with Start/Stop driving every background loop.
package rdataplatform

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bentbr/rdatacore/internal/authtoken"
	"github.com/bentbr/rdatacore/internal/cache"
	"github.com/bentbr/rdatacore/internal/dsl"
	"github.com/bentbr/rdatacore/internal/dynamicentity"
	"github.com/bentbr/rdatacore/internal/entitydef"
	"github.com/bentbr/rdatacore/internal/fetch"
	"github.com/bentbr/rdatacore/internal/format"
	"github.com/bentbr/rdatacore/internal/gateway"
	"github.com/bentbr/rdatacore/internal/identity"
	"github.com/bentbr/rdatacore/internal/maintenance"
	"github.com/bentbr/rdatacore/internal/obsmetrics"
	"github.com/bentbr/rdatacore/internal/platform/database"
	"github.com/bentbr/rdatacore/internal/platform/migrations"
	"github.com/bentbr/rdatacore/internal/queryvalidation"
	"github.com/bentbr/rdatacore/internal/runlifecycle"
	"github.com/bentbr/rdatacore/internal/scheduler"
	"github.com/bentbr/rdatacore/internal/settings"
	"github.com/bentbr/rdatacore/internal/versioning"
	"github.com/bentbr/rdatacore/internal/worker"
	"github.com/bentbr/rdatacore/internal/workflow"
	"github.com/bentbr/rdatacore/pkg/config"
	"github.com/bentbr/rdatacore/pkg/logger"
)

// Application composes every component into a runnable process: the
// scheduler, worker loop and maintenance runner run as background services,
// everything else is called synchronously from the HTTP layer (not part of
// this package).
type Application struct {
	DB    *sql.DB
	Cache cache.Cache
	Log   *logger.Logger

	EntityDefs *entitydef.Store
	Entities   *dynamicentity.Store
	Gateway    *gateway.EntityGateway

	Identity *identity.Service

	QueryValidator *queryvalidation.SortValidator

	Workflows *workflow.Store
	Runs      *runlifecycle.Store

	Executor *dsl.Executor
	Fetcher  *fetch.Fetcher
	Format   format.Codec
	Sink     *format.Sink
	Signer   *authtoken.Signer

	Settings    *settings.Service
	Scheduler   *scheduler.Scheduler
	Worker      *worker.Loop
	Maintenance *maintenance.Runner
}

// New opens the database, applies migrations, and wires every component
// against it. The caller is responsible for calling Start/Stop around the
// returned Application's lifecycle.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logger.NewDefault("rdataplatform")
	}

	db, err := database.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	configurePool(db, cfg)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	c, err := buildCache(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	entityDefs := entitydef.NewStore(db, c)
	entities := dynamicentity.NewStore(db, entityDefs)
	gw := gateway.New(entities, entityDefs)

	users := identity.NewAdminUserStore(db)
	roles := identity.NewRoleStore(db, c)
	apiKeys := identity.NewApiKeyStore(db, c)
	tokens := identity.NewTokenManager(db, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpiration)*time.Second, 30)
	idService := identity.NewService(users, roles, apiKeys, tokens, c)

	workflows := workflow.NewStore(db)
	runs := runlifecycle.NewStore(db)
	settingsSvc := settings.NewService(db, c)

	fetcher := fetch.New(nil, 0, 0, fetch.DefaultRetryConfig())
	signer := authtoken.New(cfg.Auth.JWTSecret)
	sink := &format.Sink{Fetcher: fetcher}

	executor := &dsl.Executor{
		Entities: format.Codec{},
		Sink:     sink,
		Auth:     signer,
		Gateway:  gw,
	}

	stager := &httpStager{codec: format.Codec{}, fetcher: fetcher, runs: runs}
	workerLoop := &worker.Loop{
		Workflows:    workflows,
		Runs:         runs,
		Stager:       stager,
		Executor:     executor,
		Log:          log,
		PollInterval: 5 * time.Second,
	}

	triggerSource := worker.TriggerSource{Workflows: workflows, Runs: runs}
	reconcileInterval := time.Duration(cfg.Scheduler.ReconcileIntervalSecs) * time.Second
	sched := scheduler.New(triggerSource, log, reconcileInterval)

	runner := maintenance.NewRunner(maintenance.TaskContext{DB: db, Cache: c, Settings: settingsSvc, Log: log})
	for _, task := range maintenance.Builtins("0 0 3 * * *", "0 30 3 * * *", "0 0 4 * * *") {
		if err := runner.Register(task); err != nil {
			db.Close()
			return nil, fmt.Errorf("register maintenance task %s: %w", task.Name, err)
		}
	}

	return &Application{
		DB:             db,
		Cache:          c,
		Log:            log,
		EntityDefs:     entityDefs,
		Entities:       entities,
		Gateway:        gw,
		Identity:       idService,
		QueryValidator: queryvalidation.NewSortValidator(entityDefs),
		Workflows:      workflows,
		Runs:           runs,
		Executor:       executor,
		Fetcher:        fetcher,
		Format:         format.Codec{},
		Sink:           sink,
		Signer:         signer,
		Settings:       settingsSvc,
		Scheduler:      sched,
		Worker:         workerLoop,
		Maintenance:    runner,
	}, nil
}

// Start begins every background loop: scheduler reconciliation, the
// queued-run worker poller, and maintenance's cron runner.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.Worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	a.Maintenance.Start()
	return nil
}

// Versions lists the version history for an entity or workflow. kind is
// "entity" or "workflow"; see internal/versioning.tableFor.
func (a *Application) Versions(ctx context.Context, kind, ownerUUID string) ([]versioning.Snapshot, error) {
	return versioning.ListVersions(ctx, a.DB, kind, ownerUUID)
}

// MetricsHandler exposes the process's Prometheus collectors for scraping.
func (a *Application) MetricsHandler() http.Handler {
	return obsmetrics.Handler()
}

// Stop shuts down every background loop and closes the database handle.
func (a *Application) Stop(ctx context.Context) error {
	var errs []error
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Worker.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Maintenance.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func buildCache(cfg *config.Config) (cache.Cache, error) {
	switch strings.ToLower(cfg.Cache.Backend) {
	case "redis":
		if strings.TrimSpace(cfg.Cache.RedisURL) == "" {
			return nil, fmt.Errorf("CACHE_BACKEND=redis requires REDIS_URL")
		}
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return cache.NewRedis(redis.NewClient(opts)), nil
	default:
		return cache.NewMemory(10 * time.Minute), nil
	}
}

// httpStager implements worker.Stager for Consumer workflows whose first
// step's From.Source describes a pull target ({"uri": "...", "method":
// "GET"}) rather than literal inline data. Workflows that arrive already
// staged (direct CSV/JSON upload via the HTTP API) never reach this code,
// since processRun only calls Stager when no raw items exist yet.
type httpStager struct {
	codec   format.Codec
	fetcher *fetch.Fetcher
	runs    *runlifecycle.Store
}

type fetchSource struct {
	URI    string `json:"uri"`
	Method string `json:"method"`
}

func (h *httpStager) FetchAndStage(ctx context.Context, w workflow.Workflow, runUUID string) error {
	var prog dsl.Program
	if err := json.Unmarshal(w.Config, &prog); err != nil {
		return fmt.Errorf("parse workflow config: %w", err)
	}
	if len(prog.Steps) == 0 {
		return nil
	}
	step := prog.Steps[0]
	if step.From.Type != "format" || len(step.From.Source) == 0 {
		return nil
	}

	var src fetchSource
	if err := json.Unmarshal(step.From.Source, &src); err != nil || src.URI == "" {
		return nil // literal inline data, not a pull source
	}
	method := src.Method
	if method == "" {
		method = "GET"
	}

	body, err := h.fetcher.Fetch(ctx, method, src.URI, nil, nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", src.URI, err)
	}
	records, err := h.codec.Decode(ctx, body, step.From.Format)
	if err != nil {
		return fmt.Errorf("decode response from %s: %w", src.URI, err)
	}

	items := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		items = append(items, raw)
	}
	return h.runs.InsertRawItems(ctx, runUUID, items)
}
