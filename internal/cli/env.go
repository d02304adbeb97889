package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/store"
)

// env is everything a command needs: resolved config, both stores and an
// engine wired to the reference remote.
type env struct {
	cfg      config.Config
	local    *store.Store
	remoteDB *store.Store
	remote   *remote.Local
	monitor  *engine.Monitor
	engine   *engine.Engine
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DB != "" {
		cfg.DB = opts.DB
	}
	if opts.RemoteDB != "" {
		cfg.Remote.DB = opts.RemoteDB
	}
	if opts.BlobDir != "" {
		cfg.Remote.BlobDir = opts.BlobDir
	}
	return cfg, nil
}

// openEnv opens the stores and builds the engine. The caller must Close it.
func openEnv(ctx context.Context, opts *RootOptions) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	local, err := store.Open(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	remoteDB, err := store.Open(cfg.Remote.DB)
	if err != nil {
		local.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open remote database", err)
	}

	e := &env{
		cfg:      cfg,
		local:    local,
		remoteDB: remoteDB,
		remote: remote.NewLocal(remoteDB, remote.Options{
			BlobDir:       cfg.Remote.BlobDir,
			CreateMissing: cfg.Remote.CreateMissing,
		}),
		monitor: engine.NewMonitor(engine.MonitorOptions{
			Initial:  cfg.Connectivity.Initial,
			Debounce: cfg.Connectivity.Debounce,
			Prober:   newProber(cfg.Connectivity),
			Interval: cfg.Connectivity.Interval,
		}),
	}

	e.engine, err = engine.NewWithRemote(ctx, local, e.remote, e.remote, e.monitor,
		engine.WithBackoff(engine.Backoff{
			Base:       cfg.Backoff.Base,
			Ceiling:    cfg.Backoff.Ceiling,
			MaxRetries: cfg.Backoff.MaxRetries,
		}),
		engine.WithRetryInterval(cfg.RetryInterval),
	)
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load queue", err)
	}
	return e, nil
}

// probeOnce replaces the configured initial state with one probe result,
// for commands that do not run the monitor loop.
func (e *env) probeOnce(ctx context.Context) {
	p := newProber(e.cfg.Connectivity)
	if p == nil {
		return
	}
	online := p.Probe(ctx)
	now := engine.SystemTime{}.Now()
	e.monitor.Observe(online, now)
	// One-shot commands cannot wait out the debounce window.
	e.monitor.Tick(now.Add(e.cfg.Connectivity.Debounce))
	slog.Debug("connectivity probed", "probe", e.cfg.Connectivity.Probe, "online", online)
}

func (e *env) Close() {
	if err := e.local.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
	if err := e.remoteDB.Close(); err != nil {
		slog.Error("error closing remote database", "error", err)
	}
}

func newProber(c config.Connectivity) engine.Prober {
	switch c.Probe {
	case "tcp":
		return engine.TCPProber{Addr: c.Target, Timeout: c.Timeout}
	case "http":
		return engine.HTTPProber{URL: c.Target, Client: &http.Client{Timeout: c.Timeout}}
	default:
		return nil
	}
}

// operationView is the JSON form of a queued operation.
type operationView struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"seq"`
	Type          op.Type    `json:"type"`
	Entity        string     `json:"entity"`
	Status        op.Status  `json:"status"`
	Retries       int        `json:"retries"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func newOperationView(o op.Operation, b engine.Backoff) operationView {
	v := operationView{
		ID:            o.ID,
		Seq:           o.Seq,
		Type:          o.Type,
		Entity:        o.Entity(),
		Status:        o.Status,
		Retries:       o.Retries,
		CreatedAt:     o.CreatedAt,
		LastAttemptAt: o.LastAttemptAt,
		Error:         o.Error,
	}
	if o.Status == op.StatusRetrying {
		if next := b.NextAttemptAt(o); !next.IsZero() {
			v.NextAttemptAt = &next
		}
	}
	return v
}

// String is the one-line text form.
func (v operationView) String() string {
	s := fmt.Sprintf("%s  %-15s  %-24s  %-8s  retries=%d", v.ID, v.Type, v.Entity, v.Status, v.Retries)
	if v.NextAttemptAt != nil {
		s += "  next=" + v.NextAttemptAt.Format(time.RFC3339)
	}
	if v.Error != "" {
		s += "  " + v.Error
	}
	return s
}
