package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flickrtwin/internal/crawl"
	"flickrtwin/internal/server"
	"flickrtwin/internal/storage"
	"flickrtwin/pkg/auth"
	"flickrtwin/pkg/config"
	"flickrtwin/pkg/flickr"
	"flickrtwin/pkg/logger"
	"flickrtwin/pkg/metrics"
	"flickrtwin/pkg/ratelimit"
	"flickrtwin/pkg/ui"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const saveTimeout = 30 * time.Second

// app wires one command invocation: config, the persisted graph and call
// history, and the crawl session drawing on them
type app struct {
	cfg      *config.Config
	log      logger.Logger
	budget   *ratelimit.Budget
	history  ratelimit.HistoryStore
	store    storage.Store
	session  *crawl.Session
	server   *server.Server
	display  *ui.ProgressDisplay
	notifier *ui.Notifier
}

// newApp loads everything a command needs. When needsAPI is false a missing
// API key is tolerated since no upstream call will be made.
func newApp(ctx context.Context, cmd *cobra.Command, needsAPI bool) (*app, error) {
	cfg, err := config.Load(configFile, commandLineFlags(cmd))
	if err != nil {
		return nil, err
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.WithField("command", cmd.Name())

	key, err := resolveAPIKey(cfg)
	if err != nil && needsAPI {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		budget:   ratelimit.NewBudget(cfg.RateLimit.CallsPerWindow, cfg.RateLimit.Window),
		notifier: ui.NewNotifier(notify),
	}

	var m *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
	}

	client := flickr.NewClient(key, cfg.Flickr.Timeout, log)
	client.SetBaseURL(cfg.Flickr.BaseURL)
	client.SetMetrics(m)

	opts := []crawl.Option{crawl.WithLogger(log), crawl.WithMetrics(m)}
	if !ui.IsQuiet() {
		a.display = ui.NewProgressDisplay(cmd.Name(), cfg.Logging.Level == "debug")
		opts = append(opts, crawl.WithDisplay(a.display.Display))
	}
	a.session = crawl.NewSession(cfg, client, a.budget, opts...)

	if err := a.open(ctx, key); err != nil {
		a.close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.server = server.New(cfg.Metrics.Addr, a.session, reg, log)
	}

	a.session.Start()
	return a, nil
}

// open restores the call history and the graph snapshot
func (a *app) open(ctx context.Context, key string) error {
	history, err := ratelimit.OpenHistory(ctx, a.cfg.History, a.cfg.RateLimit.Window, key)
	if err != nil {
		return fmt.Errorf("failed to open call history: %w", err)
	}
	a.history = history

	calls, err := history.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load call history: %w", err)
	}
	a.budget.Restore(calls)

	store, err := storage.New(ctx, a.cfg.Storage, a.log)
	if err != nil {
		return fmt.Errorf("failed to open graph storage: %w", err)
	}
	a.store = store

	snap, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}
	a.session.Restore(snap)
	return nil
}

// resolveAPIKey prefers the configured key, then the stored credentials
func resolveAPIKey(cfg *config.Config) (string, error) {
	if cfg.Flickr.APIKey != "" {
		return cfg.Flickr.APIKey, nil
	}

	manager, err := auth.NewManager()
	if err != nil {
		return "", fmt.Errorf("failed to initialize credential manager: %w", err)
	}
	cred, err := manager.RetrieveDefault()
	if err != nil {
		if errors.Is(err, auth.ErrCredentialsNotFound) {
			return "", fmt.Errorf("no Flickr API key configured; run 'flickrtwin auth set' or set %s", auth.APIKeyEnv)
		}
		return "", err
	}
	return cred.APIKey, nil
}

// run executes op with interrupt handling and the optional side server, then
// saves state whatever the outcome. An interrupt cancels queued requests and
// is not reported as an error.
func (a *app) run(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gCtx)
	defer stopServer()
	if a.server != nil {
		g.Go(func() error { return a.server.Run(srvCtx) })
	}

	opErr := op(gCtx)
	if ctx.Err() != nil {
		n := a.session.CancelAll()
		a.log.WarnWithFields("Interrupted, cancelled queued requests", map[string]interface{}{
			"cancelled": n,
		})
		ui.PrintWarning(fmt.Sprintf("Interrupted. Cancelled %d queued requests, saving progress", n))
		if errors.Is(opErr, context.Canceled) {
			opErr = nil
		}
	}

	stopServer()
	srvErr := g.Wait()
	return errors.Join(opErr, srvErr, a.save())
}

// save persists the call history and the graph snapshot
func (a *app) save() error {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	var errs []error
	if err := a.history.Save(ctx, a.budget.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("failed to save call history: %w", err))
	}
	if err := a.store.Save(ctx, a.session.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("failed to save graph: %w", err))
	}
	if len(errs) == 0 {
		a.log.DebugWithFields("State saved", map[string]interface{}{
			"users":  a.session.Users().Len(),
			"photos": a.session.Photos().Len(),
		})
	}
	return errors.Join(errs...)
}

// close stops the session and releases storage connections
func (a *app) close() {
	a.session.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close graph storage")
		}
	}
	if c, ok := a.history.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close call history")
		}
	}
}

// withApp runs op inside a fully wired app and tears it down afterwards
func withApp(cmd *cobra.Command, needsAPI bool, op func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd.Context(), cmd, needsAPI)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(cmd.Context(), func(ctx context.Context) error {
		return op(ctx, a)
	})
}
