// Package daemon wires the sync engine's components together and runs
// them under one lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/api"
	"github.com/alexjbarnes/ledger-sync/internal/auth"
	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/localstore"
	"github.com/alexjbarnes/ledger-sync/internal/mcpserver"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/poller"
	"github.com/alexjbarnes/ledger-sync/internal/queue"
	"github.com/alexjbarnes/ledger-sync/internal/realtime"
	"github.com/alexjbarnes/ledger-sync/internal/server"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/alexjbarnes/ledger-sync/internal/trigger"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

const (
	// shutdownTimeout bounds the admin server's graceful shutdown.
	shutdownTimeout = 10 * time.Second
	statusBuffer    = 8
)

// Daemon holds every component of a running engine.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	State       *state.State
	Client      *api.Client
	Provider    *auth.Provider
	Queue       *queue.Queue
	Store       *localstore.Store
	Tracker     *syncer.Tracker
	Coordinator *syncer.Coordinator
	Scheduler   *syncer.Scheduler

	// Notifier and Poller are nil when disabled.
	Notifier *realtime.Notifier
	Poller   *poller.Poller
}

// Open opens the state database and builds all components. The caller
// must Close the daemon.
func Open(cfg *config.Config, version string, logger *slog.Logger) (*Daemon, error) {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	d, err := build(cfg, version, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return d, nil
}

func build(cfg *config.Config, version string, st *state.State, logger *slog.Logger) (*Daemon, error) {
	key, err := cfg.SealKey()
	if err != nil {
		return nil, err
	}

	st.SetSealKey(key)

	deviceID, err := st.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("reading device id: %w", err)
	}

	client := api.NewClient(cfg.APIBaseURL, nil)
	client.SetDeviceID(deviceID)

	if cfg.IsProduction() && !strings.HasPrefix(client.BaseURL(), "https://") {
		logger.Warn("API_BASE_URL is not https in production, tokens are sent in clear text",
			slog.String("api", client.BaseURL()),
		)
	}

	provider := auth.NewProvider(st, client, cfg.RefreshWait, logger)
	client.OnUnauthorized(provider.Invalidate)

	if err := bootstrapCredentials(st, provider, cfg, logger); err != nil {
		return nil, err
	}

	q := queue.New(st, logger)
	store := localstore.New(st, logger)
	tracker := syncer.NewTracker()
	tracker.Update(func(s *models.SyncState) { s.PendingCount = q.Count() })

	uploader := syncer.NewUploader(client, q, tracker, syncer.UploaderConfig{
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.PushTimeout,
	}, logger)

	puller := syncer.NewPuller(client, st, store, q, tracker, syncer.PullerConfig{
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.PullTimeout,
	}, logger)

	coordinator := syncer.NewCoordinator(uploader, puller, q, st, tracker, logger)
	scheduler := syncer.NewScheduler(coordinator, provider, tracker, cfg.SyncInterval, logger)

	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		State:       st,
		Client:      client,
		Provider:    provider,
		Queue:       q,
		Store:       store,
		Tracker:     tracker,
		Coordinator: coordinator,
		Scheduler:   scheduler,
	}

	if cfg.RealtimeEnabled() {
		rtLogger := logger.With(slog.String("component", "realtime"))
		d.Notifier = realtime.NewNotifier(cfg.StreamEndpoints(), realtime.NewStreamDialer(nil, deviceID), rtLogger)
		d.Notifier.OnStateChange(func(s models.ConnectionState) {
			rtLogger.Info("realtime connection", slog.String("state", string(s)))
		})
	}

	if cfg.PollerEnabled() {
		d.Poller = poller.New(client, st, provider.GetValidCredential, poller.Config{
			Path:     cfg.PollPath,
			Interval: cfg.PollInterval,
		}, func([]poller.Change) {
			scheduler.Request("poll")
		}, logger.With(slog.String("component", "poller")))
	}

	return d, nil
}

// bootstrapCredentials seeds configured tokens into an empty state.
func bootstrapCredentials(st *state.State, provider *auth.Provider, cfg *config.Config, logger *slog.Logger) error {
	if cfg.AccessToken == "" && cfg.RefreshToken == "" {
		return nil
	}

	existing, err := st.Credentials()
	if err != nil {
		return fmt.Errorf("reading credentials: %w", err)
	}

	if existing != nil {
		return nil
	}

	logger.Info("storing configured credentials")

	if err := provider.Login(cfg.AccessToken, cfg.RefreshToken); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	return nil
}

// Close releases the state database.
func (d *Daemon) Close() error {
	return d.State.Close()
}

// SyncOnce runs a single push and pull cycle.
func (d *Daemon) SyncOnce(ctx context.Context) (bool, error) {
	return d.Scheduler.SyncNow(ctx, "once")
}

// Run starts every enabled component and blocks until ctx is cancelled
// or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("ledger-sync starting",
		slog.String("version", d.version),
		slog.String("api", d.Client.BaseURL()),
		slog.Bool("realtime", d.Notifier != nil),
		slog.Bool("poller", d.Poller != nil),
		slog.Bool("admin", d.cfg.AdminListenAddr != ""),
		slog.Int("pending", d.Queue.Count()),
	)

	g, gctx := errgroup.WithContext(ctx)

	var signals <-chan struct{}

	if d.Notifier != nil {
		signals = d.Notifier.Signals()

		g.Go(func() error {
			return d.Notifier.Run(gctx, d.Provider.GetValidCredential)
		})
	}

	g.Go(func() error {
		return d.Scheduler.Run(gctx, signals)
	})

	g.Go(func() error {
		d.logStatus(gctx)
		return nil
	})

	if d.Poller != nil {
		g.Go(func() error {
			return d.Poller.Run(gctx)
		})
	}

	watcher := trigger.New(d.State.Dir(), d.Scheduler.Request, d.logger.With(slog.String("component", "trigger")))

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	if d.cfg.AdminListenAddr != "" {
		g.Go(func() error {
			return d.serveAdmin(gctx)
		})
	}

	return g.Wait()
}

// logStatus logs sync status transitions until ctx is done.
func (d *Daemon) logStatus(ctx context.Context) {
	updates, unsubscribe := d.Tracker.Subscribe(statusBuffer)
	defer unsubscribe()

	last := d.Tracker.Snapshot().Status
	logger := d.logger.With(slog.String("component", "status"))

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-updates:
			if s.Status == last {
				continue
			}

			last = s.Status

			attrs := []any{slog.String("status", string(s.Status)), slog.Int("pending", s.PendingCount)}
			if s.ErrorMessage != "" {
				attrs = append(attrs, slog.String("error", s.ErrorMessage))
			}

			logger.Debug("sync status changed", attrs...)
		}
	}
}

// AdminHandler returns the admin HTTP handler: /healthz and the MCP
// endpoint behind the API key.
func (d *Daemon) AdminHandler() http.Handler {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "ledger-sync", Version: d.version},
		nil,
	)

	deps := mcpserver.Deps{
		Tracker:    d.Tracker,
		Sync:       d.Scheduler,
		Queue:      d.Queue,
		Store:      d.Store,
		MaxRetries: d.cfg.MaxRetries,
	}

	if d.Notifier != nil {
		deps.Connection = d.Notifier.State
	}

	mcpserver.RegisterTools(mcpServer, deps)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	return server.NewMux(server.MuxConfig{
		APIKey:     d.cfg.AdminAPIKey,
		MCPHandler: mcpHandler,
		Logger:     d.logger,
		Status:     d.Tracker.Snapshot,
	})
}

func (d *Daemon) serveAdmin(ctx context.Context) error {
	logger := d.logger.With(slog.String("service", "admin"))

	srv := &http.Server{
		Addr:         d.cfg.AdminListenAddr,
		Handler:      d.AdminHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting admin server", slog.String("listen", d.cfg.AdminListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down admin server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server error: %w", err)
	}

	return nil
}
