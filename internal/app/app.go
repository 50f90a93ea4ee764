package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sspdesk/internal/config"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/license"
	"sspdesk/internal/middleware"
	"sspdesk/internal/packaged"
	"sspdesk/internal/projects"
	"sspdesk/internal/remote"
	"sspdesk/internal/security"
	"sspdesk/internal/storage"
	handlers "sspdesk/internal/transport/http"
	ws "sspdesk/internal/websocket"
)

// AppName is shown in startup logs
const AppName = "SSP Desktop License Engine"

// requestSlack is added to the remote timeout for /api requests
const requestSlack = 5 * time.Second

// Application represents the main application container
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Router  chi.Router
	Server  *http.Server
	Manager *license.Manager
	Hub     *ws.Hub
	OTel    *infrastructure.OTelProviders

	fs       afero.Fs
	blob     *packaged.Blob
	listener net.Listener
}

type options struct {
	fs       afero.Fs
	clock    quartz.Clock
	verifier remote.Verifier
	override bool
}

// Option customises New
type Option func(*options)

// WithFs replaces the OS filesystem, for tests
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithClock replaces the real clock
func WithClock(c quartz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithVerifier replaces the verifier selected by remote.mode. A nil
// verifier accepts keys offline.
func WithVerifier(v remote.Verifier) Option {
	return func(o *options) {
		o.verifier = v
		o.override = true
	}
}

// New wires the license engine and the local API from cfg
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	o := options{fs: afero.NewOsFs(), clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(&o)
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.String("build_tier", cfg.License.BuildTier),
		slog.String("remote_mode", cfg.Remote.Mode))

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{Config: cfg, Logger: logger, OTel: providers, fs: o.fs}
	if err := a.initializeLicense(ctx, o); err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	if err := a.setupRouter(); err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	a.createServer()
	return a, nil
}

// initializeLicense builds storage, the verifiers and the manager
func (a *Application) initializeLicense(ctx context.Context, o options) error {
	cfg := a.Config

	kv, err := storage.NewFileStore(a.fs, cfg.Paths.DataDir, a.Logger)
	if err != nil {
		return err
	}

	metrics, err := license.InitializeLicenseMetrics(a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	guard, err := license.NewGuard(cfg.License.IntegritySecret, config.AppName)
	if err != nil {
		return fmt.Errorf("failed to initialize integrity guard: %w", err)
	}

	verifier := o.verifier
	if !o.override {
		if verifier, err = newVerifier(ctx, cfg, a.Logger); err != nil {
			return err
		}
	}

	fingerprint := security.NewFingerprintProvider(kv, a.Logger)
	store := license.NewStore(kv, guard, a.Logger, metrics)
	registry := projects.NewRegistry(kv, o.clock, a.Logger)
	build := license.BuildSettings{
		BuildTier:  cfg.License.BuildTier,
		ProductIDs: cfg.License.ProductIDs,
		Features:   license.Features{TrialProjectsLimit: cfg.License.TrialProjectsLimit},
	}

	activator := license.NewActivator(license.ActivatorOptions{
		Store:       store,
		Verifier:    verifier,
		Fingerprint: fingerprint,
		Clock:       o.clock,
		Build:       build,
		Rate:        rate.Limit(cfg.License.ActivationRate),
		Burst:       cfg.License.ActivationBurst,
		Logger:      a.Logger,
		Metrics:     metrics,
	})

	var opener license.PackagedOpener
	if cfg.Packaged.Enabled {
		v, blob, err := a.loadPackaged()
		if err != nil {
			return err
		}
		opener = v
		a.blob = blob
	}

	a.Manager = license.NewManager(license.ManagerOptions{
		KV:          kv,
		Store:       store,
		Ledger:      license.NewLedger(store, registry, a.Logger, metrics),
		Activator:   activator,
		Packaged:    opener,
		Fingerprint: fingerprint,
		Clock:       o.clock,
		Build:       build,
		TrialDays:   cfg.License.TrialDays,
		Logger:      a.Logger,
		Metrics:     metrics,
	})

	if cfg.License.DeveloperPasswordHash != "" {
		installed, err := a.Manager.InstallDeveloperCredential(ctx, cfg.License.DeveloperPasswordHash)
		if err != nil {
			return fmt.Errorf("failed to install developer credential: %w", err)
		}
		if installed {
			a.Logger.InfoContext(ctx, "Developer credential installed from configuration")
		}
	}
	return nil
}

// newVerifier selects the purchase verification backend
func newVerifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Verifier, error) {
	switch cfg.Remote.Mode {
	case "gumroad":
		return remote.NewGumroadVerifier(cfg.Remote.Endpoint, cfg.Remote.Timeout, logger), nil
	case "sheets":
		svc, err := security.NewSheetsService(ctx, cfg.ResolveDataPath(cfg.Remote.CredentialsFile))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sheets verifier: %w", err)
		}
		return remote.NewSheetsVerifier(svc, cfg.Remote.SheetID, cfg.Remote.SheetRange, logger), nil
	default:
		logger.Warn("Remote verification disabled, keys are accepted offline")
		return nil, nil
	}
}

// loadPackaged reads the public key and, when present, the packaged blob.
// A missing blob is not an error: the build simply has nothing to seed.
func (a *Application) loadPackaged() (*packaged.Verifier, *packaged.Blob, error) {
	cfg := a.Config
	pubPEM, err := afero.ReadFile(a.fs, cfg.ResolveDataPath(cfg.Packaged.PublicKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read packaged public key: %w", err)
	}
	v, err := packaged.NewVerifier(cfg.Packaged.AESKeyHex, pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize packaged verifier: %w", err)
	}

	blob, err := packaged.LoadBlob(a.fs, packaged.Files{
		Blob:      cfg.ResolveDataPath(cfg.Packaged.BlobFile),
		Checksum:  cfg.ResolveDataPath(cfg.Packaged.ChecksumFile),
		Signature: cfg.ResolveDataPath(cfg.Packaged.SignatureFile),
	})
	switch {
	case errors.Is(err, os.ErrNotExist):
		a.Logger.Info("No packaged metadata found", slog.String("path", cfg.Packaged.BlobFile))
		return v, nil, nil
	case err != nil:
		a.Logger.Warn("Packaged metadata unreadable, seeding disabled", slog.String("error", err.Error()))
		return v, nil, nil
	}
	return v, &blob, nil
}

// setupRouter builds the hub, middleware and the chi router
func (a *Application) setupRouter() error {
	cfg := a.Config

	hub, err := ws.NewHub(a.Logger, a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket hub: %w", err)
	}
	a.Hub = hub

	otelMW, err := middleware.NewOTelMiddleware(a.OTel)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}

	var limiter *middleware.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, a.Logger)
	}

	a.Router = handlers.NewRouter(handlers.RouterConfig{
		Service: a.Manager,
		WebSocket: ws.NewHandler(hub, ws.HandlerConfig{
			AllowedOrigins:  cfg.Security.AllowedOrigins,
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		}, a.Logger),
		Metrics:   a.OTel.PrometheusHTTP,
		OTel:      otelMW,
		RateLimit: limiter,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.Security.AllowedOrigins,
			MaxAge:         300,
			Logger:         a.Logger,
		},
		Timeout: cfg.Remote.Timeout + requestSlack,
		Version: infrastructure.ServiceVersion,
		Logger:  a.Logger,
	})
	return nil
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         net.JoinHostPort(a.Config.Server.Host, fmt.Sprint(a.Config.Server.Port)),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Listen binds the server address. Run calls it when it has not been
// called yet.
func (a *Application) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln
	return ln.Addr(), nil
}

// Run serves the local API, the websocket hub and the license watcher
// until ctx is done or one of them fails
func (a *Application) Run(ctx context.Context) error {
	if a.listener == nil {
		if _, err := a.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Hub.Run(gctx)
	})

	g.Go(func() error {
		if err := a.Manager.Watch(gctx, a.publishDecision(gctx)); err != nil {
			a.Logger.WarnContext(gctx, "License change notifications unavailable", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		a.bootstrap(gctx)
		return nil
	})

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "Application started",
			slog.String("address", "http://"+a.listener.Addr().String()))
		if err := a.Server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down application")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// bootstrap seeds packaged metadata, then makes sure a trial exists
func (a *Application) bootstrap(ctx context.Context) {
	if a.blob != nil {
		a.Manager.SeedPackaged(ctx, *a.blob)
	}
	rec, created, err := a.Manager.EnsureTrial(ctx)
	if err != nil {
		a.Logger.ErrorContext(ctx, "Failed to provision trial", slog.String("error", err.Error()))
		return
	}
	a.Logger.InfoContext(ctx, "License ready",
		slog.String("tier", rec.Tier.String()),
		slog.String("source", string(rec.Source)),
		slog.Bool("trial_created", created))
}

// publishDecision pushes every license change to connected windows
func (a *Application) publishDecision(ctx context.Context) func(license.Decision) {
	return func(d license.Decision) {
		a.Hub.Broadcast(ctx, ws.TypeLicenseChanged, d)
	}
}

// Close releases telemetry providers. Call it after Run returns.
func (a *Application) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.listener != nil {
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("listener close: %w", err))
		}
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
