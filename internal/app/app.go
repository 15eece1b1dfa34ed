package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keybroker/internal/config"
	apierrors "keybroker/internal/errors"
	"keybroker/internal/infrastructure"
	"keybroker/internal/license"
	customMiddleware "keybroker/internal/middleware"
	"keybroker/internal/security"
	"keybroker/internal/services"
	handlers "keybroker/internal/transport/http"
	ws "keybroker/internal/websocket"
)

// BuildTime is set at link time with -ldflags "-X keybroker/internal/app.BuildTime=...".
var BuildTime = "unknown"

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Client        *license.Client
	WebSocketHub  *ws.Hub
	HealthService *services.HealthService
	KeyService    *services.KeyService
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	errorHandler *apierrors.ErrorHandler
	serveErr     chan error
}

// NewApplication loads the configuration and builds the application.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewWithConfig(cfg, logger)
}

// NewWithConfig builds the application from an already validated config.
// clientOpts are applied to the license client after the configured ones.
func NewWithConfig(cfg *config.Config, logger *slog.Logger, clientOpts ...license.Option) (*Application, error) {
	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.Any("license", cfg.License))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		errorHandler:  apierrors.NewErrorHandler(logger, cfg.Logging.Level == "debug"),
		serveErr:      make(chan error, 1),
	}

	if err := app.initializeServices(clientOpts); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// NewLicenseClient builds a license client, with its certificate store, from
// cfg. Callers may append options such as a payload generator.
func NewLicenseClient(cfg config.LicenseConfig, providers *infrastructure.OTelProviders, logger *slog.Logger, opts ...license.Option) (*license.Client, error) {
	metrics, err := license.NewKeyMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create key metrics: %w", err)
	}

	httpClient := license.NewHTTPClient()
	if len(cfg.PinnedKeys) > 0 {
		pinner, err := security.ParsePins(cfg.PinnedKeys)
		if err != nil {
			return nil, fmt.Errorf("invalid pinned keys: %w", err)
		}
		httpClient = license.NewHTTPClientWithTransport(pinner.Transport(nil))
		logger.Info("TLS key pinning enabled", slog.Any("hosts", pinner.Hosts()))
	}

	hosts := cfg.AllowedHosts
	if len(hosts) == 0 {
		hosts = license.DefaultAllowedHosts(cfg.CertificateURL)
	}
	allowed, err := license.NewHostAllowlist(hosts)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed hosts: %w", err)
	}
	logger.Info("License hosts restricted", slog.Any("allowed_hosts", allowed.Patterns()))

	store := license.NewCertificateStore(
		&license.HTTPCertificateSource{
			URL:       cfg.CertificateURL,
			Client:    httpClient,
			UserAgent: cfg.UserAgent,
			MaxSize:   cfg.MaxResponseSize,
		},
		license.WithCertificateTimeout(cfg.CertificateTimeout),
		license.WithStoreLogger(logger),
		license.WithStoreMetrics(metrics),
	)

	base := []license.Option{
		license.WithHTTPClient(httpClient),
		license.WithKeyScheme(cfg.KeyScheme),
		license.WithProtocolVersion(cfg.ProtocolVersion),
		license.WithLicenseTimeout(cfg.LicenseTimeout),
		license.WithMaxResponseSize(cfg.MaxResponseSize),
		license.WithUserAgent(cfg.UserAgent),
		license.WithLogger(logger),
		license.WithMetrics(metrics),
		license.WithTracer(providers.Tracer),
		license.WithAllowedHosts(allowed),
	}

	return license.NewClient(store,
		license.StaticCredentials(cfg.TenantID, cfg.UserToken),
		append(base, opts...)...)
}

// initializeServices initializes all application services
func (a *Application) initializeServices(clientOpts []license.Option) error {
	client, err := NewLicenseClient(a.Config.License, a.OTelProviders, a.Logger, clientOpts...)
	if err != nil {
		return err
	}
	a.Client = client

	hubMetrics, err := ws.NewOTelMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.WebSocketHub = ws.NewHub(client, a.Config.WebSocket,
		ws.WithHubLogger(a.Logger),
		ws.WithHubMetrics(hubMetrics),
		ws.WithAllowedOrigins(a.Config.Security.AllowedOrigins),
	)

	var healthOpts []services.HealthOption
	healthOpts = append(healthOpts, services.WithBuildTime(BuildTime))
	if expiry, ok := license.TokenExpiry(a.Config.License.UserToken); ok {
		healthOpts = append(healthOpts, services.WithTokenExpiry(expiry))
	}
	a.HealthService = services.NewHealthService(config.AppVersion, client.Certificates(), a.WebSocketHub, a.Logger, healthOpts...)
	a.KeyService = services.NewKeyService(client, a.Logger)

	return nil
}

// setupRouter configures the HTTP router
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Only middleware that leaves the ResponseWriter alone runs before /ws.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	r.With(apierrors.RecoveryMiddleware(a.errorHandler)).Handle("/ws", a.WebSocketHub)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(apierrors.RecoveryMiddleware(a.errorHandler))
		r.Use(customMiddleware.DefaultSecureHeaders().Handler)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(a.getCORSConfig()))
		}

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		r.Use(customMiddleware.BodyLimit(a.Config.Security.MaxBodySize))

		a.setupAPIRoutes(r)
	})

	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))

	r.NotFound(a.errorHandler.NotFound)
	r.MethodNotAllowed(a.errorHandler.MethodNotAllowed)

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
	keyHandler := handlers.NewKeyHandler(a.KeyService, a.errorHandler, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)
		r.Mount("/certificate", keyHandler.CertificateRoutes(
			customMiddleware.RequireAdminToken(a.Config.Security.AdminToken, a.Logger)))
		r.With(customMiddleware.ContentTypeValidator("application/json")).
			Post("/keys", keyHandler.ExchangeKey)
	})
}

func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		Logger:         a.Logger,
	}
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start starts the hub and the HTTP server. A listener failure cancels ctx
// through cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level))

	a.WebSocketHub.Start()

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			a.serveErr <- err
			cancel()
		}
	}()

	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings", slog.String("warnings", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", a.Server.Addr))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	// Sessions close first so hijacked connections do not hold Shutdown open.
	a.WebSocketHub.Stop()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx, stop); err != nil {
		return err
	}

	<-ctx.Done()

	var serveErr error
	select {
	case serveErr = <-a.serveErr:
	default:
		a.Logger.Info("Received interrupt signal")
	}

	if err := a.Stop(context.Background()); err != nil {
		return err
	}
	return serveErr
}

// performStartupHealthCheck warms the certificate cache and warns about
// credentials that are about to expire. Failures are not fatal.
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	var warnings []string

	if _, err := a.Client.Certificates().Get(ctx); err != nil {
		warnings = append(warnings, fmt.Sprintf("application certificate unavailable: %v", err))
	}

	if expiry, ok := license.TokenExpiry(a.Config.License.UserToken); ok {
		remaining := time.Until(expiry)
		switch {
		case remaining <= 0:
			warnings = append(warnings, "user token has expired")
		case remaining < 24*time.Hour:
			a.Logger.WarnContext(ctx, "User token expires soon",
				slog.Time("expires_at", expiry),
				slog.Duration("remaining", remaining.Round(time.Minute)))
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("startup health check warnings: %s", strings.Join(warnings, "; "))
	}

	a.Logger.InfoContext(ctx, "Startup health check passed")
	return nil
}
