package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"keybroker/internal/license"
	ws "keybroker/internal/websocket"
)

// CertificateCache is the part of the certificate store health checks use.
type CertificateCache interface {
	Get(ctx context.Context) ([]byte, error)
	Stats() license.CertificateStats
}

// SessionHub reports WebSocket host sessions.
type SessionHub interface {
	Stats() ws.HubStats
}

// HealthService provides health check functionality
type HealthService struct {
	version      string
	buildTime    string
	certificates CertificateCache
	hub          SessionHub
	tokenExpiry  time.Time
	startTime    time.Time
	now          func() time.Time
	logger       *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Ready reports whether every dependency is ready.
func (s HealthStatus) Ready() bool {
	return s.Status == "ready"
}

// HealthOption configures a HealthService.
type HealthOption func(*HealthService)

// WithBuildTime records the build timestamp reported by Version.
func WithBuildTime(buildTime string) HealthOption {
	return func(hs *HealthService) { hs.buildTime = buildTime }
}

// WithTokenExpiry makes readiness fail once the user token has expired.
func WithTokenExpiry(expiry time.Time) HealthOption {
	return func(hs *HealthService) { hs.tokenExpiry = expiry }
}

// NewHealthService creates a new health service. hub may be nil when the
// WebSocket surface is disabled.
func NewHealthService(version string, certificates CertificateCache, hub SessionHub, logger *slog.Logger, opts ...HealthOption) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}

	hs := &HealthService{
		version:      version,
		certificates: certificates,
		hub:          hub,
		startTime:    time.Now(),
		now:          time.Now,
		logger:       logger.With(slog.String("service", "health")),
	}
	for _, opt := range opts {
		opt(hs)
	}
	return hs
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: hs.now(),
		Version:   hs.version,
	}
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: hs.now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck reports ready once the application certificate can be
// served and the user token has not expired. A cold cache is warmed here
// so the first key request does not pay for the fetch.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: hs.now(),
		Version:   hs.version,
		Services: map[string]interface{}{
			"certificate": hs.checkCertificate(ctx),
			"credentials": hs.checkCredentials(),
			"websocket":   hs.checkWebSocket(),
		},
	}

	for name, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status != "ready" {
			status.Status = "not_ready"
			hs.logger.WarnContext(ctx, "dependency not ready",
				slog.String("dependency", name),
				slog.String("reason", sh.Message))
		}
	}

	return status
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

func (hs *HealthService) checkCertificate(ctx context.Context) ServiceHealth {
	if hs.certificates == nil {
		return ServiceHealth{Status: "not_ready", Message: "certificate store not configured"}
	}

	if !hs.certificates.Stats().Cached {
		if _, err := hs.certificates.Get(ctx); err != nil {
			return ServiceHealth{
				Status:  "not_ready",
				Message: fmt.Sprintf("certificate unavailable: %v", err),
				Details: hs.certificates.Stats(),
			}
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: "certificate cached",
		Details: hs.certificates.Stats(),
	}
}

func (hs *HealthService) checkCredentials() ServiceHealth {
	if hs.tokenExpiry.IsZero() {
		return ServiceHealth{Status: "ready", Message: "token expiry unknown"}
	}

	remaining := hs.tokenExpiry.Sub(hs.now())
	if remaining <= 0 {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("user token expired at %s", hs.tokenExpiry.UTC().Format(time.RFC3339)),
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("user token valid for %s", remaining.Truncate(time.Second)),
	}
}

func (hs *HealthService) checkWebSocket() ServiceHealth {
	if hs.hub == nil {
		return ServiceHealth{Status: "ready", Message: "websocket disabled"}
	}
	return ServiceHealth{
		Status:  "ready",
		Details: hs.hub.Stats(),
	}
}
