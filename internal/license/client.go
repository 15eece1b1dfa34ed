package license

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keybroker/internal/infrastructure"
)

// KeyResponse is the license service's answer for one key request.
type KeyResponse struct {
	RequestID string
	ContentID ContentIdentifier
	Payload   []byte
}

// Client runs key requests through certificate resolution, payload
// generation and the license exchange. A Client is safe for concurrent
// use; every key request is independent of the others.
type Client struct {
	certificates    *CertificateStore
	generator       PayloadGenerator
	credentials     Credentials
	httpClient      *http.Client
	scheme          string
	protocolVersion int
	licenseTimeout  time.Duration
	maxResponseSize int64
	userAgent       string
	logger          *slog.Logger
	metrics         *KeyMetrics
	tracer          trace.Tracer
	allowedHosts    *HostAllowlist
}

// Option configures a Client.
type Option func(*Client)

// WithPayloadGenerator sets the default host engine.
func WithPayloadGenerator(g PayloadGenerator) Option {
	return func(c *Client) { c.generator = g }
}

// WithHTTPClient sets the client used for license requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithKeyScheme overrides the key request URI scheme.
func WithKeyScheme(scheme string) Option {
	return func(c *Client) {
		if scheme != "" {
			c.scheme = scheme
		}
	}
}

// WithProtocolVersion sets the version passed to payload generation.
func WithProtocolVersion(v int) Option {
	return func(c *Client) {
		if v > 0 {
			c.protocolVersion = v
		}
	}
}

// WithLicenseTimeout bounds each license POST.
func WithLicenseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.licenseTimeout = d
		}
	}
}

// WithMaxResponseSize caps the license response body.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseSize = n
		}
	}
}

// WithUserAgent sets the User-Agent of license requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *KeyMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithAllowedHosts restricts the license hosts a key request may name.
// Requests for other hosts fail as malformed before any network call.
func WithAllowedHosts(a *HostAllowlist) Option {
	return func(c *Client) { c.allowedHosts = a }
}

// NewClient creates a client that resolves certificates from store and
// authenticates license requests with creds.
func NewClient(store *CertificateStore, creds Credentials, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("license: certificate store is required")
	}

	c := &Client{
		certificates:    store,
		credentials:     creds,
		scheme:          DefaultKeyScheme,
		protocolVersion: DefaultProtocolVersion,
		licenseTimeout:  DefaultLicenseTimeout,
		maxResponseSize: DefaultMaxResponseSize,
		logger:          slog.Default(),
		tracer:          otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient()
	}
	c.logger = c.logger.With(slog.String("component", componentName))

	return c, nil
}

// NewHTTPClient returns an HTTP client whose transport propagates trace
// context. Deadlines come from request contexts, not the client.
func NewHTTPClient() *http.Client {
	return NewHTTPClientWithTransport(http.DefaultTransport)
}

// NewHTTPClientWithTransport is NewHTTPClient over base.
func NewHTTPClientWithTransport(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

// WithGenerator returns a client sharing c's certificate store and
// transport that asks g for payloads.
func (c *Client) WithGenerator(g PayloadGenerator) *Client {
	clone := *c
	clone.generator = g
	return &clone
}

// Certificates exposes the shared certificate store.
func (c *Client) Certificates() *CertificateStore {
	return c.certificates
}

// HandleKeyRequest runs one key request to completion and returns the key
// response or an *Error describing which stage failed.
func (c *Client) HandleKeyRequest(ctx context.Context, requestURI string) (*KeyResponse, error) {
	return c.handle(ctx, uuid.NewString(), requestURI, nil)
}

func (c *Client) handle(ctx context.Context, id, requestURI string, observe func(State)) (*KeyResponse, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := c.tracer.Start(ctx, "license.HandleKeyRequest",
		trace.WithAttributes(attribute.String("key_request.id", id)))
	defer span.End()

	c.metrics.addInFlight(ctx, 1)
	defer c.metrics.addInFlight(ctx, -1)

	sm := newStateMachine(func(from, to State) {
		c.metrics.recordTransition(ctx, from, to)
		logAction(ctx, c.logger, slog.LevelDebug, "state_transition", "Key request state changed",
			slog.String("request_id", id),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if observe != nil {
			observe(to)
		}
	})

	start := time.Now()
	resp, err := c.run(ctx, sm, id, requestURI)
	duration := time.Since(start)
	c.metrics.recordOutcome(ctx, err, duration)

	if err != nil {
		sm.fail()
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		logAction(ctx, c.logger, slog.LevelError, "key_request", "Key request failed",
			append(errorAttrs(err),
				slog.String("request_id", id),
				slog.Duration("duration", duration),
			)...)
		return nil, err
	}

	if err := sm.transition(StateFulfilled); err != nil {
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	logAction(ctx, c.logger, slog.LevelInfo, "key_request", "Key request fulfilled",
		slog.String("request_id", id),
		slog.String("content_id", fingerprint(resp.ContentID)),
		slog.Int("response_bytes", len(resp.Payload)),
		slog.Duration("duration", duration),
	)
	return resp, nil
}

func (c *Client) run(ctx context.Context, sm *stateMachine, id, requestURI string) (*KeyResponse, error) {
	req, err := ParseRequestURIWithScheme(requestURI, c.scheme)
	if err != nil {
		return nil, err
	}
	req.ID = id
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("license.host", req.Endpoint.Host))

	// Credentials only go to hosts the operator configured.
	if !c.allowedHosts.Allows(req.Endpoint.Hostname()) {
		return nil, malformed("license host %q is not allowed", req.Endpoint.Hostname())
	}

	if err := sm.transition(StateCertificateResolving); err != nil {
		return nil, err
	}
	certificate, err := c.certificates.Get(ctx)
	if err != nil {
		return nil, err
	}

	if err := sm.transition(StatePayloadGenerating); err != nil {
		return nil, err
	}
	if c.generator == nil {
		return nil, payloadGenerationFailed(errors.New("no payload generator configured"))
	}
	payload, err := c.generator.GeneratePayload(ctx, certificate, req.ContentID, c.protocolVersion)
	if err != nil {
		return nil, payloadGenerationFailed(err)
	}
	if len(payload) == 0 {
		return nil, payloadGenerationFailed(errors.New("generator returned an empty payload"))
	}
	c.metrics.recordPayload(ctx, len(payload))

	// A request cancelled while the host was generating never reaches the
	// license service.
	if err := ctx.Err(); err != nil {
		return nil, networkError(err)
	}

	if err := sm.transition(StateLicenseRequesting); err != nil {
		return nil, err
	}
	body, err := c.requestLicense(ctx, req, payload)
	if err != nil {
		return nil, err
	}

	return &KeyResponse{
		RequestID: id,
		ContentID: req.ContentID,
		Payload:   body,
	}, nil
}
