package license

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// CertificateSource retrieves the application certificate.
type CertificateSource interface {
	FetchCertificate(ctx context.Context) ([]byte, error)
}

// HTTPCertificateSource fetches the certificate with a GET request.
type HTTPCertificateSource struct {
	URL       string
	Client    *http.Client
	UserAgent string
	MaxSize   int64
}

// FetchCertificate performs the GET. Any status other than 200 is an error.
func (s *HTTPCertificateSource) FetchCertificate(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build certificate request: %w", err)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		// The query string may carry the tenant.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("certificate endpoint returned status %d", resp.StatusCode)
	}

	return readLimited(resp.Body, s.MaxSize)
}

// readLimited reads body, failing if it exceeds max bytes. max <= 0 means
// DefaultMaxResponseSize.
func readLimited(body io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("response exceeds %d bytes", max)
	}
	return data, nil
}

// CertificateStats describes the cache for status and health reporting.
type CertificateStats struct {
	Cached      bool      `json:"cached"`
	SizeBytes   int       `json:"size_bytes"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	FetchedAt   time.Time `json:"fetched_at,omitempty"`
	Fetches     int64     `json:"fetches"`
	Failures    int64     `json:"failures"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Resets      int64     `json:"resets"`
	LastError   string    `json:"last_error,omitempty"`
}

const (
	// DefaultCertificateTimeout bounds a single certificate fetch.
	DefaultCertificateTimeout = 10 * time.Second

	certificateKey = "certificate"
)

// CertificateStore caches the application certificate for its lifetime.
// Concurrent misses share one fetch. The fetch runs detached from the
// callers' contexts, so a caller giving up never aborts it for the others.
// Failures are not cached; the next miss fetches again.
type CertificateStore struct {
	source  CertificateSource
	timeout time.Duration
	logger  *slog.Logger
	metrics *KeyMetrics

	group singleflight.Group

	mu         sync.RWMutex
	cert       []byte
	fetchedAt  time.Time
	generation uint64
	lastErr    error

	fetches  atomic.Int64
	failures atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	resets   atomic.Int64
}

// StoreOption configures a CertificateStore.
type StoreOption func(*CertificateStore)

// WithCertificateTimeout bounds each fetch.
func WithCertificateTimeout(d time.Duration) StoreOption {
	return func(s *CertificateStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *CertificateStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreMetrics records cache and fetch metrics.
func WithStoreMetrics(m *KeyMetrics) StoreOption {
	return func(s *CertificateStore) { s.metrics = m }
}

// NewCertificateStore creates an empty store backed by source.
func NewCertificateStore(source CertificateSource, opts ...StoreOption) *CertificateStore {
	s := &CertificateStore{
		source:  source,
		timeout: DefaultCertificateTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "certificate_store"))
	return s
}

// Get returns the certificate, fetching it on the first call or after a
// Reset. The returned slice is a copy.
func (s *CertificateStore) Get(ctx context.Context) ([]byte, error) {
	if cert := s.cached(); cert != nil {
		s.hits.Add(1)
		s.metrics.recordCacheLookup(ctx, true)
		return bytes.Clone(cert), nil
	}

	s.misses.Add(1)
	s.metrics.recordCacheLookup(ctx, false)

	ch := s.group.DoChan(certificateKey, func() (interface{}, error) {
		if cert := s.cached(); cert != nil {
			return cert, nil
		}
		return s.fetch(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		// The caller gave up; the shared fetch itself has not failed.
		return nil, networkError(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return bytes.Clone(res.Val.([]byte)), nil
	}
}

func (s *CertificateStore) cached() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

// fetch runs inside the singleflight group. ctx carries values only.
func (s *CertificateStore) fetch(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	generation := s.generation
	s.mu.RUnlock()

	fetchCtx, cancel := context.WithTimeoutCause(ctx, s.timeout, ErrTimeout)
	defer cancel()

	start := time.Now()
	s.fetches.Add(1)

	cert, err := s.source.FetchCertificate(fetchCtx)
	if err == nil && len(cert) == 0 {
		err = errors.New("certificate is empty")
	}
	if err != nil {
		err = certificateFetchFailed(classifyTransportError(fetchCtx, err))
		s.failures.Add(1)
		s.metrics.recordCertificateFetch(ctx, err)

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		logAction(ctx, s.logger, slog.LevelError, "certificate_fetch", "Certificate fetch failed",
			append(errorAttrs(err), slog.Duration("duration", time.Since(start)))...)
		return nil, err
	}

	s.metrics.recordCertificateFetch(ctx, nil)

	s.mu.Lock()
	// A Reset during the fetch invalidates this result for the cache; the
	// callers that were waiting still receive it.
	if s.generation == generation {
		s.cert = cert
		s.fetchedAt = time.Now()
		s.lastErr = nil
	}
	s.mu.Unlock()

	logAction(ctx, s.logger, slog.LevelInfo, "certificate_fetch", "Certificate fetched",
		slog.Int("size_bytes", len(cert)),
		slog.String("fingerprint", fingerprint(cert)),
		slog.Duration("duration", time.Since(start)),
	)
	return cert, nil
}

// Reset drops the cached certificate. The next Get fetches again.
func (s *CertificateStore) Reset(ctx context.Context) {
	s.mu.Lock()
	s.cert = nil
	s.fetchedAt = time.Time{}
	s.generation++
	s.mu.Unlock()

	s.group.Forget(certificateKey)
	s.resets.Add(1)
	s.metrics.recordReset(ctx)

	logAction(ctx, s.logger, slog.LevelInfo, "certificate_reset", "Certificate cache reset")
}

// Stats returns a snapshot of the cache state.
func (s *CertificateStore) Stats() CertificateStats {
	s.mu.RLock()
	stats := CertificateStats{
		Cached:    s.cert != nil,
		SizeBytes: len(s.cert),
		FetchedAt: s.fetchedAt,
	}
	if s.cert != nil {
		stats.Fingerprint = fingerprint(s.cert)
	}
	if s.lastErr != nil {
		stats.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	stats.Fetches = s.fetches.Load()
	stats.Failures = s.failures.Load()
	stats.Hits = s.hits.Load()
	stats.Misses = s.misses.Load()
	stats.Resets = s.resets.Load()
	return stats
}
