package license

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testTenantID  = "7c1d5e9a-brand-guid-0042"
	testUserToken = "user-token-abcdefghijklmnop"
)

var testCertificate = []byte("-----application certificate-----")

// fixture runs a certificate endpoint and a TLS license endpoint.
type fixture struct {
	t *testing.T

	certServer    *httptest.Server
	licenseServer *httptest.Server

	certHits    atomic.Int32
	licenseHits atomic.Int32

	mu             sync.Mutex
	certHandler    http.HandlerFunc
	licenseHandler http.HandlerFunc

	logs *bytes.Buffer
	log  *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, logs: &bytes.Buffer{}}
	// one handler so concurrent writers share its lock
	f.log = slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f.certHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Write(testCertificate)
	}
	f.licenseHandler = echoLicense

	f.certServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.certHits.Add(1)
		f.mu.Lock()
		h := f.certHandler
		f.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(f.certServer.Close)

	f.licenseServer = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.licenseHits.Add(1)
		f.mu.Lock()
		h := f.licenseHandler
		f.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(f.licenseServer.Close)

	return f
}

// echoLicense answers with "ckc:" followed by the posted payload.
func echoLicense(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Write(append([]byte("ckc:"), body...))
}

func (f *fixture) setCertHandler(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certHandler = h
}

func (f *fixture) setLicenseHandler(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.licenseHandler = h
}

// keyURI builds a key request URI whose derived endpoint is the license
// server.
func (f *fixture) keyURI(path string) string {
	u, err := url.Parse(f.licenseServer.URL)
	require.NoError(f.t, err)
	return "skd://" + u.Host + "/" + path
}

func (f *fixture) logger() *slog.Logger {
	return f.log
}

func (f *fixture) store(opts ...StoreOption) *CertificateStore {
	source := &HTTPCertificateSource{URL: f.certServer.URL + "/fairplay.cer"}
	opts = append([]StoreOption{WithStoreLogger(f.logger())}, opts...)
	return NewCertificateStore(source, opts...)
}

func (f *fixture) client(store *CertificateStore, opts ...Option) *Client {
	f.t.Helper()
	base := []Option{
		WithHTTPClient(f.licenseServer.Client()),
		WithPayloadGenerator(echoGenerator),
		WithLogger(f.logger()),
		WithLicenseTimeout(5 * time.Second),
	}
	c, err := NewClient(store, StaticCredentials(testTenantID, testUserToken), append(base, opts...)...)
	require.NoError(f.t, err)
	return c
}

// echoGenerator produces "spc:<content id>".
var echoGenerator = PayloadGeneratorFunc(func(_ context.Context, cert []byte, contentID ContentIdentifier, version int) ([]byte, error) {
	if !bytes.Equal(cert, testCertificate) {
		return nil, io.ErrUnexpectedEOF
	}
	return append([]byte("spc:"), contentID...), nil
})

// countingSource is an in-memory CertificateSource.
type countingSource struct {
	calls atomic.Int32
	fetch func(ctx context.Context) ([]byte, error)
}

func (s *countingSource) FetchCertificate(ctx context.Context) ([]byte, error) {
	s.calls.Add(1)
	return s.fetch(ctx)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
