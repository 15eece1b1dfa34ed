package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/license"
)

type keyServiceHarness struct {
	service       *KeyService
	certHits      atomic.Int32
	licenseStatus atomic.Int32
	licenseURL    *url.URL
}

func newKeyServiceHarness(t *testing.T) *keyServiceHarness {
	t.Helper()
	h := &keyServiceHarness{}
	h.licenseStatus.Store(http.StatusOK)

	certServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.certHits.Add(1)
		_, _ = w.Write([]byte("app-cert"))
	}))
	t.Cleanup(certServer.Close)

	licenseServer := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := int(h.licenseStatus.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("ckc:"), body...))
	}))
	t.Cleanup(licenseServer.Close)

	var err error
	h.licenseURL, err = url.Parse(licenseServer.URL)
	require.NoError(t, err)

	store := license.NewCertificateStore(&license.HTTPCertificateSource{URL: certServer.URL},
		license.WithStoreLogger(quietLogger()))
	client, err := license.NewClient(store, license.StaticCredentials("tenant-guid", "user-token"),
		license.WithHTTPClient(licenseServer.Client()),
		license.WithLogger(quietLogger()),
		license.WithLicenseTimeout(5*time.Second),
	)
	require.NoError(t, err)

	h.service = NewKeyService(client, quietLogger())
	return h
}

func (h *keyServiceHarness) keyURI(path string) string {
	return "skd://" + h.licenseURL.Host + "/" + path
}

func TestKeyServiceExchange(t *testing.T) {
	h := newKeyServiceHarness(t)

	resp, err := h.service.Exchange(context.Background(), h.keyURI("asset-1"), []byte("host-spc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ckc:host-spc"), resp.Payload)
	assert.Equal(t, h.licenseURL.Host+"/asset-1", resp.ContentID.String())
	assert.NotEmpty(t, resp.RequestID)
}

func TestKeyServiceExchangeErrors(t *testing.T) {
	h := newKeyServiceHarness(t)

	_, err := h.service.Exchange(context.Background(), h.keyURI("a"), nil)
	assert.ErrorIs(t, err, license.ErrPayloadGenerationFailed)

	_, err = h.service.Exchange(context.Background(), "skd://", []byte("spc"))
	assert.ErrorIs(t, err, license.ErrMalformedRequest)

	h.licenseStatus.Store(http.StatusForbidden)
	_, err = h.service.Exchange(context.Background(), h.keyURI("a"), []byte("spc"))
	assert.ErrorIs(t, err, license.ErrLicenseDenied)
	assert.Equal(t, http.StatusForbidden, license.StatusCodeOf(err))
}

func TestKeyServiceCertificate(t *testing.T) {
	h := newKeyServiceHarness(t)

	cert, err := h.service.Certificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("app-cert"), cert)

	_, err = h.service.Certificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.certHits.Load())

	status := h.service.CertificateStatus()
	assert.True(t, status.Cached)
	assert.Equal(t, int64(1), status.Hits)

	status = h.service.ResetCertificate(context.Background())
	assert.False(t, status.Cached)
	assert.Equal(t, int64(1), status.Resets)

	_, err = h.service.Certificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.certHits.Load())
}
