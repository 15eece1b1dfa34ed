package security

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHash = strings.Repeat("ab", 32)

func TestParsePins(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		wantErr string
		hosts   []string
	}{
		{
			name:    "single",
			entries: []string{"license.example.com=" + testHash},
			hosts:   []string{"license.example.com"},
		},
		{
			name:    "backup pins and wildcard",
			entries: []string{"License.Example.com=" + testHash, "license.example.com=" + strings.ToUpper(testHash), "*.example.net=" + testHash},
			hosts:   []string{"*.example.net", "license.example.com"},
		},
		{
			name:    "missing separator",
			entries: []string{"license.example.com"},
			wantErr: "expected host=sha256",
		},
		{
			name:    "short hash",
			entries: []string{"license.example.com=abcd"},
			wantErr: "64 hex characters",
		},
		{
			name:    "not hex",
			entries: []string{"license.example.com=" + strings.Repeat("zz", 32)},
			wantErr: "valid hex",
		},
		{
			name:    "empty host",
			entries: []string{"=" + testHash},
			wantErr: "hostname cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePins(tt.entries)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hosts, p.Hosts())
		})
	}
}

func TestFindMatchingPins(t *testing.T) {
	p, err := ParsePins([]string{"*.example.com=" + testHash, "exact.example.org=" + testHash})
	require.NoError(t, err)

	assert.NotEmpty(t, p.findMatchingPins("license.example.com"))
	assert.NotEmpty(t, p.findMatchingPins("EXACT.example.org"))
	assert.Empty(t, p.findMatchingPins("example.com"))
	assert.Empty(t, p.findMatchingPins("evilexample.com"))
	assert.Empty(t, p.findMatchingPins("other.example.org"))
}

func TestEmpty(t *testing.T) {
	var nilPinner *Pinner
	assert.True(t, nilPinner.Empty())

	p, err := ParsePins(nil)
	require.NoError(t, err)
	assert.True(t, p.Empty())
}

func pinnedClient(t *testing.T, srv *httptest.Server, entries ...string) *http.Client {
	t.Helper()
	p, err := ParsePins(entries)
	require.NoError(t, err)

	roots := srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	return &http.Client{Transport: p.Transport(&tls.Config{RootCAs: roots})}
}

func TestTransportPinnedHandshake(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	serverHash := SPKIHash(srv.Certificate())

	t.Run("matching pin", func(t *testing.T) {
		client := pinnedClient(t, srv, "127.0.0.1="+serverHash)
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("backup pin", func(t *testing.T) {
		client := pinnedClient(t, srv, "127.0.0.1="+testHash, "127.0.0.1="+serverHash)
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})

	t.Run("mismatch never sends the request", func(t *testing.T) {
		before := hits.Load()
		client := pinnedClient(t, srv, "127.0.0.1="+testHash)
		_, err := client.Get(srv.URL)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPinMismatch), "got %v", err)
		assert.Equal(t, before, hits.Load())
	})

	t.Run("unpinned host", func(t *testing.T) {
		client := pinnedClient(t, srv, "license.example.com="+testHash)
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})
}
