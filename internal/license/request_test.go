package license

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestURI(t *testing.T) {
	tests := []struct {
		name         string
		uri          string
		wantContent  string
		wantEndpoint string
	}{
		{
			name:         "bare identifier",
			uri:          "skd://abc123",
			wantContent:  "abc123",
			wantEndpoint: "https://abc123",
		},
		{
			name:         "host and path",
			uri:          "skd://license.example.com/v1/keys/asset-7",
			wantContent:  "license.example.com/v1/keys/asset-7",
			wantEndpoint: "https://license.example.com/v1/keys/asset-7",
		},
		{
			name:         "query is preserved",
			uri:          "skd://license.example.com/acquire?kid=42&tenant=a",
			wantContent:  "license.example.com/acquire?kid=42&tenant=a",
			wantEndpoint: "https://license.example.com/acquire?kid=42&tenant=a",
		},
		{
			name:         "only the scheme is substituted",
			uri:          "skd://license.example.com/next?u=skd://other",
			wantContent:  "license.example.com/next?u=skd://other",
			wantEndpoint: "https://license.example.com/next?u=skd://other",
		},
		{
			name:         "scheme is case insensitive",
			uri:          "SKD://abc123",
			wantContent:  "abc123",
			wantEndpoint: "https://abc123",
		},
		{
			name:         "host with port",
			uri:          "skd://127.0.0.1:8443/key",
			wantContent:  "127.0.0.1:8443/key",
			wantEndpoint: "https://127.0.0.1:8443/key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequestURI(tt.uri)
			require.NoError(t, err)

			assert.Equal(t, tt.uri, req.URI)
			assert.Equal(t, tt.wantContent, req.ContentID.String())
			assert.Equal(t, "https", req.Endpoint.Scheme)
			assert.Equal(t, tt.wantEndpoint, req.Endpoint.String())
		})
	}
}

func TestParseRequestURIMalformed(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"empty", ""},
		{"scheme only", "skd://"},
		{"wrong scheme", "https://license.example.com/key"},
		{"missing separator", "skd:abc123"},
		{"too short", "sk"},
		{"no host", "skd:///path/only"},
		{"invalid host", "skd://bad host/key"},
		{"invalid escape", "skd://example.com/%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequestURI(tt.uri)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRequest))
			assert.Equal(t, KindMalformedRequest, KindOf(err))
		})
	}
}

func TestParseRequestURIWithCustomScheme(t *testing.T) {
	req, err := ParseRequestURIWithScheme("fps://keys.example.com/a", "fps")
	require.NoError(t, err)
	assert.Equal(t, "https://keys.example.com/a", req.Endpoint.String())

	_, err = ParseRequestURIWithScheme("skd://keys.example.com/a", "fps")
	assert.ErrorIs(t, err, ErrMalformedRequest)
}

func TestContentIdentifierUTF8RoundTrip(t *testing.T) {
	for _, id := range []string{"abc123", "contenu-été", "键-コンテンツ", "emoji-🎬"} {
		req, err := ParseRequestURI("skd://" + id)
		require.NoError(t, err, id)

		assert.Equal(t, []byte(id), []byte(req.ContentID))
		assert.Equal(t, id, string(req.ContentID))
	}
}
