package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostAllowlist(t *testing.T) {
	a, err := NewHostAllowlist([]string{"License.Example.com", "*.keys.example.net"})
	require.NoError(t, err)

	tests := []struct {
		host string
		want bool
	}{
		{"license.example.com", true},
		{"LICENSE.example.com.", true},
		{"other.example.com", false},
		{"a.keys.example.net", true},
		{"deep.a.keys.example.net", true},
		{"keys.example.net", false},
		{"evilkeys.example.net", false},
		{"127.0.0.1", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Allows(tt.host))
		})
	}

	assert.Equal(t, []string{"*.keys.example.net", "license.example.com"}, a.Patterns())
}

func TestNilHostAllowlistAllowsAll(t *testing.T) {
	var a *HostAllowlist
	assert.True(t, a.Allows("anything.example"))
	assert.Nil(t, a.Patterns())
}

func TestNewHostAllowlistRejectsBadPatterns(t *testing.T) {
	for _, patterns := range [][]string{nil, {""}, {"*"}, {"*."}, {"https://license.example.com"}, {"user@host"}} {
		_, err := NewHostAllowlist(patterns)
		assert.Error(t, err, "%q", patterns)
	}
}

func TestDefaultAllowedHosts(t *testing.T) {
	assert.Equal(t, []string{"fp.keys.example.com", "*.keys.example.com"},
		DefaultAllowedHosts("https://fp.keys.example.com/cert.der?tenant=x"))
	assert.Equal(t, []string{"example.com"}, DefaultAllowedHosts("https://example.com/cert"))
	assert.Equal(t, []string{"127.0.0.1"}, DefaultAllowedHosts("http://127.0.0.1:8443/cert"))
	assert.Nil(t, DefaultAllowedHosts("not a url"))
}
