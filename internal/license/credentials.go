package license

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

// Header names the license service reads credentials from.
const (
	HeaderTenantID  = "x-drm-brandGuid"
	HeaderUserToken = "x-drm-usertoken"
)

// Credentials identify the tenant and the user on every license request.
// Tokens is consulted per request so a refreshing source can be used.
type Credentials struct {
	TenantID string
	Tokens   oauth2.TokenSource
}

// StaticCredentials wraps a fixed tenant identifier and user token.
func StaticCredentials(tenantID, userToken string) Credentials {
	return Credentials{
		TenantID: tenantID,
		Tokens:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: userToken}),
	}
}

var errNoCredentials = errors.New("credentials are not configured")

// apply sets the credential headers on req.
func (c Credentials) apply(req *http.Request) error {
	if c.TenantID == "" || c.Tokens == nil {
		return errNoCredentials
	}
	tok, err := c.Tokens.Token()
	if err != nil {
		return fmt.Errorf("user token unavailable: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("user token unavailable: %w", errNoCredentials)
	}
	// Set the map directly to keep the header names exactly as the
	// license service expects them.
	req.Header[HeaderTenantID] = []string{c.TenantID}
	req.Header[HeaderUserToken] = []string{tok.AccessToken}
	return nil
}

func (c Credentials) String() string {
	return "tenant=" + maskSecret(c.TenantID) + " token=****"
}

// LogValue keeps credentials masked in structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tenant_id", maskSecret(c.TenantID)),
		slog.Bool("token_configured", c.Tokens != nil),
	)
}

// TokenExpiry reports the expiry of a JWT user token. The signature is not
// verified; the license service does that. Opaque tokens report ok=false.
func TokenExpiry(token string) (expiry time.Time, ok bool) {
	parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return time.Time{}, false
	}
	exp := parsed.Expiration()
	if exp.IsZero() {
		return time.Time{}, false
	}
	return exp, true
}
