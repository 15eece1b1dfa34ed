package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "keybroker/internal/errors"
)

func TestRequireAdminToken(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		auth       string
		wantStatus int
		wantType   string
	}{
		{name: "valid token", token: "s3cret", auth: "Bearer s3cret", wantStatus: http.StatusOK},
		{name: "missing header", token: "s3cret", wantStatus: http.StatusUnauthorized, wantType: apierrors.TypeUnauthorized},
		{name: "wrong token", token: "s3cret", auth: "Bearer nope", wantStatus: http.StatusUnauthorized, wantType: apierrors.TypeUnauthorized},
		{name: "wrong scheme", token: "s3cret", auth: "Basic s3cret", wantStatus: http.StatusUnauthorized, wantType: apierrors.TypeUnauthorized},
		{name: "disabled", token: "", auth: "Bearer ", wantStatus: http.StatusForbidden, wantType: apierrors.TypeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testLogger()
			h := RequireAdminToken(tt.token, logger)(okHandler)

			req := httptest.NewRequest(http.MethodPost, "/api/certificate/reset", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantType == "" {
				assert.Equal(t, "ok", rec.Body.String())
				return
			}

			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			var problem map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			assert.Equal(t, tt.wantType, problem["type"])
			if tt.token != "" {
				assert.NotContains(t, logs.String(), tt.token)
			}
		})
	}
}

func TestRequireAdminTokenChallenge(t *testing.T) {
	logger, _ := testLogger()
	rec := httptest.NewRecorder()
	RequireAdminToken("s3cret", logger)(okHandler).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/certificate/reset", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}
