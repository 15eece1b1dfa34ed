package errors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/license"
)

func newTestHandler(t *testing.T, includeStack bool) (*ErrorHandler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewErrorHandler(logger, includeStack), &buf
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func requestWithID(method, target, reqID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), middleware.RequestIDKey, reqID)
	return req.WithContext(ctx)
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantKind   string
	}{
		{
			name:       "malformed key request",
			err:        &license.Error{Kind: license.KindMalformedRequest, Err: fmt.Errorf("missing host")},
			wantStatus: http.StatusBadRequest,
			wantType:   TypeMalformedRequest,
			wantKind:   "malformed_request",
		},
		{
			name:       "license denied",
			err:        &license.Error{Kind: license.KindLicenseDenied, StatusCode: http.StatusForbidden},
			wantStatus: http.StatusForbidden,
			wantType:   TypeLicenseDenied,
			wantKind:   "license_denied",
		},
		{
			name:       "wrapped certificate failure",
			err:        fmt.Errorf("handling key: %w", &license.Error{Kind: license.KindCertificateFetchFailed}),
			wantStatus: http.StatusBadGateway,
			wantType:   TypeCertificateFetchFailed,
			wantKind:   "certificate_fetch_failed",
		},
		{
			name:       "api error",
			err:        ErrRateLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
			wantType:   TypeRateLimit,
		},
		{
			name:       "context deadline",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
		},
		{
			name:       "unknown error",
			err:        fmt.Errorf("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestHandler(t, false)
			rec := httptest.NewRecorder()

			handler.HandleError(rec, requestWithID(http.MethodPost, "/api/keys", "req-1"), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

			body := decodeProblem(t, rec)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, float64(tt.wantStatus), body["status"])
			assert.Equal(t, "/api/keys", body["instance"])
			assert.Equal(t, "req-1", body["trace_id"])
			assert.NotContains(t, body, "stack")
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, body["error_kind"])
			} else {
				assert.NotContains(t, body, "error_kind")
			}
		})
	}
}

func TestErrorHandler_HandleErrorNil(t *testing.T) {
	handler, buf := newTestHandler(t, false)
	rec := httptest.NewRecorder()

	handler.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	assert.Equal(t, 0, rec.Body.Len())
	assert.Equal(t, 0, buf.Len())
}

func TestErrorHandler_LogsKindAndLevel(t *testing.T) {
	handler, buf := newTestHandler(t, false)

	handler.HandleError(httptest.NewRecorder(), requestWithID(http.MethodPost, "/api/keys", "req-2"),
		&license.Error{Kind: license.KindNetworkError, Err: license.ErrTimeout})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "network_error", entry["error_kind"])
	assert.Equal(t, "req-2", entry["request_id"])
	assert.Equal(t, "error_handler", entry["component"])
}

func TestErrorHandler_IncludeStack(t *testing.T) {
	handler, _ := newTestHandler(t, true)
	rec := httptest.NewRecorder()

	handler.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), fmt.Errorf("boom"))

	body := decodeProblem(t, rec)
	assert.NotEmpty(t, body["stack"])
}

func TestErrorHandler_APIErrorDetails(t *testing.T) {
	handler, _ := newTestHandler(t, false)
	rec := httptest.NewRecorder()

	err := NewValidationErrors([]ValidationError{{Field: "uri", Message: "required"}})
	handler.HandleError(rec, httptest.NewRequest(http.MethodPost, "/api/keys", nil), err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeValidation, body["type"])
	assert.Equal(t, "VALIDATION_FAILED", body["error_code"])

	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	errs, ok := details["errors"].([]interface{})
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "uri", errs[0].(map[string]interface{})["field"])
}

func TestErrorHandler_NotFoundAndMethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t, false)

	rec := httptest.NewRecorder()
	handler.NotFound(rec, requestWithID(http.MethodGet, "/missing", "req-3"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeNotFound, body["type"])
	assert.Equal(t, "req-3", body["trace_id"])

	rec = httptest.NewRecorder()
	handler.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/api/keys", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	body = decodeProblem(t, rec)
	assert.Equal(t, TypeMethodNotAllow, body["type"])
	assert.Contains(t, body["detail"], "DELETE")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler, buf := newTestHandler(t, false)

	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("generator exploded")
	})

	rec := httptest.NewRecorder()
	RecoveryMiddleware(handler)(panicky).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeInternal, body["type"])
	assert.NotContains(t, body, "panic")
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestRecoveryMiddlewareRepanicsOnAbort(t *testing.T) {
	handler, _ := newTestHandler(t, false)

	aborting := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		RecoveryMiddleware(handler)(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
