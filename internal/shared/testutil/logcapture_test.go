package testutil

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type secretValue string

func (s secretValue) LogValue() slog.Value {
	return slog.StringValue("****")
}

func TestBufferedHandlerCapturesRecords(t *testing.T) {
	logger, h := NewTestLogger(nil)

	logger.Info("key request completed", slog.String("request_id", "r1"))
	logger.Error("key request failed", slog.Int("status", 403))

	records := h.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].Attrs["request_id"])
	assert.Len(t, h.RecordsAt(slog.LevelError), 1)

	rec, ok := h.Find("failed")
	require.True(t, ok)
	assert.Equal(t, int64(403), rec.Attrs["status"])
}

func TestBufferedHandlerFlattensGroupsAndWithAttrs(t *testing.T) {
	logger, h := NewTestLogger(nil)

	logger.With(slog.String("component", "license")).
		WithGroup("license").
		Info("configured", slog.Group("endpoint", slog.String("host", "example.com")))

	rec, ok := h.Find("configured")
	require.True(t, ok)
	assert.Equal(t, "license", rec.Attrs["component"])
	assert.Equal(t, "example.com", rec.Attrs["license.endpoint.host"])
}

func TestBufferedHandlerResolvesLogValuers(t *testing.T) {
	logger, h := NewTestLogger(nil)

	logger.Info("credentials loaded", slog.Any("token", secretValue("super-secret-token")))

	AssertNoSecret(t, h, "super-secret-token")
	AssertLogged(t, h, slog.LevelInfo, "credentials loaded")
}

func TestRecordStringIncludesAttributes(t *testing.T) {
	logger, h := NewTestLogger(nil)
	logger.Info("oops", slog.String("token", "super-secret-token"))

	rec, ok := h.Find("oops")
	require.True(t, ok)
	assert.Contains(t, rec.String(), "token=super-secret-token")
}
