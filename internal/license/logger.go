package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"keybroker/internal/infrastructure"
)

const componentName = "license_client"

// logAction logs a client action with the standard attributes and mirrors
// it as a span event on the active span.
func logAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result string, attrs ...slog.Attr) {
	infrastructure.AddSpanEvent(ctx, "license."+action,
		attribute.String("action", action),
		attribute.String("result", result),
	)

	allAttrs := make([]slog.Attr, 0, len(attrs)+2)
	allAttrs = append(allAttrs,
		slog.String("action", action),
		slog.String("result", result),
	)
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// maskSecret shows only the first and last four characters.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// fingerprint returns a short, stable hash for correlating opaque blobs
// in logs without printing them.
func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

func errorAttrs(err error) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_kind", KindOf(err).String()),
	}
	if status := StatusCodeOf(err); status != 0 {
		attrs = append(attrs, slog.Int("status_code", status))
	}
	if IsTimeout(err) {
		attrs = append(attrs, slog.Bool("timeout", true))
	}
	return attrs
}
