package license

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultLicenseTimeout bounds a single license POST.
	DefaultLicenseTimeout = 15 * time.Second
	// DefaultMaxResponseSize caps certificate and license response bodies.
	DefaultMaxResponseSize = 1 << 20
)

// requestLicense posts the payload to the endpoint derived from req and
// returns the key response. It makes exactly one attempt.
func (c *Client) requestLicense(ctx context.Context, req KeyRequest, payload []byte) ([]byte, error) {
	postCtx, cancel := context.WithTimeoutCause(ctx, c.licenseTimeout, ErrTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(postCtx, http.MethodPost, req.Endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, networkError(err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if err := c.credentials.apply(httpReq); err != nil {
		return nil, networkError(err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, networkError(classifyTransportError(postCtx, err))
	}
	defer resp.Body.Close()

	c.metrics.recordLicenseResponse(ctx, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, licenseDenied(resp.StatusCode)
	}

	body, err := readLimited(resp.Body, c.maxResponseSize)
	if err != nil {
		return nil, networkError(classifyTransportError(postCtx, err))
	}
	if len(body) == 0 {
		return nil, emptyLicenseResponse()
	}

	logAction(ctx, c.logger, slog.LevelDebug, "license_exchange", "License response received",
		slog.String("request_id", req.ID),
		slog.String("endpoint_host", req.Endpoint.Host),
		slog.Int("response_bytes", len(body)),
		slog.Duration("duration", time.Since(start)),
	)
	return body, nil
}
