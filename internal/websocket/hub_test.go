package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func dialHub(t *testing.T, hub *Hub, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func TestHubServeHTTPRoundTrip(t *testing.T) {
	h := newHarness(t, testWebSocketConfig())

	conn, _, err := dialHub(t, h.hub, "")
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeConnection, hello.Type)
	assert.NotEmpty(t, hello.SessionID)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeKeyRequest, ID: "r1", URI: h.keyURI("asset")}))

	var gen Message
	require.NoError(t, conn.ReadJSON(&gen))
	require.Equal(t, TypeGeneratePayload, gen.Type)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePayload, ID: "r1", Payload: []byte("spc")}))

	var resp Message
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, TypeKeyResponse, resp.Type)
	assert.Equal(t, []byte("ckc:spc"), resp.Response)
}

func TestHubOriginCheck(t *testing.T) {
	cfg := testWebSocketConfig()

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t, cfg)
		h.hub.origins = []string{"https://player.example.com"}

		_, resp, err := dialHub(t, h.hub, "https://evil.example.com")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("allowed", func(t *testing.T) {
		h := newHarness(t, cfg)
		h.hub.origins = []string{"https://player.example.com"}

		conn, _, err := dialHub(t, h.hub, "https://player.example.com")
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("wildcard", func(t *testing.T) {
		h := newHarness(t, cfg)
		h.hub.origins = []string{"*"}

		conn, _, err := dialHub(t, h.hub, "https://anything.example.com")
		require.NoError(t, err)
		conn.Close()
	})
}

func TestHubStopClosesSessions(t *testing.T) {
	h := newHarness(t, testWebSocketConfig())
	s, conn := h.attach()

	send(t, conn, Message{Type: TypeKeyRequest, ID: "r1", URI: h.keyURI("a")})
	require.Equal(t, TypeGeneratePayload, next(t, conn).Type)

	h.hub.Stop()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session still open after Stop")
	}
	select {
	case <-conn.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open after Stop")
	}
	assert.Equal(t, 0, h.hub.SessionCount())

	_, err := h.hub.Attach(NewMockConnection(), "")
	assert.ErrorIs(t, err, ErrHubStopped)

	// Stop is idempotent
	h.hub.Stop()
}

func TestHubRejectsUpgradeWhenStopped(t *testing.T) {
	h := newHarness(t, testWebSocketConfig())
	h.hub.Stop()

	_, resp, err := dialHub(t, h.hub, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHubMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	metrics, err := NewOTelMetrics(provider.Meter(meterName))
	require.NoError(t, err)

	h := newHarness(t, testWebSocketConfig())
	h.hub.metrics = metrics

	_, conn := h.attach()
	send(t, conn, Message{Type: TypeKeyRequest, ID: "r1", URI: h.keyURI("a")})
	require.Equal(t, TypeGeneratePayload, next(t, conn).Type)
	send(t, conn, Message{Type: TypePayload, ID: "r1", Payload: []byte("spc")})
	require.Equal(t, TypeKeyResponse, next(t, conn).Type)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, name := range []string{
		"websocket_connections_total",
		"websocket_connections_active",
		"websocket_messages_total",
		"websocket_message_bytes_total",
		"websocket_payload_round_trip_seconds",
	} {
		assert.True(t, names[name], name)
	}
}

func TestOriginAllowedWithoutHeader(t *testing.T) {
	h := newHarness(t, testWebSocketConfig())
	assert.True(t, h.hub.originAllowed(context.Background(), ""))
	assert.False(t, h.hub.originAllowed(context.Background(), "https://x.example.com"))
}
