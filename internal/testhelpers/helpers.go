// Package testhelpers provides WebSocket helpers shared by the relay's
// end-to-end tests: dialing with an allowed origin, sending and reading
// envelopes with deadlines, and asserting silence.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// DefaultOrigin is the origin the relay allows out of the box.
const DefaultOrigin = "http://localhost:8080"

// ReadTimeout bounds every ReadEnvelope call.
const ReadTimeout = 2 * time.Second

// WebSocketURL converts an httptest server URL into the relay's ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header. An empty origin
// sends no header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url with DefaultOrigin and closes the connection when
// the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEnvelope writes one envelope frame.
func SendEnvelope(t *testing.T, conn *websocket.Conn, envelopeType string, payload any) {
	t.Helper()
	data, err := protocol.Encode(envelopeType, payload)
	require.NoError(t, err)
	SendRaw(t, conn, data)
}

// SendRaw writes data as one text frame.
func SendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// ReadEnvelope reads the next frame, fails the test unless it has the
// expected type, and decodes its payload into dst when dst is not nil.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, expectedType string, dst any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equalf(t, expectedType, env.Type, "unexpected envelope %s", raw)

	if dst != nil {
		require.NoError(t, env.DecodePayload(dst))
	}
}

// ExpectNoMessage fails the test if anything arrives on conn within timeout.
// A timed out gorilla connection cannot be read again, so call it last.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))

	_, raw, err := conn.ReadMessage()
	require.Errorf(t, err, "expected no message, received %s", raw)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	require.Failf(t, "unexpected read error", "%v", err)
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
