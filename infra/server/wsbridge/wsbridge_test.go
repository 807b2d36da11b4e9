package wsbridge

import (
	"log/slog"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoSocket is a stand-in daemon that echoes every byte back.
func echoSocket(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return path
}

func dialBridge(t *testing.T, socketPath string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(New(socketPath, slog.New(slog.DiscardHandler)))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestBinaryFramesRelayedBothWays(t *testing.T) {
	ws := dialBridge(t, echoSocket(t))

	payload := []byte{0x00, 0x00, 0x00, 0x02, '{', '}'}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, payload))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, payload, data)
}

func TestTextFramesIgnored(t *testing.T) {
	ws := dialBridge(t, echoSocket(t))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not wire data")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, data, "text frame must not reach the socket")
}

func TestDaemonUnreachableClosesSession(t *testing.T) {
	ws := dialBridge(t, filepath.Join(t.TempDir(), "missing.sock"))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr) ||
		websocket.IsUnexpectedCloseError(err))
}
