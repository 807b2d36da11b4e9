/*
Package wsbridge exposes the daemon's unix socket to browser clients. Each
websocket connection gets its own socket dial; binary frames are relayed
byte-for-byte in both directions, so the wire protocol (framing included)
stays exactly what local clients speak. The bridge adds no protocol of its
own and keeps no per-agent state.
*/
package wsbridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const writeTimeout = 10 * time.Second

type Bridge struct {
	socketPath string
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

func New(socketPath string, log *slog.Logger) *Bridge {
	return &Bridge{
		socketPath: socketPath,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The bridge binds to loopback; same-host pages are trusted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

var _ http.Handler = (*Bridge)(nil)

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("ws upgrade failed", slog.Any("error", err))
		return
	}
	defer ws.Close()

	sock, err := net.DialTimeout("unix", b.socketPath, 5*time.Second)
	if err != nil {
		b.log.Warn("daemon socket unreachable", slog.Any("error", err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "daemon unavailable"),
			time.Now().Add(writeTimeout))
		return
	}
	defer sock.Close()

	b.log.Debug("ws session opened", slog.String("remote", r.RemoteAddr))
	if err := b.proxy(r.Context(), ws, sock); err != nil {
		b.log.Debug("ws session closed", slog.Any("error", err))
	}
}

// proxy pumps both directions until either side closes. The first error
// cancels the group and tears down both connections.
func (b *Bridge) proxy(ctx context.Context, ws *websocket.Conn, sock net.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		_ = ws.Close()
		_ = sock.Close()
	}()

	g.Go(func() error {
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			if _, err := sock.Write(data); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := sock.Read(buf)
			if n > 0 {
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if err == io.EOF {
					_ = ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeTimeout))
				}
				return err
			}
		}
	})

	return g.Wait()
}
