/*
Package httpapi is the daemon's optional HTTP surface: health and Prometheus
endpoints for operators, an agent listing for dashboards, and the websocket
bridge for remote clients. It binds to loopback by default and carries no
authentication; exposing it wider is a deployment decision.
*/
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaymesh/agent-relay/infra/server/wsbridge"
	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
)

type Server struct {
	addr string
	log  *slog.Logger
	srv  *http.Server
}

func New(addr, socketPath string, reg registry.Registrar, m *metrics.Metrics, log *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, m.Health(reg.ConnectedCount()))
	})
	r.Get("/agents", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, reg.List())
	})
	r.Handle("/metrics", m.Handler())
	r.Handle("/ws", wsbridge.New(socketPath, log))

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens synchronously so bind errors surface at startup, then serves
// in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("http surface listening", slog.String("addr", s.addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http surface failed", slog.Any("error", err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
