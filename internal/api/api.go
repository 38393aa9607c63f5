// Package api is the gateway's HTTP server plumbing: CORS, lifecycle,
// and (in handlers.go/websocket.go/mqtt.go/metrics.go) the full
// northbound surface of spec §6 — the JSON API, the /ws event stream,
// the Prometheus endpoint, and the MQTT mirror of the same operations.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/errs"
)

const opStart errs.Op = "api.Server.Start"

type Config struct {
	DataDir string
	Port    int
	IsDev   bool
}

// Server owns the gateway's HTTP listener. The mux passed to New is
// wrapped in the CORS middleware once, at construction, so Handler()
// returns exactly what's served.
type Server struct {
	cfg     Config
	handler http.Handler

	mu   sync.Mutex
	addr string
}

func New(cfg Config, mux *http.ServeMux) *Server {
	return &Server{cfg: cfg, handler: corsMiddleware(mux)}
}

// Handler returns the fully wrapped handler, for tests that want to
// exercise routing and middleware without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the ":<port>" the server actually bound, once Start has
// begun listening. Empty before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Start(ctx context.Context) error {
	port := s.cfg.Port
	if s.cfg.IsDev && port <= 1024 {
		slog.Info("api: dev mode: redirecting API port", "from", port, "to", 8080)
		port = 8080
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errs.E(opStart, errs.KindNetwork, err, fmt.Sprintf("could not bind port %d", port))
	}
	s.mu.Lock()
	s.addr = fmt.Sprintf(":%d", ln.Addr().(*net.TCPAddr).Port)
	s.mu.Unlock()

	srv := &http.Server{Handler: s.handler}

	go func() {
		<-ctx.Done()
		slog.Info("api: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	slog.Info("api: starting server", "addr", s.addr, "isDev", s.cfg.IsDev)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return errs.E(opStart, errs.KindNetwork, err, fmt.Sprintf("server failed on port %d", port))
	}
	return nil
}

// corsMiddleware grants every origin permissive access and answers
// every OPTIONS request with 204, per spec §6.3 — the northbound API
// has no browser-session concept to protect with an origin allowlist.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Range")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
