// Tests for the API server layer: CORS middleware, lifecycle, shutdown.
// The domain handlers (handlers.go) get their own test file.
package api_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/omniapi/gateway/internal/api"
)

func newTestMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})
	return mux
}

func TestCORSMiddleware_AllowsAnyOrigin(t *testing.T) {
	srv := api.New(api.Config{Port: 8080, IsDev: false}, newTestMux())
	handler := srv.Handler()

	for _, origin := range []string{"http://localhost:3000", "https://evil.example.com", ""} {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("origin %q: ACAO = %q, want \"*\"", origin, got)
		}
	}
}

func TestCORSMiddleware_PreflightOptionsReturns204(t *testing.T) {
	srv := api.New(api.Config{Port: 8080, IsDev: false}, newTestMux())
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight: missing Access-Control-Allow-Methods header")
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	srv := api.New(api.Config{Port: 0, IsDev: true}, mux)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("server never reported a bound address")
	}

	go http.Get(fmt.Sprintf("http://127.0.0.1%s/slow", addr))
	time.Sleep(10 * time.Millisecond)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error after shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("server did not shut down within 3 seconds")
	}
}
