package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// registerInterval is the fixed backoff for the backend HTTP register
// retry loop (spec §7, transient I/O policy): unbounded retries until
// success, no exponential backoff.
const registerInterval = 30 * time.Second

// httpPoster is the narrow subset of *http.Client the registrar needs.
// Kept minimal so tests can swap in a fake without a real listener.
type httpPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

// RegistrarConfig holds what the backend registrar needs to announce
// this gateway once it has a route to the outside world.
type RegistrarConfig struct {
	BackendURL string
	GatewayID  string
	Hostname   string
}

// BackendRegistrar posts a one-shot "I'm alive" registration to the
// cloud backend every time the route transitions to non-None, retrying
// at a fixed interval until the backend accepts it. It implements
// RouteListener so the gateway wires it straight to a Supervisor.
type BackendRegistrar struct {
	cfg    RegistrarConfig
	client httpPoster

	cancelPrev context.CancelFunc
}

// NewBackendRegistrar constructs a registrar that posts through client.
// Pass http.DefaultClient in production.
func NewBackendRegistrar(cfg RegistrarConfig, client httpPoster) *BackendRegistrar {
	return &BackendRegistrar{cfg: cfg, client: client}
}

// OnRouteChanged implements RouteListener. Gaining a route starts a
// retry loop; losing it cancels any loop in flight — registration
// resumes from scratch once the route comes back.
func (r *BackendRegistrar) OnRouteChanged(route Route) {
	if r.cancelPrev != nil {
		r.cancelPrev()
		r.cancelPrev = nil
	}
	if route == RouteNone {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelPrev = cancel
	go r.runLoop(ctx)
}

// runLoop retries the register call every registerInterval until it
// succeeds or ctx is cancelled by a subsequent route loss.
func (r *BackendRegistrar) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.register(ctx); err != nil {
			slog.Warn("uplink: backend register failed, retrying",
				"err", err, "interval", registerInterval)
		} else {
			slog.Info("uplink: backend register succeeded")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(registerInterval):
		}
	}
}

func (r *BackendRegistrar) register(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"gateway_id": r.cfg.GatewayID,
		"hostname":   r.cfg.Hostname,
	})
	if err != nil {
		return fmt.Errorf("uplink: could not encode register body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BackendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uplink: could not build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("uplink: register request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("uplink: backend rejected register with status %d", resp.StatusCode)
	}
	return nil
}
