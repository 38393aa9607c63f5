package uplink

import (
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakePoster struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	status    int
}

func (p *fakePoster) Do(req *http.Request) (*http.Response, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	status := p.status
	if status == 0 {
		status = http.StatusOK
	}
	if call <= p.failUntil {
		status = http.StatusServiceUnavailable
	}
	return &http.Response{StatusCode: status, Body: http.NoBody}, nil
}

func (p *fakePoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestBackendRegistrar_SucceedsOnFirstTry(t *testing.T) {
	poster := &fakePoster{}
	r := NewBackendRegistrar(RegistrarConfig{BackendURL: "http://backend.example/register", GatewayID: "AABBCCDDEEFF"}, poster)

	r.OnRouteChanged(RouteEthernet)

	deadline := time.Now().Add(time.Second)
	for poster.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if poster.callCount() != 1 {
		t.Fatalf("expected exactly one register call, got %d", poster.callCount())
	}
}

func TestBackendRegistrar_CancelsOnRouteLoss(t *testing.T) {
	poster := &fakePoster{failUntil: 1000} // never succeeds on its own
	r := NewBackendRegistrar(RegistrarConfig{BackendURL: "http://backend.example/register"}, poster)

	r.OnRouteChanged(RouteEthernet)
	time.Sleep(20 * time.Millisecond)

	r.OnRouteChanged(RouteNone)
	callsAtLoss := poster.callCount()

	time.Sleep(50 * time.Millisecond)
	if poster.callCount() > callsAtLoss+1 {
		t.Fatalf("expected register loop to stop retrying after route loss, calls kept climbing: %d -> %d", callsAtLoss, poster.callCount())
	}
}

func TestBackendRegistrar_RestartsFreshOnRouteRegain(t *testing.T) {
	poster := &fakePoster{}
	r := NewBackendRegistrar(RegistrarConfig{BackendURL: "http://backend.example/register"}, poster)

	r.OnRouteChanged(RouteEthernet)
	deadline := time.Now().Add(time.Second)
	for poster.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	r.OnRouteChanged(RouteNone)
	r.OnRouteChanged(RouteWiFi)

	deadline = time.Now().Add(time.Second)
	for poster.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if poster.callCount() < 2 {
		t.Fatalf("expected a second register attempt after regaining the route, got %d calls", poster.callCount())
	}
}
