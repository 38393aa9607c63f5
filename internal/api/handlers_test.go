package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omniapi/gateway/internal/api"
	"github.com/omniapi/gateway/internal/commission"
	"github.com/omniapi/gateway/internal/config"
	"github.com/omniapi/gateway/internal/eventbus"
	"github.com/omniapi/gateway/internal/meshnet"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
)

type fakeRouter struct {
	sent       []protocol.Mac
	reachable  bool
	routerErr  error
}

func (f *fakeRouter) Send(mac protocol.Mac, payload []byte) error {
	f.sent = append(f.sent, mac)
	return f.routerErr
}
func (f *fakeRouter) Broadcast(payload []byte) (int, error) { return 0, nil }
func (f *fakeRouter) IsNodeReachable(mac protocol.Mac) bool { return f.reachable }
func (f *fakeRouter) RoutingTable() []protocol.Mac          { return nil }
func (f *fakeRouter) Stats() (meshnet.TransportStats, meshnet.RouterStats) {
	return meshnet.TransportStats{}, meshnet.RouterStats{FramesDropped: 3}
}

type fakeFSM struct {
	mode          string
	scanStarted   bool
	commissionErr error
}

func (f *fakeFSM) Mode() string { return f.mode }
func (f *fakeFSM) StartScan(ctx context.Context) error {
	f.scanStarted = true
	return nil
}
func (f *fakeFSM) StopScan(ctx context.Context) error { return nil }
func (f *fakeFSM) ScanResults() []commission.DiscoveredNode {
	return []commission.DiscoveredNode{{Mac: mustMac("aa:bb:cc:dd:ee:ff")}}
}
func (f *fakeFSM) Commission(ctx context.Context, mac protocol.Mac, name string) error {
	return f.commissionErr
}
func (f *fakeFSM) Decommission(ctx context.Context, mac protocol.Mac) error { return nil }
func (f *fakeFSM) Identify(mac protocol.Mac) error                         { return nil }

type fakePull struct{}

func (fakePull) StartJob(ctx context.Context, params ota.BroadcastParams) (*ota.BroadcastPullJob, error) {
	return nil, nil
}
func (fakePull) Current() *ota.BroadcastPullJob { return nil }
func (fakePull) Abort() error                   { return nil }

type fakePush struct {
	aborted bool
}

func (*fakePush) StartJob(ctx context.Context, params ota.TargetedParams) (*ota.TargetedPushJob, error) {
	return nil, nil
}
func (*fakePush) Current() *ota.TargetedPushJob { return nil }
func (f *fakePush) Abort() error                { f.aborted = true; return nil }

type fakeSelfUpdater struct {
	began, wrote, ended bool
	candidateVersion    string
}

func (f *fakeSelfUpdater) Begin(expectedSize int64, candidateVersion string) error {
	f.began = true
	f.candidateVersion = candidateVersion
	return nil
}
func (f *fakeSelfUpdater) Write(b []byte) error { f.wrote = true; return nil }
func (f *fakeSelfUpdater) End() error           { f.ended = true; return nil }
func (f *fakeSelfUpdater) Abort() error         { return nil }
func (f *fakeSelfUpdater) Active() bool         { return f.began && !f.ended }

func mustMac(s string) protocol.Mac {
	mac, err := protocol.ParseMac(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func newTestDeps(t *testing.T) (api.Deps, *fakeRouter, *fakeFSM) {
	t.Helper()
	store, err := config.Open(t.TempDir())
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	r := &fakeRouter{}
	f := &fakeFSM{mode: "production"}
	deps := api.Deps{
		Registry:    meshnet.NewRegistry(meshnet.DefaultCapacity),
		Router:      r,
		FSM:         f,
		PullEngine:  fakePull{},
		PushEngine:  &fakePush{},
		SelfUpdater: &fakeSelfUpdater{},
		Bus:         eventbus.New(nil),
		Store:       store,
	}
	return deps, r, f
}

func TestHandleCommand_RelayOn_SendsFrame(t *testing.T) {
	deps, r, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	body := strings.NewReader(`{"mac":"aa:bb:cc:dd:ee:ff","cmd":"relay_on"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/command", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if len(r.sent) != 1 {
		t.Fatalf("expected one frame sent, got %d", len(r.sent))
	}
}

func TestHandleCommand_UnknownCommandRejected(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	body := strings.NewReader(`{"mac":"aa:bb:cc:dd:ee:ff","cmd":"fly"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/command", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCommand_InvalidMacRejected(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	body := strings.NewReader(`{"mac":"not-a-mac","cmd":"reboot"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/command", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleScanStart_DrivesFSM(t *testing.T) {
	deps, _, f := newTestDeps(t)
	mux := api.NewMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/scan", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !f.scanStarted {
		t.Error("expected StartScan to be called")
	}
}

func TestHandleScanResults_ReturnsDiscoveredNodes(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/scan/results", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", resp["count"])
	}
}

func TestHandleCommission_PropagatesFSMError(t *testing.T) {
	deps, _, f := newTestDeps(t)
	f.commissionErr = context.DeadlineExceeded
	mux := api.NewMux(deps)

	body := strings.NewReader(`{"mac":"aa:bb:cc:dd:ee:ff","name":"r1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/commission", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for unclassified error", rec.Code)
	}
}

func TestHandleNodeConfig_RejectsUnknownKey(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	body := strings.NewReader(`{"mac":"aa:bb:cc:dd:ee:ff","key":"ssid","value":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/node/config", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleNodeConfig_AcceptsRelayMode(t *testing.T) {
	deps, r, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	body := strings.NewReader(`{"mac":"aa:bb:cc:dd:ee:ff","key":"relay_mode","value":"uart"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/node/config", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if len(r.sent) != 1 {
		t.Error("expected config-set frame to be sent")
	}
}

func TestHandleOTAUpload_DrivesSelfUpdaterLifecycle(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	su := deps.SelfUpdater.(*fakeSelfUpdater)
	mux := api.NewMux(deps)

	body := strings.NewReader("firmware-bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/ota/upload", body)
	req.ContentLength = int64(body.Len())
	req.Header.Set("X-Firmware-Version", "9.9.9")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if !su.began || !su.wrote || !su.ended {
		t.Errorf("expected full Begin/Write/End lifecycle, got began=%v wrote=%v ended=%v", su.began, su.wrote, su.ended)
	}
	if su.candidateVersion != "9.9.9" {
		t.Errorf("candidateVersion = %q, want %q", su.candidateVersion, "9.9.9")
	}
}

func TestHandleOTAUpload_RejectsMissingFirmwareVersion(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	body := strings.NewReader("firmware-bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/ota/upload", body)
	req.ContentLength = int64(body.Len())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleNodeOTAAbort_DrivesPushEngineNotBroadcast(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	push := deps.PushEngine.(*fakePush)
	mux := api.NewMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/node/ota/abort", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if !push.aborted {
		t.Error("expected node OTA abort to call PushEngine.Abort, not PullEngine.Abort")
	}
}

func TestHandleOTAUpload_RejectsMissingContentLength(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	mux := api.NewMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/ota/upload", strings.NewReader("x"))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStatus_ReportsNodeCount(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	deps.Registry.Add(mustMac("aa:bb:cc:dd:ee:ff"), 1000)
	mux := api.NewMux(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["node_count"].(float64) != 1 {
		t.Errorf("node_count = %v, want 1", resp["node_count"])
	}
}

func TestHandleLogs_ReturnsBusEntries(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	deps.Bus.Logf("hello world")
	mux := api.NewMux(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	logs := resp["logs"].([]any)
	if len(logs) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logs))
	}
}
