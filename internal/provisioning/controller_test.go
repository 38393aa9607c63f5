package provisioning_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omniapi/gateway/internal/config"
	"github.com/omniapi/gateway/internal/platform/wifi"
	"github.com/omniapi/gateway/internal/provisioning"
)

func newTestController(t *testing.T) (*provisioning.Controller, *wifi.MockWiFi, *config.Store) {
	t.Helper()
	store, err := config.Open(t.TempDir())
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	mock := &wifi.MockWiFi{}
	apCfg := wifi.APConfig{SSIDBase: "OmniAPI", Password: "omniapi123", CIDR: "192.168.4.1/24"}
	ctrl := provisioning.New(mock, store, apCfg, nil)
	return ctrl, mock, store
}

func TestStart_RaisesHotspotWhenUnconfigured(t *testing.T) {
	ctrl, mock, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !mock.IsHotspotRunning {
		t.Error("expected hotspot to be started")
	}
	if !ctrl.Active() {
		t.Error("expected controller to report Active() after Start")
	}
}

func TestStart_SkipsHotspotWhenAlreadyConfigured(t *testing.T) {
	ctrl, mock, store := newTestController(t)
	if err := store.SetAll(map[string]string{
		config.KeyWifiSSID: "home",
		config.KeyMQTTURI:  "tcp://broker:1883",
	}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mock.IsHotspotRunning {
		t.Error("expected hotspot NOT to be started when already configured")
	}
	if ctrl.Active() {
		t.Error("expected Active()=false when already configured")
	}
}

func TestHandleScan_ReturnsNetworkList(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/wifi/scan", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var networks []wifi.Network
	if err := json.NewDecoder(rec.Body).Decode(&networks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(networks) == 0 {
		t.Error("expected at least one network from MockWiFi")
	}
}

func TestHandleWifi_RejectsEmptySSID(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)

	body := strings.NewReader(`{"ssid":"","password":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/provision/wifi", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleWifi_PersistsAndConnects(t *testing.T) {
	ctrl, mock, store := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)

	body := strings.NewReader(`{"ssid":"HomeNet","password":"secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/provision/wifi", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if mock.LastConnectSSID != "HomeNet" {
		t.Errorf("LastConnectSSID = %q, want HomeNet", mock.LastConnectSSID)
	}
	ssid, ok := store.Get(config.KeyWifiSSID)
	if !ok || ssid != "HomeNet" {
		t.Errorf("store KeyWifiSSID = %q, ok=%v, want HomeNet/true", ssid, ok)
	}
}

func TestHandleMQTT_RejectsEmptyBrokerURI(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)

	body := strings.NewReader(`{"broker_uri":""}`)
	req := httptest.NewRequest(http.MethodPost, "/api/provision/mqtt", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAll_AppliesBothWifiAndMQTT(t *testing.T) {
	ctrl, mock, store := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)

	body := strings.NewReader(`{
		"wifi": {"ssid": "HomeNet", "password": "secret"},
		"mqtt": {"broker_uri": "tcp://broker:1883", "username": "u", "password": "p"}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/provision/all", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if mock.LastConnectSSID != "HomeNet" {
		t.Error("expected wifi connect to be applied")
	}
	uri, ok := store.Get(config.KeyMQTTURI)
	if !ok || uri != "tcp://broker:1883" {
		t.Errorf("store KeyMQTTURI = %q, ok=%v", uri, ok)
	}
	if store.ProvisioningState() != config.Configured {
		t.Errorf("ProvisioningState = %v, want Configured", store.ProvisioningState())
	}
}

func TestHandleStatus_ReflectsStoreState(t *testing.T) {
	ctrl, _, store := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)
	ctrl.Start(context.Background())

	store.SetAll(map[string]string{config.KeyWifiSSID: "x"})

	req := httptest.NewRequest(http.MethodGet, "/api/provision/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["state"] != "wifi_only" {
		t.Errorf("state = %v, want wifi_only", resp["state"])
	}
}

func TestHandleProbe_RedirectsToPortalWhenActive(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/generate_204", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if loc != "http://192.168.4.1/" {
		t.Errorf("Location = %q, want http://192.168.4.1/", loc)
	}
}

func TestHandleProbe_NotFoundWhenNotActive(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	mux := http.NewServeMux()
	ctrl.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/generate_204", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
