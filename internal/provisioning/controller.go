// Package provisioning implements the captive-portal onboarding flow of
// spec §4.9: when the gateway has no Wi-Fi or MQTT configuration yet, it
// raises its own hotspot, answers every DNS query with its own address,
// and exposes a small JSON API (plus a static setup page) so a phone or
// laptop joining the hotspot can hand it the credentials it needs to
// join the building network and reach the backend.
package provisioning

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/config"
	"github.com/omniapi/gateway/internal/errs"
	"github.com/omniapi/gateway/internal/platform/wifi"
)

const (
	opStart    errs.Op = "provisioning.Controller.Start"
	opWifi     errs.Op = "provisioning.Controller.applyWifi"
	opMQTT     errs.Op = "provisioning.Controller.applyMQTT"
	opAll      errs.Op = "provisioning.Controller.applyAll"
	dnsAddr            = ":5353"
	restartWait        = 2 * time.Second
)

// probePaths are the well-known URLs phones and laptops fetch right
// after joining a network to decide whether it has internet access
// (a captive portal). Answering them with a redirect is what makes the
// OS pop the setup page automatically instead of silently reporting
// "no internet".
var probePaths = []string{
	"/generate_204",
	"/gen_204",
	"/hotspot-detect.html",
	"/connecttest.txt",
	"/redirect",
	"/canonical.html",
	"/success.txt",
}

// wifiRequest is the body of POST /api/provision/wifi and the "wifi"
// object nested in POST /api/provision/all.
type wifiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// mqttRequest is the body of POST /api/provision/mqtt and the "mqtt"
// object nested in POST /api/provision/all.
type mqttRequest struct {
	BrokerURI string `json:"broker_uri"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type allRequest struct {
	Wifi wifiRequest `json:"wifi"`
	MQTT mqttRequest `json:"mqtt"`
}

// Controller owns the captive AP lifecycle and the provisioning HTTP
// handlers. It implements the gateway's Service interface so it starts
// and stops alongside the mesh, uplink, and OTA engines.
type Controller struct {
	wifi    wifi.Provider
	store   *config.Store
	apCfg   wifi.APConfig
	restart func()

	mu     sync.Mutex
	active bool
	dns    *captiveDNS
}

// New builds a Controller. restart is called (after a grace delay) once
// Wi-Fi credentials are applied, so the process can re-exec with the new
// network available; pass nil in tests.
func New(w wifi.Provider, store *config.Store, apCfg wifi.APConfig, restart func()) *Controller {
	if restart == nil {
		restart = func() {}
	}
	return &Controller{wifi: w, store: store, apCfg: apCfg, restart: restart}
}

// Start raises the hotspot and catch-all DNS if the gateway is not yet
// configured, and tears both down when the store reports Configured or
// ctx is cancelled — whichever comes first. It never blocks: the portal
// itself is served by the shared HTTP mux via RegisterRoutes.
func (c *Controller) Start(ctx context.Context) error {
	if c.store.ProvisioningState() == config.Configured {
		return nil
	}

	if err := c.wifi.StartHotspot(); err != nil {
		return errs.E(opStart, errs.KindNetwork, err, "could not start provisioning hotspot")
	}

	host, _, _ := splitCIDRHost(c.apCfg.CIDR)
	c.dns = newCaptiveDNS(host, dnsAddr)
	c.dns.start(ctx)

	c.mu.Lock()
	c.active = true
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		c.wifi.StopHotspot()
	}()

	return nil
}

// Active reports whether the captive portal is currently serving —
// callers such as the top-level API handler use this to decide whether
// the portal page should own the web root.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// RegisterRoutes mounts the provisioning surface on mux: the portal
// page, Wi-Fi scan, status, and the three configuration endpoints, plus
// the captive-portal probe redirects every major OS checks for.
func (c *Controller) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", c.handlePortalPage)
	mux.HandleFunc("GET /api/wifi/scan", c.handleScan)
	mux.HandleFunc("GET /api/provision/status", c.handleStatus)
	mux.HandleFunc("POST /api/provision/wifi", c.handleWifi)
	mux.HandleFunc("POST /api/provision/mqtt", c.handleMQTT)
	mux.HandleFunc("POST /api/provision/all", c.handleAll)

	for _, p := range probePaths {
		mux.HandleFunc("GET "+p, c.handleProbe)
	}
}

func (c *Controller) handlePortalPage(w http.ResponseWriter, r *http.Request) {
	if !c.Active() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write([]byte(portalPage))
}

func (c *Controller) handleProbe(w http.ResponseWriter, r *http.Request) {
	if !c.Active() {
		http.NotFound(w, r)
		return
	}
	host, _, _ := splitCIDRHost(c.apCfg.CIDR)
	http.Redirect(w, r, "http://"+host+"/", http.StatusFound)
}

func (c *Controller) handleScan(w http.ResponseWriter, r *http.Request) {
	networks, err := c.wifi.Scan()
	if err != nil {
		errs.HTTPResponse(w, errs.E(errs.Op("provisioning.Controller.handleScan"), errs.KindNetwork, err, "wifi scan failed"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(networks)
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := c.store.ProvisioningState()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"state":   state.String(),
		"active":  c.Active(),
		"ap_ssid": c.apCfg.SSIDBase,
	})
}

func (c *Controller) handleWifi(w http.ResponseWriter, r *http.Request) {
	var req wifiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.HTTPResponse(w, errs.E(opWifi, errs.KindInvalid, err, "malformed request body"))
		return
	}
	if err := c.applyWifi(req); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	c.respondOK(w)
	c.scheduleRestart()
}

func (c *Controller) handleMQTT(w http.ResponseWriter, r *http.Request) {
	var req mqttRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.HTTPResponse(w, errs.E(opMQTT, errs.KindInvalid, err, "malformed request body"))
		return
	}
	if err := c.applyMQTT(req); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	c.respondOK(w)
}

func (c *Controller) handleAll(w http.ResponseWriter, r *http.Request) {
	var req allRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.HTTPResponse(w, errs.E(opAll, errs.KindInvalid, err, "malformed request body"))
		return
	}
	if err := c.applyWifi(req.Wifi); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	if err := c.applyMQTT(req.MQTT); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	c.respondOK(w)
	c.scheduleRestart()
}

func (c *Controller) applyWifi(req wifiRequest) error {
	if req.SSID == "" {
		return errs.E(opWifi, errs.KindInvalid, "ssid is required")
	}
	if err := c.store.SetAll(map[string]string{
		config.KeyWifiSSID: req.SSID,
		config.KeyWifiPass: req.Password,
	}); err != nil {
		return errs.E(opWifi, errs.KindIO, err, "could not persist wifi credentials")
	}
	if err := c.wifi.Connect(req.SSID, req.Password); err != nil {
		return errs.E(opWifi, errs.KindNetwork, err, "could not join wifi network")
	}
	return nil
}

func (c *Controller) applyMQTT(req mqttRequest) error {
	if req.BrokerURI == "" {
		return errs.E(opMQTT, errs.KindInvalid, "broker_uri is required")
	}
	if err := c.store.SetAll(map[string]string{
		config.KeyMQTTURI:  req.BrokerURI,
		config.KeyMQTTUser: req.Username,
		config.KeyMQTTPass: req.Password,
	}); err != nil {
		return errs.E(opMQTT, errs.KindIO, err, "could not persist mqtt credentials")
	}
	return nil
}

func (c *Controller) respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// scheduleRestart gives the HTTP response time to reach the caller
// before the network interface the caller is connected over — the
// hotspot — goes away.
func (c *Controller) scheduleRestart() {
	time.AfterFunc(restartWait, c.restart)
}

// splitCIDRHost returns the host portion of a CIDR string like
// "192.168.4.1/24" ("192.168.4.1"). Falls back to the input unchanged
// if it isn't in CIDR form.
func splitCIDRHost(cidr string) (host, mask string, ok bool) {
	for i := 0; i < len(cidr); i++ {
		if cidr[i] == '/' {
			return cidr[:i], cidr[i+1:], true
		}
	}
	return cidr, "", false
}
