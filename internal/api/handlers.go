package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/omniapi/gateway/internal/errs"
	"github.com/omniapi/gateway/internal/httputil"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
)

const (
	opScan       errs.Op = "api.scan"
	opCommission errs.Op = "api.commission"
	opCommand    errs.Op = "api.command"
	opOTA        errs.Op = "api.ota"
	opProvision  errs.Op = "api.provision"
)

// NewMux builds the gateway's full HTTP surface (spec §6.3): JSON
// handlers over deps, mounted on a fresh *http.ServeMux. Provisioning
// routes are registered separately by the caller via
// provisioning.Controller.RegisterRoutes on the same mux, so the two
// packages never need to import each other.
func NewMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", deps.handleStatus)
	mux.HandleFunc("GET /api/network", deps.handleNetwork)
	mux.HandleFunc("GET /api/mesh", deps.handleMesh)
	mux.HandleFunc("GET /api/nodes", deps.handleNodes)

	mux.HandleFunc("POST /api/scan", deps.handleScanStart)
	mux.HandleFunc("POST /api/scan/stop", deps.handleScanStop)
	mux.HandleFunc("GET /api/scan/results", deps.handleScanResults)

	mux.HandleFunc("POST /api/commission", deps.handleCommission)
	mux.HandleFunc("POST /api/decommission", deps.handleDecommission)
	mux.HandleFunc("POST /api/command", deps.handleCommand)

	mux.HandleFunc("GET /api/logs", deps.handleLogs)

	mux.HandleFunc("GET /api/ota/status", deps.handleOTAStatus)
	mux.HandleFunc("POST /api/ota/upload", deps.handleOTAUpload)
	mux.HandleFunc("POST /api/node/ota", deps.handleNodeOTA)
	mux.HandleFunc("GET /api/node/ota/status", deps.handleNodeOTAStatus)
	mux.HandleFunc("POST /api/node/ota/abort", deps.handleNodeOTAAbort)
	mux.HandleFunc("POST /api/node/config", deps.handleNodeConfig)

	mux.HandleFunc("POST /api/reboot", deps.handleReboot)
	mux.HandleFunc("POST /api/factory-reset", deps.handleFactoryReset)

	mux.HandleFunc("GET /ws", deps.handleWebSocket)
	mux.Handle("GET /metrics", deps.metricsHandler())

	return mux
}

// writeJSON is a thin alias over httputil.JSON — every handler below
// already builds its own {success:true, ...} map, so no envelope
// merging is needed here the way httputil.Success does it.
func writeJSON(w http.ResponseWriter, status int, v any) {
	httputil.JSON(w, status, v)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// ---------------------------------------------------------------------------
// Status / network / mesh / nodes
// ---------------------------------------------------------------------------

func (d Deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"provisioning_state": d.Store.ProvisioningState().String(),
		"mesh_mode":          d.FSM.Mode(),
		"node_count":         d.Registry.Len(),
	})
}

func (d Deps) handleNetwork(w http.ResponseWriter, r *http.Request) {
	snap := d.Uplink.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"route":   snap.Route.String(),
		"ethernet": map[string]bool{
			"link_up": snap.Ethernet.LinkUp,
			"has_ip":  snap.Ethernet.HasIP,
		},
		"wifi": map[string]bool{
			"link_up": snap.WiFi.LinkUp,
			"has_ip":  snap.WiFi.HasIP,
		},
	})
}

func (d Deps) handleMesh(w http.ResponseWriter, r *http.Request) {
	transportStats, routerStats := d.Router.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mode":    d.FSM.Mode(),
		"transport": map[string]any{
			"frames_sent":     transportStats.FramesSent,
			"frames_received": transportStats.FramesReceived,
		},
		"router": map[string]any{
			"frames_dropped": routerStats.FramesDropped,
			"send_errors":    routerStats.SendErrors,
			"unknown_types":  routerStats.UnknownTypes,
		},
	})
}

func (d Deps) handleNodes(w http.ResponseWriter, r *http.Request) {
	records := d.Registry.Snapshot()
	nodes := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, map[string]any{
			"mac":         rec.Mac.String(),
			"device_type": rec.DeviceType,
			"status":      rec.Status,
			"mesh_layer":  rec.MeshLayer,
			"rssi":        rec.RSSI,
			"firmware":    rec.Firmware(),
			"uptime_sec":  rec.UptimeSec,
			"reachable":   d.Router.IsNodeReachable(rec.Mac),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "nodes": nodes, "count": len(nodes)})
}

// ---------------------------------------------------------------------------
// Commissioning
// ---------------------------------------------------------------------------

func (d Deps) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := d.FSM.StartScan(r.Context()); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (d Deps) handleScanStop(w http.ResponseWriter, r *http.Request) {
	if err := d.FSM.StopScan(r.Context()); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (d Deps) handleScanResults(w http.ResponseWriter, r *http.Request) {
	results := d.FSM.ScanResults()
	nodes := make([]map[string]any, 0, len(results))
	for _, n := range results {
		nodes = append(nodes, map[string]any{
			"mac":          n.Mac.String(),
			"device_type":  n.DeviceType,
			"fw_version":   n.FwVersion,
			"commissioned": n.Commissioned,
			"rssi":         n.RSSI,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "nodes": nodes, "count": len(nodes)})
}

type commissionRequest struct {
	Mac  string `json:"mac"`
	Name string `json:"name"`
}

func (d Deps) handleCommission(w http.ResponseWriter, r *http.Request) {
	var req commissionRequest
	if err := decodeBody(r, &req); err != nil {
		errs.HTTPResponse(w, errs.E(opCommission, errs.KindInvalid, err, "malformed request body"))
		return
	}
	mac, err := protocol.ParseMac(req.Mac)
	if err != nil {
		errs.HTTPResponse(w, errs.E(opCommission, errs.KindInvalid, err, "invalid mac"))
		return
	}
	if err := d.FSM.Commission(r.Context(), mac, req.Name); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type decommissionRequest struct {
	Mac string `json:"mac"`
}

func (d Deps) handleDecommission(w http.ResponseWriter, r *http.Request) {
	var req decommissionRequest
	if err := decodeBody(r, &req); err != nil {
		errs.HTTPResponse(w, errs.E(opCommission, errs.KindInvalid, err, "malformed request body"))
		return
	}
	mac, err := protocol.ParseMac(req.Mac)
	if err != nil {
		errs.HTTPResponse(w, errs.E(opCommission, errs.KindInvalid, err, "invalid mac"))
		return
	}
	if err := d.FSM.Decommission(r.Context(), mac); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ---------------------------------------------------------------------------
// Node commands (relay / LED / identify / reboot)
// ---------------------------------------------------------------------------

type commandRequest struct {
	Mac string `json:"mac"`
	Cmd string `json:"cmd"`
}

func (d Deps) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		errs.HTTPResponse(w, errs.E(opCommand, errs.KindInvalid, err, "malformed request body"))
		return
	}
	mac, err := protocol.ParseMac(req.Mac)
	if err != nil {
		errs.HTTPResponse(w, errs.E(opCommand, errs.KindInvalid, err, "invalid mac"))
		return
	}

	if err := d.dispatchCommand(mac, req.Cmd); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (d Deps) dispatchCommand(mac protocol.Mac, cmd string) error {
	switch cmd {
	case "relay_on", "relay_off", "relay_toggle":
		action := protocol.RelayOff
		switch cmd {
		case "relay_on":
			action = protocol.RelayOn
		case "relay_toggle":
			action = protocol.RelayToggle
		}
		payload := protocol.EncodeRelayCmd(protocol.RelayCmdPayload{Channel: 0, Action: action})
		return d.sendFrame(mac, protocol.MsgRelayCmd, payload)
	case "led_on", "led_off":
		on := uint8(0)
		if cmd == "led_on" {
			on = 1
		}
		payload := protocol.EncodeLedCmd(protocol.LedCmdPayload{Action: on})
		return d.sendFrame(mac, protocol.MsgLedCmd, payload)
	case "identify":
		return d.FSM.Identify(mac)
	case "reboot":
		return d.sendFrame(mac, protocol.MsgReboot, nil)
	default:
		return errs.E(opCommand, errs.KindInvalid, "unknown command: "+cmd)
	}
}

func (d Deps) sendFrame(mac protocol.Mac, msgType protocol.MsgType, payload []byte) error {
	frame, err := protocol.Encode(msgType, 0, payload)
	if err != nil {
		return errs.E(opCommand, err)
	}
	if err := d.Router.Send(mac, frame); err != nil {
		return errs.E(opCommand, errs.KindNetwork, err, "send to node failed")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

func (d Deps) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": d.Bus.Logs()})
}

// ---------------------------------------------------------------------------
// Broadcast-pull OTA (mesh-wide) and self-OTA upload
// ---------------------------------------------------------------------------

func (d Deps) handleOTAStatus(w http.ResponseWriter, r *http.Request) {
	job := d.PullEngine.Current()
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "active": false})
		return
	}
	summary := job.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"active":     true,
		"state":      summary.State.String(),
		"version":    summary.Version,
		"completed":  summary.Completed,
		"failed":     summary.Failed,
		"reason":     summary.Reason,
	})
}

// handleOTAUpload accepts a raw firmware image for the gateway's own
// self-OTA partition (spec §4.6.3). Content-Length and X-Firmware-Version
// must both be set; the declared version is rejected unless it is
// strictly newer than the version currently running. The body is then
// streamed straight into the inactive flash partition.
func (d Deps) handleOTAUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength <= 0 {
		errs.HTTPResponse(w, errs.E(opOTA, errs.KindInvalid, "Content-Length is required"))
		return
	}
	candidateVersion := r.Header.Get("X-Firmware-Version")
	if candidateVersion == "" {
		errs.HTTPResponse(w, errs.E(opOTA, errs.KindInvalid, "X-Firmware-Version header is required"))
		return
	}
	if err := d.SelfUpdater.Begin(r.ContentLength, candidateVersion); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			if werr := d.SelfUpdater.Write(buf[:n]); werr != nil {
				d.SelfUpdater.Abort()
				errs.HTTPResponse(w, werr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			d.SelfUpdater.Abort()
			errs.HTTPResponse(w, errs.E(opOTA, errs.KindIO, err, "upload read failed"))
			return
		}
	}
	if err := d.SelfUpdater.End(); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "reboot_required": true})
}

// ---------------------------------------------------------------------------
// Targeted-push node OTA
// ---------------------------------------------------------------------------

func (d Deps) handleNodeOTA(w http.ResponseWriter, r *http.Request) {
	macStr := r.URL.Query().Get("mac")
	mac, err := protocol.ParseMac(macStr)
	if err != nil {
		errs.HTTPResponse(w, errs.E(opOTA, errs.KindInvalid, err, "invalid mac"))
		return
	}
	if r.ContentLength <= 0 {
		errs.HTTPResponse(w, errs.E(opOTA, errs.KindInvalid, "Content-Length is required"))
		return
	}

	store := ota.NewRAMBlobStore(r.ContentLength)
	if _, err := io.Copy(&blobWriter{store: store}, r.Body); err != nil {
		errs.HTTPResponse(w, errs.E(opOTA, errs.KindIO, err, "upload read failed"))
		return
	}

	if _, err := d.PushEngine.StartJob(r.Context(), ota.TargetedParams{Target: mac, Store: store}); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// blobWriter adapts ota.BlobStore's WriteAt to io.Writer for io.Copy,
// tracking the running write offset itself (the store is pre-sized, so
// its own length doesn't reflect how much has been written).
type blobWriter struct {
	store *ota.RAMBlobStore
	off   int64
}

func (b *blobWriter) Write(p []byte) (int, error) {
	n, err := b.store.WriteAt(p, b.off)
	b.off += int64(n)
	return n, err
}

func (d Deps) handleNodeOTAStatus(w http.ResponseWriter, r *http.Request) {
	job := d.PushEngine.Current()
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"active":   true,
		"state":    job.State().String(),
		"progress": job.Progress(),
	})
}

func (d Deps) handleNodeOTAAbort(w http.ResponseWriter, r *http.Request) {
	if err := d.PushEngine.Abort(); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ---------------------------------------------------------------------------
// Node config (e.g. relay_mode)
// ---------------------------------------------------------------------------

type nodeConfigRequest struct {
	Mac   string `json:"mac"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (d Deps) handleNodeConfig(w http.ResponseWriter, r *http.Request) {
	var req nodeConfigRequest
	if err := decodeBody(r, &req); err != nil {
		errs.HTTPResponse(w, errs.E(opCommand, errs.KindInvalid, err, "malformed request body"))
		return
	}
	mac, err := protocol.ParseMac(req.Mac)
	if err != nil {
		errs.HTTPResponse(w, errs.E(opCommand, errs.KindInvalid, err, "invalid mac"))
		return
	}
	if req.Key != "relay_mode" {
		errs.HTTPResponse(w, errs.E(opCommand, errs.KindInvalid, "unknown config key: "+req.Key))
		return
	}
	if len(req.Value) > 32 {
		errs.HTTPResponse(w, errs.E(opCommand, errs.KindInvalid, "value exceeds 32 bytes"))
		return
	}
	payload, err := protocol.EncodeConfigSet(protocol.ConfigSetPayload{
		Mac:   mac,
		Key:   protocol.ConfigKeyRelayMode,
		Value: []byte(req.Value),
	})
	if err != nil {
		errs.HTTPResponse(w, errs.E(opCommand, errs.KindInvalid, err))
		return
	}
	if err := d.sendFrame(mac, protocol.MsgConfigSet, payload); err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ---------------------------------------------------------------------------
// Reboot / factory reset
// ---------------------------------------------------------------------------

func (d Deps) handleReboot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	if d.Reboot != nil {
		d.Reboot()
	}
}

func (d Deps) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.FactoryReset(); err != nil {
		errs.HTTPResponse(w, errs.E(opProvision, errs.KindIO, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	if d.FactoryReset != nil {
		d.FactoryReset()
	}
}
