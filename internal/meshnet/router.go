package meshnet

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/omniapi/gateway/internal/protocol"
)

// Commissioning is the subset of the commissioning FSM the router needs.
// Defined here, implemented by the commission package, to avoid an
// import cycle between meshnet and commission (the FSM also needs to
// send frames through the router).
type Commissioning interface {
	HandleScanResponse(protocol.ScanResponsePayload)
	HandleCommissionAck(protocol.CommissionAckPayload)
	HandleDecommissionAck(protocol.CommissionAckPayload)
	HandleLateAnnounce(protocol.NodeAnnouncePayload)
	Mode() string // "production" or "discovery"
}

// OTAEngine is the subset either OTA sub-engine exposes to the router.
// Both the broadcast-pull and targeted-push engines implement it; the
// router delivers Complete/Failed to both and lets each decide whether
// it owns the MAC.
type OTAEngine interface {
	HandleOtaRequest(protocol.OtaRequestPayload)
	HandleOtaComplete(protocol.OtaCompletePayload)
	HandleOtaFailed(protocol.OtaFailedPayload)
	HandleOtaAck(protocol.OtaAckPayload)
}

// EventSink is the subset of the event bus the router publishes
// node-state and lifecycle notices to.
type EventSink interface {
	PublishNodeOnline(mac protocol.Mac)
	PublishRelayStatus(mac protocol.Mac, p protocol.RelayStatusPayload)
	PublishLedStatus(mac protocol.Mac, p protocol.LedStatusPayload)
}

// RouterStats are the router's own error/drop counters, exposed
// alongside the transport's link counters on the status endpoint.
type RouterStats struct {
	FramesDropped uint64
	SendErrors    uint64
	UnknownTypes  uint64
}

// Router is the root-side mesh router (spec §4.4). It owns the
// transport lifecycle and dispatches every received frame to the
// subsystem that owns its message type.
type Router struct {
	transport Transport
	registry  *Registry
	commiss   Commissioning
	pullEngine   OTAEngine
	pushEngine   OTAEngine
	events    EventSink

	framesDropped atomic.Uint64
	sendErrors    atomic.Uint64
	unknownTypes  atomic.Uint64
}

// NewRouter wires a Router to its collaborators. pullEngine and
// pushEngine are the broadcast-pull and targeted-push node OTA
// sub-engines; both observe OtaComplete/OtaFailed and each ignores
// frames for a MAC it doesn't own. The gateway's own self-OTA writer
// is not wired here — it never receives mesh frames.
func NewRouter(transport Transport, registry *Registry, commiss Commissioning, pullEngine, pushEngine OTAEngine, events EventSink) *Router {
	r := &Router{
		transport: transport,
		registry:  registry,
		commiss:   commiss,
		pullEngine:   pullEngine,
		pushEngine:   pushEngine,
		events:    events,
	}
	transport.OnReceive(r.handleReceive)
	transport.OnChildConnect(r.handleChildConnect)
	transport.OnChildDisconnect(r.handleChildDisconnect)
	return r
}

// Init delegates to the transport.
func (r *Router) Init(ctx context.Context) error { return r.transport.Init(ctx) }

// Start joins the mesh in fixed-root configuration.
func (r *Router) Start(ctx context.Context, meshID, psk string) error {
	return r.transport.Start(ctx, meshID, psk)
}

// StartWithID tears down and rejoins under a new mesh identity — the
// switch commissioning uses to move a node from the open discovery
// mesh onto the production mesh.
func (r *Router) StartWithID(ctx context.Context, meshID, psk string) error {
	if err := r.transport.Stop(); err != nil {
		slog.Warn("meshnet: stop before restart failed", "err", err)
	}
	return r.transport.Start(ctx, meshID, psk)
}

func (r *Router) Stop() error { return r.transport.Stop() }

// Send unicasts payload to mac, counting failures.
func (r *Router) Send(mac protocol.Mac, payload []byte) error {
	if err := r.transport.Send(mac, payload); err != nil {
		r.sendErrors.Add(1)
		return err
	}
	return nil
}

// Broadcast unicasts payload to every routable node. Per spec it
// succeeds if at least one send succeeded.
func (r *Router) Broadcast(payload []byte) (int, error) {
	n, err := r.transport.Broadcast(payload)
	if err != nil && n == 0 {
		r.sendErrors.Add(1)
		return 0, err
	}
	return n, nil
}

func (r *Router) BroadcastHeartbeat() error {
	frame, err := protocol.Encode(protocol.MsgHeartbeat, 0, nil)
	if err != nil {
		return err
	}
	_, err = r.Broadcast(frame)
	return err
}

func (r *Router) IsNodeReachable(mac protocol.Mac) bool { return r.transport.IsNodeReachable(mac) }
func (r *Router) RoutingTable() []protocol.Mac          { return r.transport.RoutingTable() }

func (r *Router) Stats() (TransportStats, RouterStats) {
	return r.transport.Stats(), RouterStats{
		FramesDropped: r.framesDropped.Load(),
		SendErrors:    r.sendErrors.Load(),
		UnknownTypes:  r.unknownTypes.Load(),
	}
}

// handleReceive is the transport's installed receive handler (spec
// §4.4 "Receive dispatch"). It never blocks: every branch either
// touches an in-memory collaborator or drops the frame.
func (r *Router) handleReceive(from protocol.Mac, buf []byte) {
	frame, err := protocol.Decode(buf)
	if err != nil {
		slog.Debug("meshnet: dropped malformed frame", "from", from, "err", err)
		r.framesDropped.Add(1)
		return
	}

	switch frame.MsgType {
	case protocol.MsgHeartbeat, protocol.MsgScanRequest:
		// Self-originated types the gateway broadcasts itself; an echo
		// off the mesh is not an error.
		return

	case protocol.MsgHeartbeatAck:
		p, err := protocol.DecodeHeartbeatAck(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		r.registry.UpdateFromHeartbeatAck(p.Mac, HeartbeatFields{
			DeviceType: p.DeviceType,
			Status:     p.Status,
			MeshLayer:  p.MeshLayer,
			RSSI:       p.RSSI,
			FwVersion:  p.FwVersion,
			UptimeSec:  p.Uptime,
		}, nowMillis())

	case protocol.MsgNodeAnnounce:
		p, err := protocol.DecodeNodeAnnounce(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		if p.Commissioned {
			r.registry.Add(p.Mac, nowMillis())
			if r.events != nil {
				r.events.PublishNodeOnline(p.Mac)
			}
			return
		}
		if r.commiss != nil {
			r.commiss.HandleLateAnnounce(p)
		}

	case protocol.MsgScanResponse:
		p, err := protocol.DecodeScanResponse(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		if r.commiss != nil {
			r.commiss.HandleScanResponse(p)
		}

	case protocol.MsgCommissionAck:
		p, err := protocol.DecodeCommissionAck(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		if r.commiss != nil {
			r.commiss.HandleCommissionAck(p)
		}

	case protocol.MsgDecommissionAck:
		p, err := protocol.DecodeCommissionAck(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		if r.commiss != nil {
			r.commiss.HandleDecommissionAck(p)
		}

	case protocol.MsgOtaRequest:
		p, err := protocol.DecodeOtaRequest(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		if r.pullEngine != nil {
			r.pullEngine.HandleOtaRequest(p)
		}

	case protocol.MsgOtaComplete:
		p, err := protocol.DecodeOtaComplete(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		r.fanOutOTA(func(e OTAEngine) { e.HandleOtaComplete(p) })

	case protocol.MsgOtaFailed:
		p, err := protocol.DecodeOtaFailed(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		r.fanOutOTA(func(e OTAEngine) { e.HandleOtaFailed(p) })

	case protocol.MsgOtaAck:
		p, err := protocol.DecodeOtaAck(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		r.fanOutOTA(func(e OTAEngine) { e.HandleOtaAck(p) })

	case protocol.MsgRelayStatus:
		p, err := protocol.DecodeRelayStatus(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		if r.events != nil {
			r.events.PublishRelayStatus(from, p)
		}

	case protocol.MsgLedStatus:
		p, err := protocol.DecodeLedStatus(frame.Payload)
		if err != nil {
			r.drop(frame, err)
			return
		}
		if r.events != nil {
			r.events.PublishLedStatus(from, p)
		}

	default:
		r.unknownTypes.Add(1)
		slog.Debug("meshnet: unknown msg_type dropped", "msg_type", frame.MsgType, "from", from)
	}
}

// fanOutOTA delivers to both OTA engines distinctly, skipping a nil
// engine and tolerating the two engines being the same value.
func (r *Router) fanOutOTA(f func(OTAEngine)) {
	if r.pullEngine != nil {
		f(r.pullEngine)
	}
	if r.pushEngine != nil && r.pushEngine != r.pullEngine {
		f(r.pushEngine)
	}
}

func (r *Router) drop(frame protocol.Frame, err error) {
	r.framesDropped.Add(1)
	slog.Debug("meshnet: dropped frame with bad payload", "msg_type", frame.MsgType, "err", err)
}

// handleChildConnect surfaces mesh topology joins. Per spec this only
// drives registry admission in production mode — discovery mode relies
// on the protocol-level announce/scan-response messages instead.
func (r *Router) handleChildConnect(mac protocol.Mac) {
	if r.commiss != nil && r.commiss.Mode() == "discovery" {
		return
	}
	r.registry.Add(mac, nowMillis())
	if r.events != nil {
		r.events.PublishNodeOnline(mac)
	}
}

func (r *Router) handleChildDisconnect(mac protocol.Mac) {
	if r.commiss != nil && r.commiss.Mode() == "discovery" {
		return
	}
	r.registry.SetOffline(mac)
}
