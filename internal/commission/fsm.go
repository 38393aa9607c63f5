// Package commission implements the commissioning finite-state machine
// (spec §4.5): the gateway is always in exactly one of two mesh modes,
// Production or Discovery, and moves nodes from an open discovery mesh
// onto the operational mesh under a Commission/CommissionAck handshake.
package commission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/errs"
	"github.com/omniapi/gateway/internal/meshnet"
	"github.com/omniapi/gateway/internal/protocol"
)

const (
	opStartScan     errs.Op = "commission.StartScan"
	opStopScan      errs.Op = "commission.StopScan"
	opCommission    errs.Op = "commission.Commission"
	opDecommission  errs.Op = "commission.Decommission"
)

// Mode is the mesh the gateway currently has joined.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeDiscovery  Mode = "discovery"
)

const (
	productionMeshID = "OMNIAP"
	discoveryMeshID  = "OMNIDS"

	// AckTimeout bounds how long commission/decommission wait for the
	// node's ack before reporting a timeout failure.
	AckTimeout = 5 * time.Second
)

// DiscoveredNode is one row of the FSM's in-memory scan table.
type DiscoveredNode struct {
	Mac          protocol.Mac
	DeviceType   protocol.DeviceType
	FwVersion    uint32
	Commissioned bool
	RSSI         int8
	SeenAt       time.Time
}

// Result is what commission/decommission publish to the event bus.
type Result struct {
	Mac     protocol.Mac
	Success bool
	Reason  string // "timeout", "" on success
}

// EventSink is the subset of the event bus commissioning results
// publish to.
type EventSink interface {
	PublishCommissionResult(op string, r Result)
}

// Sender is the subset of the mesh router the FSM needs: mode
// switching and unicast send. Defined here (not satisfied by
// *meshnet.Router directly in signature terms alone) because Go
// structural typing lets *meshnet.Router satisfy it without an import
// cycle — commission depends on meshnet, never the reverse.
type Sender interface {
	StartWithID(ctx context.Context, meshID, psk string) error
	Send(mac protocol.Mac, payload []byte) error
	Broadcast(payload []byte) (int, error)
}

// FSM is the commissioning state machine. It is safe for concurrent use.
type FSM struct {
	mu sync.Mutex

	mode            Mode
	productionPSK   string
	discoveryPSK    string
	plantID         [32]byte
	scanning        bool
	scanResults     map[protocol.Mac]DiscoveredNode

	pending map[protocol.Mac]chan protocol.CommissionAckPayload

	sender   Sender
	registry *meshnet.Registry
	events   EventSink
}

// Config seeds the two mesh PSKs and the plant identifier the FSM
// stamps into every Commission message.
type Config struct {
	ProductionPSK string
	DiscoveryPSK  string
	PlantID       [32]byte
}

func New(cfg Config, sender Sender, registry *meshnet.Registry, events EventSink) *FSM {
	return &FSM{
		mode:          ModeProduction,
		productionPSK: cfg.ProductionPSK,
		discoveryPSK:  cfg.DiscoveryPSK,
		plantID:       cfg.PlantID,
		scanResults:   make(map[protocol.Mac]DiscoveredNode),
		pending:       make(map[protocol.Mac]chan protocol.CommissionAckPayload),
		sender:        sender,
		registry:      registry,
		events:        events,
	}
}

// Mode satisfies meshnet.Commissioning.
func (f *FSM) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.mode)
}

// StartScan tears the mesh down and re-enters Discovery, clearing any
// prior scan table. Requires the gateway to currently be in Production.
func (f *FSM) StartScan(ctx context.Context) error {
	f.mu.Lock()
	if f.mode != ModeProduction {
		f.mu.Unlock()
		return errs.E(opStartScan, errs.KindConflict, "scan requires production mode")
	}
	f.mu.Unlock()

	if err := f.sender.StartWithID(ctx, discoveryMeshID, f.discoveryPSK); err != nil {
		return errs.E(opStartScan, errs.KindNetwork, err, "failed to switch to discovery mesh")
	}

	f.mu.Lock()
	f.mode = ModeDiscovery
	f.scanning = true
	f.scanResults = make(map[protocol.Mac]DiscoveredNode)
	f.mu.Unlock()

	frame, err := protocol.Encode(protocol.MsgScanRequest, 0, nil)
	if err != nil {
		return errs.E(opStartScan, err)
	}
	if _, err := f.sender.Broadcast(frame); err != nil {
		slog.Warn("commission: scan request broadcast failed", "err", err)
	}
	return nil
}

// StopScan returns to Production mode.
func (f *FSM) StopScan(ctx context.Context) error {
	if err := f.sender.StartWithID(ctx, productionMeshID, f.productionPSK); err != nil {
		return errs.E(opStopScan, errs.KindNetwork, err, "failed to return to production mesh")
	}
	f.mu.Lock()
	f.mode = ModeProduction
	f.scanning = false
	f.mu.Unlock()
	return nil
}

// ScanResults returns the current discovery table.
func (f *FSM) ScanResults() []DiscoveredNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DiscoveredNode, 0, len(f.scanResults))
	for _, n := range f.scanResults {
		out = append(out, n)
	}
	return out
}

// addDiscovered updates-or-inserts a node in the scan table. Called
// from ScanResponse and from a NodeAnnounce(commissioned=false) seen
// while in discovery mode.
func (f *FSM) addDiscovered(mac protocol.Mac, dt protocol.DeviceType, fw uint32, commissioned bool, rssi int8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanResults[mac] = DiscoveredNode{
		Mac:          mac,
		DeviceType:   dt,
		FwVersion:    fw,
		Commissioned: commissioned,
		RSSI:         rssi,
		SeenAt:       time.Now(),
	}
}

// HandleScanResponse satisfies meshnet.Commissioning.
func (f *FSM) HandleScanResponse(p protocol.ScanResponsePayload) {
	f.addDiscovered(p.Mac, p.DeviceType, p.FwVersion, p.Commissioned, p.RSSI)
}

// HandleLateAnnounce satisfies meshnet.Commissioning: a NodeAnnounce
// with commissioned=false seen while in discovery mode is treated the
// same as a scan response.
func (f *FSM) HandleLateAnnounce(p protocol.NodeAnnouncePayload) {
	f.addDiscovered(p.Mac, p.DeviceType, p.FwVersion, false, 0)
}

// HandleCommissionAck satisfies meshnet.Commissioning: delivers the ack
// to whichever goroutine is awaiting it in Commission.
func (f *FSM) HandleCommissionAck(p protocol.CommissionAckPayload) {
	f.deliverAck(p)
}

// HandleDecommissionAck shares CommissionAckPayload's shape on the wire
// (spec §4.4) and the same pending-ack table.
func (f *FSM) HandleDecommissionAck(p protocol.CommissionAckPayload) {
	f.deliverAck(p)
}

func (f *FSM) deliverAck(p protocol.CommissionAckPayload) {
	f.mu.Lock()
	ch, ok := f.pending[p.Mac]
	f.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// Commission sends a Commission message to mac and awaits its ack
// within AckTimeout. Per spec §4.5, success leaves the node to reappear
// on production; the result is always published to the event bus.
func (f *FSM) Commission(ctx context.Context, mac protocol.Mac, name string) error {
	f.mu.Lock()
	if f.mode != ModeDiscovery {
		f.mu.Unlock()
		return errs.E(opCommission, errs.KindConflict, "commission requires discovery mode")
	}
	f.mu.Unlock()

	var networkID [6]byte
	copy(networkID[:], productionMeshID)
	var networkKey [32]byte
	copy(networkKey[:], f.productionPSK)
	var nameBuf [32]byte
	copy(nameBuf[:], name)

	payload := protocol.EncodeCommission(protocol.CommissionPayload{
		TargetMac:  mac,
		NetworkID:  networkID,
		NetworkKey: networkKey,
		PlantID:    f.plantID,
		NodeName:   nameBuf,
	})
	frame, err := protocol.Encode(protocol.MsgCommission, 0, payload)
	if err != nil {
		return errs.E(opCommission, err)
	}

	ack, ok := f.awaitAck(ctx, mac, frame)
	result := Result{Mac: mac}
	if !ok {
		result.Reason = "timeout"
	} else if ack.Status != 0 {
		result.Reason = "rejected"
	} else {
		result.Success = true
	}
	if f.events != nil {
		f.events.PublishCommissionResult("commission", result)
	}
	if !result.Success {
		return errs.E(opCommission, errs.KindNetwork, result.Reason)
	}
	return nil
}

// Decommission sends a Decommission message to mac and, on ack,
// removes it from the node registry.
func (f *FSM) Decommission(ctx context.Context, mac protocol.Mac) error {
	f.mu.Lock()
	if f.mode != ModeProduction {
		f.mu.Unlock()
		return errs.E(opDecommission, errs.KindConflict, "decommission requires production mode")
	}
	f.mu.Unlock()

	payload := protocol.EncodeDecommission(protocol.DecommissionPayload{TargetMac: mac})
	frame, err := protocol.Encode(protocol.MsgDecommission, 0, payload)
	if err != nil {
		return errs.E(opDecommission, err)
	}

	ack, ok := f.awaitAck(ctx, mac, frame)
	result := Result{Mac: mac}
	if !ok {
		result.Reason = "timeout"
	} else if ack.Status != 0 {
		result.Reason = "rejected"
	} else {
		result.Success = true
		f.registry.Remove(mac)
	}
	if f.events != nil {
		f.events.PublishCommissionResult("decommission", result)
	}
	if !result.Success {
		return errs.E(opDecommission, errs.KindNetwork, result.Reason)
	}
	return nil
}

// Identify sends an Identify message; no ack is expected on the wire.
func (f *FSM) Identify(mac protocol.Mac) error {
	payload := protocol.EncodeIdentify(protocol.IdentifyPayload{TargetMac: mac})
	frame, err := protocol.Encode(protocol.MsgIdentify, 0, payload)
	if err != nil {
		return err
	}
	return f.sender.Send(mac, frame)
}

// awaitAck registers a pending-ack channel for mac, sends frame, and
// waits up to AckTimeout (bounded further by ctx) for a reply.
func (f *FSM) awaitAck(ctx context.Context, mac protocol.Mac, frame []byte) (protocol.CommissionAckPayload, bool) {
	ch := make(chan protocol.CommissionAckPayload, 1)
	f.mu.Lock()
	f.pending[mac] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pending, mac)
		f.mu.Unlock()
	}()

	if err := f.sender.Send(mac, frame); err != nil {
		slog.Warn("commission: send failed", "mac", mac, "err", err)
		return protocol.CommissionAckPayload{}, false
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, AckTimeout)
	defer cancel()

	select {
	case ack := <-ch:
		return ack, true
	case <-timeoutCtx.Done():
		return protocol.CommissionAckPayload{}, false
	}
}
