package meshnet

import (
	"context"
	"sync"

	"github.com/omniapi/gateway/internal/protocol"
)

// Transport is the narrow interface the router needs from the mesh radio
// library. The actual mesh stack (self-healing tree formation, layer
// assignment, AES-CCM link encryption) is treated as an external
// dependency the gateway drives but does not implement — the same way
// the platform packages drive a real OS tool through a narrow Runner
// interface rather than re-implementing it.
type Transport interface {
	// Init prepares the transport but does not join or form a mesh yet.
	Init(ctx context.Context) error
	// Start joins (or forms, if root and none is reachable) the mesh
	// identified by meshID, secured with psk.
	Start(ctx context.Context, meshID string, psk string) error
	// Stop tears the mesh connection down.
	Stop() error

	// Send delivers payload to a single node by MAC. Returns an error
	// if the node is not currently reachable.
	Send(mac protocol.Mac, payload []byte) error
	// Broadcast delivers payload to every reachable node and reports
	// how many sends were attempted.
	Broadcast(payload []byte) (int, error)

	// IsNodeReachable reports whether mac currently has a route.
	IsNodeReachable(mac protocol.Mac) bool
	// RoutingTable lists every MAC the transport currently has a route to.
	RoutingTable() []protocol.Mac
	// Stats reports point-in-time link counters for the status surface.
	Stats() TransportStats

	// OnReceive registers the callback the transport invokes for every
	// frame it receives from the mesh, regardless of source node.
	OnReceive(func(from protocol.Mac, frame []byte))
	// OnChildConnect / OnChildDisconnect register mesh-topology change
	// callbacks; the router uses these only for logging and event-bus
	// notices, never for registry admission (that happens on
	// Heartbeat/HeartbeatAck, matching the hardware's own behavior of
	// sending a topology event well before a node is commissioned).
	OnChildConnect(func(mac protocol.Mac))
	OnChildDisconnect(func(mac protocol.Mac))
}

// TransportStats mirrors the counters the status endpoint and event bus
// surface about the mesh link itself.
type TransportStats struct {
	ConnectedNodes int
	BytesSent      uint64
	BytesReceived  uint64
	FramesSent     uint64
	FramesReceived uint64
}

// MockTransport is an in-memory Transport for tests: Send/Broadcast
// record what was sent instead of touching a radio, and test code can
// invoke the registered callbacks directly to simulate receive events.
type MockTransport struct {
	mu sync.Mutex

	started bool
	meshID  string
	psk     string

	Sent      []MockSend
	Reachable map[protocol.Mac]bool
	stats     TransportStats

	onReceive         func(from protocol.Mac, frame []byte)
	onChildConnect    func(mac protocol.Mac)
	onChildDisconnect func(mac protocol.Mac)
}

// MockSend records one Send or Broadcast call for assertions.
type MockSend struct {
	Mac       protocol.Mac // zero value means Broadcast
	Broadcast bool
	Payload   []byte
}

func NewMockTransport() *MockTransport {
	return &MockTransport{Reachable: make(map[protocol.Mac]bool)}
}

func (m *MockTransport) Init(ctx context.Context) error { return nil }

func (m *MockTransport) Start(ctx context.Context, meshID, psk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.meshID = meshID
	m.psk = psk
	return nil
}

func (m *MockTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}

func (m *MockTransport) Send(mac protocol.Mac, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, MockSend{Mac: mac, Payload: append([]byte(nil), payload...)})
	m.stats.FramesSent++
	m.stats.BytesSent += uint64(len(payload))
	return nil
}

func (m *MockTransport) Broadcast(payload []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, MockSend{Broadcast: true, Payload: append([]byte(nil), payload...)})
	n := len(m.Reachable)
	m.stats.FramesSent += uint64(n)
	m.stats.BytesSent += uint64(len(payload)) * uint64(n)
	return n, nil
}

func (m *MockTransport) IsNodeReachable(mac protocol.Mac) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reachable[mac]
}

func (m *MockTransport) RoutingTable() []protocol.Mac {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Mac, 0, len(m.Reachable))
	for mac, up := range m.Reachable {
		if up {
			out = append(out, mac)
		}
	}
	return out
}

func (m *MockTransport) Stats() TransportStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ConnectedNodes = len(m.RoutingTable())
	return s
}

func (m *MockTransport) OnReceive(fn func(from protocol.Mac, frame []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReceive = fn
}

func (m *MockTransport) OnChildConnect(fn func(mac protocol.Mac)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChildConnect = fn
}

func (m *MockTransport) OnChildDisconnect(fn func(mac protocol.Mac)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChildDisconnect = fn
}

// Deliver is test-only plumbing: it simulates the mesh library handing
// the router a received frame from mac.
func (m *MockTransport) Deliver(mac protocol.Mac, frame []byte) {
	m.mu.Lock()
	m.Reachable[mac] = true
	cb := m.onReceive
	m.stats.FramesReceived++
	m.stats.BytesReceived += uint64(len(frame))
	m.mu.Unlock()
	if cb != nil {
		cb(mac, frame)
	}
}

// ConnectChild is test-only plumbing simulating a mesh topology join.
func (m *MockTransport) ConnectChild(mac protocol.Mac) {
	m.mu.Lock()
	m.Reachable[mac] = true
	cb := m.onChildConnect
	m.mu.Unlock()
	if cb != nil {
		cb(mac)
	}
}

// DisconnectChild is test-only plumbing simulating a mesh topology leave.
func (m *MockTransport) DisconnectChild(mac protocol.Mac) {
	m.mu.Lock()
	m.Reachable[mac] = false
	cb := m.onChildDisconnect
	m.mu.Unlock()
	if cb != nil {
		cb(mac)
	}
}
