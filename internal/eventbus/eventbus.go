// Package eventbus is the gateway's one fan-out point: a bounded log
// buffer plus a set of structured event subscribers (WebSocket clients,
// optionally an MQTT log topic). Every other subsystem — the mesh
// router, the commissioning FSM, the OTA engines, the uplink supervisor
// — publishes through the narrow EventSink interface it defines for
// itself; this package is the one concrete implementation of all of
// them (spec §4.7).
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/commission"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
)

// LogCapacity is the minimum circular-buffer size required by spec §4.7.
const LogCapacity = 64

// MaxMessageLen truncates any single log message to the wire's budget.
const MaxMessageLen = 127

// LogEntry is one slot of the circular log buffer.
type LogEntry struct {
	MonotonicSeconds int64  `json:"ts"`
	Message          string `json:"msg"`
}

// Event is the structured frame pushed to every subscriber.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Subscriber receives fanned-out events; a WebSocket connection wrapper
// implements this in internal/api. Send must not block indefinitely —
// a slow or dead subscriber is dropped by the bus on the first error.
type Subscriber interface {
	ID() string
	Send(Event) error
}

// MQTTPublisher is the narrow slice of the northbound MQTT client the
// bus needs to mirror log lines and high-level events onto topics.
// Optional: a nil publisher just skips the MQTT fan-out.
type MQTTPublisher interface {
	Publish(topic string, payload []byte) error
}

// Bus owns the circular log buffer and the live subscriber set, and
// implements every subsystem's EventSink interface so it can be wired
// in directly at construction time.
type Bus struct {
	mu   sync.Mutex
	log  []LogEntry
	next int
	size int

	subs  map[string]Subscriber
	mqtt  MQTTPublisher
	start time.Time
}

// New returns a Bus with an empty ring buffer of LogCapacity entries.
// mqtt may be nil if no broker is configured yet; Bus.SetMQTT can wire
// one in later once provisioning completes.
func New(mqtt MQTTPublisher) *Bus {
	return &Bus{
		log:   make([]LogEntry, LogCapacity),
		subs:  make(map[string]Subscriber),
		mqtt:  mqtt,
		start: time.Now(),
	}
}

// SetMQTT wires (or replaces) the optional MQTT fan-out target.
func (b *Bus) SetMQTT(mqtt MQTTPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mqtt = mqtt
}

// Subscribe registers a subscriber for fan-out. Re-subscribing with the
// same ID replaces the previous entry.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ID()] = s
}

// Unsubscribe removes a subscriber, if present.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SubscriberCount reports the current live subscriber count.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Logf writes one entry to the circular buffer and fans out a
// {type:"log", ts, msg} event. Messages longer than MaxMessageLen are
// truncated; it never returns an error, matching the teacher's
// best-effort slog-style logging calls.
func (b *Bus) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > MaxMessageLen {
		msg = msg[:MaxMessageLen]
	}
	entry := LogEntry{MonotonicSeconds: int64(time.Since(b.start).Seconds()), Message: msg}

	b.mu.Lock()
	b.log[b.next] = entry
	b.next = (b.next + 1) % LogCapacity
	if b.size < LogCapacity {
		b.size++
	}
	b.mu.Unlock()

	slog.Debug("eventbus: log", "msg", msg)
	b.Publish(Event{Type: "log", Payload: entry})
	b.publishMQTT("log", entry)
}

// Logs returns the buffered entries in chronological order.
func (b *Bus) Logs() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]LogEntry, 0, b.size)
	start := (b.next - b.size + LogCapacity) % LogCapacity
	for i := 0; i < b.size; i++ {
		out = append(out, b.log[(start+i)%LogCapacity])
	}
	return out
}

// Publish fans an arbitrary event out to every live subscriber. A
// subscriber whose Send fails is dropped immediately (spec §4.7).
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.Send(ev); err != nil {
			slog.Debug("eventbus: dropping unresponsive subscriber", "id", s.ID(), "err", err)
			b.Unsubscribe(s.ID())
		}
	}
}

func (b *Bus) publishMQTT(topic string, payload any) {
	b.mu.Lock()
	mqtt := b.mqtt
	b.mu.Unlock()
	if mqtt == nil {
		return
	}
	// Best-effort: MQTT auto-reconnects on its own (spec §7); the bus
	// never retries a failed publish itself.
	body := fmt.Sprintf("%v", payload)
	if err := mqtt.Publish("omniapi/gateway/"+topic, []byte(body)); err != nil {
		slog.Debug("eventbus: mqtt publish failed", "topic", topic, "err", err)
	}
}

// --- meshnet.EventSink ---

func (b *Bus) PublishNodeOnline(mac protocol.Mac) {
	b.Publish(Event{Type: "node_online", Payload: map[string]string{"mac": mac.String()}})
}

func (b *Bus) PublishRelayStatus(mac protocol.Mac, p protocol.RelayStatusPayload) {
	b.Publish(Event{Type: "relay_status", Payload: map[string]any{
		"mac": mac.String(), "channel": p.Channel, "state": p.State,
	}})
}

func (b *Bus) PublishLedStatus(mac protocol.Mac, p protocol.LedStatusPayload) {
	b.Publish(Event{Type: "led_status", Payload: map[string]any{
		"mac": mac.String(), "on": p.On, "r": p.R, "g": p.G, "b": p.B,
		"brightness": p.Brightness, "effect_id": p.EffectID,
	}})
}

// --- commission.EventSink ---

func (b *Bus) PublishCommissionResult(op string, r commission.Result) {
	b.Publish(Event{Type: "commission_result", Payload: map[string]any{
		"op": op, "mac": r.Mac.String(), "success": r.Success, "reason": r.Reason,
	}})
	b.publishMQTT("commission/result", r)
}

// --- ota.EventSink ---

func (b *Bus) PublishOTASummary(kind string, s ota.BroadcastSummary) {
	b.Publish(Event{Type: "ota_progress", Payload: map[string]any{
		"kind": kind, "state": s.State.String(), "version": s.Version,
		"device_type": s.DeviceType, "completed": s.Completed, "failed": s.Failed, "reason": s.Reason,
	}})
	b.publishMQTT("ota/progress", s)
}
