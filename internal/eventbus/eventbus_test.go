package eventbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/omniapi/gateway/internal/commission"
	"github.com/omniapi/gateway/internal/protocol"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	id       string
	received []Event
	fail     bool
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send failed")
	}
	s.received = append(s.received, ev)
	return nil
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

type fakeMQTT struct {
	mu    sync.Mutex
	calls []string
}

func (m *fakeMQTT) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, topic)
	return nil
}

func (m *fakeMQTT) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestLogf_TruncatesLongMessages(t *testing.T) {
	b := New(nil)
	b.Logf("%s", strings.Repeat("x", 500))

	logs := b.Logs()
	if len(logs) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logs))
	}
	if len(logs[0].Message) != MaxMessageLen {
		t.Errorf("Message length = %d, want %d", len(logs[0].Message), MaxMessageLen)
	}
}

func TestLogf_RingBufferWrapsAtCapacity(t *testing.T) {
	b := New(nil)
	for i := 0; i < LogCapacity+10; i++ {
		b.Logf("entry %d", i)
	}

	logs := b.Logs()
	if len(logs) != LogCapacity {
		t.Fatalf("expected buffer capped at %d entries, got %d", LogCapacity, len(logs))
	}
	want := fmt.Sprintf("entry %d", 10)
	if logs[0].Message != want {
		t.Errorf("oldest surviving entry = %q, want %q", logs[0].Message, want)
	}
	wantLast := fmt.Sprintf("entry %d", LogCapacity+9)
	if logs[len(logs)-1].Message != wantLast {
		t.Errorf("newest entry = %q, want %q", logs[len(logs)-1].Message, wantLast)
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	a := &fakeSubscriber{id: "a"}
	c := &fakeSubscriber{id: "b"}
	b.Subscribe(a)
	b.Subscribe(c)

	b.Publish(Event{Type: "test"})

	if a.count() != 1 || c.count() != 1 {
		t.Fatalf("expected both subscribers to receive the event, got a=%d b=%d", a.count(), c.count())
	}
}

func TestPublish_DropsFailingSubscriber(t *testing.T) {
	b := New(nil)
	bad := &fakeSubscriber{id: "bad", fail: true}
	b.Subscribe(bad)

	if b.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber before publish")
	}
	b.Publish(Event{Type: "test"})
	if b.SubscriberCount() != 0 {
		t.Error("expected failing subscriber to be dropped after Send fails")
	}
}

func TestLogf_MirrorsToMQTT(t *testing.T) {
	mqtt := &fakeMQTT{}
	b := New(mqtt)
	b.Logf("hello")

	if mqtt.count() != 1 {
		t.Fatalf("expected one MQTT publish, got %d", mqtt.count())
	}
}

func TestPublishCommissionResult(t *testing.T) {
	b := New(nil)
	sub := &fakeSubscriber{id: "s"}
	b.Subscribe(sub)

	mac, err := protocol.ParseMac("01:02:03:04:05:06")
	if err != nil {
		t.Fatalf("ParseMac: %v", err)
	}
	b.PublishCommissionResult("commission", commission.Result{Mac: mac, Success: true})

	if sub.count() != 1 {
		t.Fatalf("expected commission result to fan out, got %d events", sub.count())
	}
	if sub.received[0].Type != "commission_result" {
		t.Errorf("event type = %q, want commission_result", sub.received[0].Type)
	}
}
