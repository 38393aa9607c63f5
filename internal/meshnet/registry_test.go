package meshnet

import (
	"testing"

	"github.com/omniapi/gateway/internal/protocol"
)

func mustMac(t *testing.T, s string) protocol.Mac {
	t.Helper()
	m, err := protocol.ParseMac(s)
	if err != nil {
		t.Fatalf("ParseMac(%q): %v", s, err)
	}
	return m
}

// Seed scenario 1: heartbeat admission.
func TestUpdateFromHeartbeatAck_AdmitsNewNode(t *testing.T) {
	reg := NewRegistry(DefaultCapacity)
	mac := mustMac(t, "01:02:03:04:05:06")

	result := reg.UpdateFromHeartbeatAck(mac, HeartbeatFields{
		DeviceType: protocol.DeviceRelay,
		Status:     protocol.StatusOnline,
		MeshLayer:  2,
		RSSI:       -60,
		FwVersion:  protocol.PackVersion(1, 2, 3),
		UptimeSec:  120,
	}, 1_000)

	if result != Added {
		t.Fatalf("result = %v, want Added", result)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}

	rec, ok := reg.Get(mac)
	if !ok {
		t.Fatal("expected record present")
	}
	if rec.Status != protocol.StatusOnline {
		t.Errorf("Status = %v, want Online", rec.Status)
	}
	if rec.Firmware() != "1.2.3" {
		t.Errorf("Firmware() = %q, want %q", rec.Firmware(), "1.2.3")
	}
	if rec.MeshLayer != 2 {
		t.Errorf("MeshLayer = %d, want 2", rec.MeshLayer)
	}
}

// Seed scenario 2: timeout sweep.
func TestSweep_MarksExpiredOffline(t *testing.T) {
	reg := NewRegistry(DefaultCapacity)
	mac := mustMac(t, "01:02:03:04:05:06")
	reg.UpdateFromHeartbeatAck(mac, HeartbeatFields{Status: protocol.StatusOnline}, 0)

	const timeoutMs = 90_000
	expired := reg.Sweep(91_000, timeoutMs)

	if len(expired) != 1 || expired[0] != mac {
		t.Fatalf("Sweep expired = %v, want [%v]", expired, mac)
	}
	rec, ok := reg.Get(mac)
	if !ok {
		t.Fatal("node should still be present after sweep")
	}
	if rec.Status != protocol.StatusOffline {
		t.Errorf("Status after sweep = %v, want Offline", rec.Status)
	}
}

// Registry idempotence: N consecutive Add calls produce exactly one
// entry and LastSeen is non-decreasing.
func TestAdd_Idempotent(t *testing.T) {
	reg := NewRegistry(DefaultCapacity)
	mac := mustMac(t, "AA:BB:CC:DD:EE:FF")

	lastSeen := int64(-1)
	for i, now := range []int64{100, 200, 150, 300} {
		result := reg.Add(mac, now)
		if i == 0 {
			if result != Added {
				t.Fatalf("first Add = %v, want Added", result)
			}
		} else if result != Existed {
			t.Fatalf("Add #%d = %v, want Existed", i, result)
		}
		rec, _ := reg.Get(mac)
		if rec.LastSeen < lastSeen {
			t.Errorf("LastSeen decreased: %d -> %d", lastSeen, rec.LastSeen)
		}
		lastSeen = rec.LastSeen
	}

	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after repeated Add", reg.Len())
	}
}

// Liveness monotone: once sweep marks a node offline at T, a later
// sweep with a larger now and no intervening update cannot re-mark it
// online (sweep only ever turns Online -> Offline).
func TestSweep_Monotone(t *testing.T) {
	reg := NewRegistry(DefaultCapacity)
	mac := mustMac(t, "01:02:03:04:05:06")
	reg.UpdateFromHeartbeatAck(mac, HeartbeatFields{Status: protocol.StatusOnline}, 0)

	reg.Sweep(100_000, 90_000)
	rec, _ := reg.Get(mac)
	if rec.Status != protocol.StatusOffline {
		t.Fatalf("expected Offline after first sweep, got %v", rec.Status)
	}

	reg.Sweep(200_000, 90_000)
	rec, _ = reg.Get(mac)
	if rec.Status != protocol.StatusOffline {
		t.Errorf("node was re-animated by a later sweep: %v", rec.Status)
	}
}

func TestAdd_RespectsCapacity(t *testing.T) {
	reg := NewRegistry(1)
	a := mustMac(t, "00:00:00:00:00:01")
	b := mustMac(t, "00:00:00:00:00:02")

	if result := reg.Add(a, 0); result != Added {
		t.Fatalf("Add(a) = %v, want Added", result)
	}
	if result := reg.Add(b, 0); result != Full {
		t.Fatalf("Add(b) = %v, want Full", result)
	}
}

func TestRemove(t *testing.T) {
	reg := NewRegistry(DefaultCapacity)
	mac := mustMac(t, "01:02:03:04:05:06")

	if result := reg.Remove(mac); result != NotFound {
		t.Fatalf("Remove on empty registry = %v, want NotFound", result)
	}
	reg.Add(mac, 0)
	if result := reg.Remove(mac); result != Found {
		t.Fatalf("Remove = %v, want Found", result)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Remove", reg.Len())
	}
}
