// Package ota implements the gateway's two node-facing OTA delivery
// engines (broadcast-pull, §4.6.1, and targeted-push, §4.6.2) and the
// gateway's own self-OTA partition writer (§4.6.3). At most one
// node-facing job and at most one self-OTA may be in flight at a time;
// Exclusivity enforces that rule for whichever jobs register with it.
package ota

import (
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/errs"
	"github.com/omniapi/gateway/internal/protocol"
)

const opExclusivity errs.Op = "ota.Exclusivity"

// JobKind distinguishes the two exclusivity classes the spec names.
type JobKind uint8

const (
	KindNodeOTA JobKind = iota
	KindSelfOTA
)

// Exclusivity guards the "at most one of each kind in flight" rule
// shared by the broadcast-pull, targeted-push, and self-OTA writer.
type Exclusivity struct {
	mu     sync.Mutex
	active map[JobKind]bool
}

func NewExclusivity() *Exclusivity {
	return &Exclusivity{active: make(map[JobKind]bool)}
}

// Acquire claims kind for the duration of a job. Release must be
// called exactly once when the job reaches a terminal state.
func (e *Exclusivity) Acquire(kind JobKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[kind] {
		return errs.E(opExclusivity, errs.KindConflict, "an OTA job of this kind is already in flight")
	}
	e.active[kind] = true
	return nil
}

func (e *Exclusivity) Release(kind JobKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, kind)
}

func (e *Exclusivity) Active(kind JobKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[kind]
}

// Sender is the subset of the mesh router an OTA engine drives frames
// through. Defined here so ota depends on meshnet only through
// structural typing, never the reverse.
type Sender interface {
	Send(mac protocol.Mac, payload []byte) error
	Broadcast(payload []byte) (int, error)
}

// ChunkSize is the spec's fixed OTA chunk size (§4.6.1/.2): comfortably
// under MaxPayloadSize once header overhead is subtracted.
const ChunkSize = 180

// clampLength applies the broadcast-pull distribution rule: never send
// more than ChunkSize bytes, and never past the end of the image.
func clampLength(requested uint16, offset, totalSize uint32) uint16 {
	max := uint16(ChunkSize)
	if requested < max {
		max = requested
	}
	remaining := totalSize - offset
	if uint32(max) > remaining {
		max = uint16(remaining)
	}
	return max
}

// now is the package's time source, indirected so tests can't be
// flaky on wall-clock scheduling of timeout logic.
var now = time.Now
