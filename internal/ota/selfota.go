package ota

import (
	"io"
	"log/slog"
	"sync"

	"github.com/blang/semver"
	"github.com/minio/selfupdate"

	"github.com/omniapi/gateway/internal/errs"
)

const opSelf errs.Op = "ota.Self"

// GatewayVersion is the running gateway's own semver, compared against
// every self-OTA candidate's declared version before Begin accepts it.
// Bump on release.
const GatewayVersion = "1.0.0"

// imageMagic is the first byte of a valid gateway binary image (ELF,
// the format the gateway itself ships as on its arm64 host).
const imageMagic = 0x7F

// FlashPartition is the gateway's own inactive-partition writer. Real
// is backed by minio/selfupdate's atomic binary replacement; Mock
// buffers in memory so commission/OTA handoff tests don't touch disk.
type FlashPartition interface {
	// Size is the partition's capacity.
	Size() int64
	// Write appends bytes to the partition's staging area.
	Write(p []byte) (int, error)
	// Seal finalizes the write and switches the boot pointer to this
	// partition. The caller is expected to restart the process.
	Seal() error
	// Abort discards whatever has been staged so far. Idempotent.
	Abort() error
}

// RealPartition streams staged bytes into minio/selfupdate, which
// handles the old-binary backup and atomic rename/restore-on-failure
// itself — the same library the gateway uses for its scheduled-check
// self-updater.
type RealPartition struct {
	mu       sync.Mutex
	capacity int64
	pw       *io.PipeWriter
	done     chan error
	sealed   bool
	aborted  bool
}

func NewRealPartition(capacity int64) *RealPartition {
	return &RealPartition{capacity: capacity}
}

func (p *RealPartition) Size() int64 { return p.capacity }

func (p *RealPartition) start() {
	pr, pw := io.Pipe()
	p.pw = pw
	p.done = make(chan error, 1)
	go func() {
		p.done <- selfupdate.Apply(pr, selfupdate.Options{})
	}()
}

func (p *RealPartition) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.pw == nil {
		p.start()
	}
	pw := p.pw
	p.mu.Unlock()
	return pw.Write(b)
}

func (p *RealPartition) Seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return nil
	}
	if p.pw == nil {
		return errs.E(opSelf, errs.KindInvalid, "no bytes staged")
	}
	p.pw.Close()
	err := <-p.done
	p.sealed = true
	if err != nil {
		return errs.E(opSelf, errs.KindSystem, err, "self-update apply failed")
	}
	return nil
}

func (p *RealPartition) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted || p.sealed {
		return nil
	}
	if p.pw != nil {
		p.pw.CloseWithError(errs.E(opSelf, "aborted"))
		<-p.done
	}
	p.aborted = true
	return nil
}

// MockPartition buffers writes in memory for tests.
type MockPartition struct {
	mu       sync.Mutex
	capacity int64
	buf      []byte
	Sealed   bool
	Aborted  bool
}

func NewMockPartition(capacity int64) *MockPartition {
	return &MockPartition{capacity: capacity}
}

func (p *MockPartition) Size() int64 { return p.capacity }

func (p *MockPartition) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
	return len(b), nil
}

func (p *MockPartition) Seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Sealed = true
	return nil
}

func (p *MockPartition) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Aborted = true
	p.buf = nil
	return nil
}

func (p *MockPartition) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.buf...)
}

// PartitionFactory locates the next inactive partition; the real
// implementation inspects the boot pointer, the mock always hands back
// a fixed-capacity MockPartition.
type PartitionFactory func() (FlashPartition, error)

// SelfUpdater is the self-OTA writer (spec §4.6.3): begin/write/end/abort.
type SelfUpdater struct {
	mu sync.Mutex

	factory        PartitionFactory
	excl           *Exclusivity
	runningVersion string

	active       bool
	partition    FlashPartition
	expectedSize int64
	written      int64
	firstWrite   bool
}

func NewSelfUpdater(factory PartitionFactory, excl *Exclusivity, runningVersion string) *SelfUpdater {
	return &SelfUpdater{factory: factory, excl: excl, runningVersion: runningVersion}
}

// Begin claims self-OTA exclusivity, rejects candidateVersion unless it
// is strictly newer than the running gateway's own version, locates the
// next partition, and rejects if expectedSize exceeds its capacity.
func (s *SelfUpdater) Begin(expectedSize int64, candidateVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return errs.E(opSelf, errs.KindConflict, "self-OTA already active")
	}

	newer, err := CompareVersion(s.runningVersion, candidateVersion)
	if err != nil {
		return errs.E(opSelf, err)
	}
	if !newer {
		return errs.E(opSelf, errs.KindConflict, "candidate firmware is not newer than the running version")
	}

	if err := s.excl.Acquire(KindSelfOTA); err != nil {
		return errs.E(opSelf, err)
	}

	partition, err := s.factory()
	if err != nil {
		s.excl.Release(KindSelfOTA)
		return errs.E(opSelf, errs.KindSystem, err, "could not locate update partition")
	}
	if expectedSize > partition.Size() {
		s.excl.Release(KindSelfOTA)
		return errs.E(opSelf, errs.KindInvalid, "image exceeds partition capacity")
	}

	s.partition = partition
	s.expectedSize = expectedSize
	s.written = 0
	s.firstWrite = true
	s.active = true
	return nil
}

// Write stages the next chunk. The very first call inspects the image
// magic; a mismatch aborts the whole job.
func (s *SelfUpdater) Write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return errs.E(opSelf, errs.KindConflict, "self-OTA not active")
	}

	if s.firstWrite {
		s.firstWrite = false
		if len(b) == 0 || b[0] != imageMagic {
			s.abortLocked()
			return errs.E(opSelf, errs.KindInvalid, "bad image magic")
		}
	}

	if _, err := s.partition.Write(b); err != nil {
		s.abortLocked()
		return errs.E(opSelf, errs.KindIO, err, "partition write failed")
	}
	s.written += int64(len(b))
	return nil
}

// End seals the partition and switches the boot pointer. The caller
// must restart the process for the new image to take effect.
func (s *SelfUpdater) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return errs.E(opSelf, errs.KindConflict, "self-OTA not active")
	}
	if s.written != s.expectedSize {
		s.abortLocked()
		return errs.E(opSelf, errs.KindInvalid, "written size does not match expected size")
	}
	if err := s.partition.Seal(); err != nil {
		s.abortLocked()
		return err
	}
	slog.Info("ota: self-update sealed, restart required", "bytes", s.written)
	s.active = false
	s.excl.Release(KindSelfOTA)
	return nil
}

// Abort is idempotent: calling it when nothing is active is a no-op.
func (s *SelfUpdater) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortLocked()
}

func (s *SelfUpdater) abortLocked() error {
	if !s.active {
		return nil
	}
	if s.partition != nil {
		s.partition.Abort()
	}
	s.active = false
	s.excl.Release(KindSelfOTA)
	return nil
}

func (s *SelfUpdater) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CompareVersion reports whether candidate is strictly newer than
// current, using the same semver comparison the teacher's scheduled
// update checker applies before ever reaching the writer.
func CompareVersion(current, candidate string) (bool, error) {
	vCurrent, err := semver.Make(current)
	if err != nil {
		return false, errs.E(opSelf, errs.KindInvalid, err, "invalid current version")
	}
	vCandidate, err := semver.Make(candidate)
	if err != nil {
		return false, errs.E(opSelf, errs.KindInvalid, err, "invalid candidate version")
	}
	return vCandidate.GT(vCurrent), nil
}
