package ota

import (
	"context"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/errs"
	"github.com/omniapi/gateway/internal/protocol"
)

// noAckYet is the lastAcked sentinel for a job that has not acknowledged
// any chunk yet — chunk index 0 must still be accepted, so the sentinel
// has to sit below every valid uint16 index.
const noAckYet int32 = -1

const opTargeted errs.Op = "ota.Targeted"

// TargetedState is the single-node push job's lifecycle (spec §4.6.2).
type TargetedState uint8

const (
	TargetedStarting TargetedState = iota
	TargetedSending
	TargetedFinishing
	TargetedComplete
	TargetedFailed
	TargetedAborted
)

func (s TargetedState) String() string {
	switch s {
	case TargetedStarting:
		return "starting"
	case TargetedSending:
		return "sending"
	case TargetedFinishing:
		return "finishing"
	case TargetedComplete:
		return "complete"
	case TargetedFailed:
		return "failed"
	case TargetedAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

const (
	// ChunkAckTimeout bounds how long the gateway waits for a single
	// OtaAck before retrying.
	ChunkAckTimeout = 5 * time.Second
	// MaxChunkRetries is how many times a single chunk is resent on
	// CRC_ERROR/WRITE_ERROR before the job aborts.
	MaxChunkRetries = 3
)

// TargetedParams are the inputs the HTTP API collects before staging
// an upload into the job's BlobStore.
type TargetedParams struct {
	Target protocol.Mac
	Store  BlobStore // already fully written by the API handler
}

// TargetedPushJob flashes a single node over the mesh, streaming chunks
// from the gateway's staging partition rather than holding the whole
// image in RAM (spec §4.6.2).
type TargetedPushJob struct {
	mu sync.Mutex

	target      protocol.Mac
	store       BlobStore
	totalSize   uint32
	chunkSize   uint16
	totalChunks uint16
	crc32       uint32

	state         TargetedState
	reason        string
	bytesSent     uint32
	lastAcked     int32 // highest chunk index acked so far, or noAckYet
	operatorAbort bool  // true only when PushEngine.Abort ended the job

	ackCh   chan protocol.OtaAckPayload
	abortCh chan struct{}
	aborted sync.Once

	sender Sender
}

type PushEngine struct {
	mu      sync.Mutex
	current *TargetedPushJob
	sender  Sender
	excl    *Exclusivity
	events  EventSink
}

func NewPushEngine(sender Sender, excl *Exclusivity, events EventSink) *PushEngine {
	return &PushEngine{sender: sender, excl: excl, events: events}
}

// StartJob claims node-OTA exclusivity and launches the push job.
func (e *PushEngine) StartJob(ctx context.Context, params TargetedParams) (*TargetedPushJob, error) {
	if err := e.excl.Acquire(KindNodeOTA); err != nil {
		return nil, errs.E(opTargeted, err, "node OTA already in flight")
	}

	size := params.Store.Size()
	chunkSize := uint16(ChunkSize)
	totalChunks := uint16((size + int64(chunkSize) - 1) / int64(chunkSize))

	// ackCh is buffered deep enough to hold a stray retransmitted or
	// duplicate ack alongside the real one without either being
	// dropped — awaitAck discards the stale entry itself.
	job := &TargetedPushJob{
		target:      params.Target,
		store:       params.Store,
		totalSize:   uint32(size),
		chunkSize:   chunkSize,
		totalChunks: totalChunks,
		state:       TargetedStarting,
		lastAcked:   noAckYet,
		ackCh:       make(chan protocol.OtaAckPayload, 4),
		abortCh:     make(chan struct{}),
		sender:      e.sender,
	}
	job.crc32 = job.computeCRC()

	e.mu.Lock()
	e.current = job
	e.mu.Unlock()

	go e.run(ctx, job)
	return job, nil
}

func (e *PushEngine) run(ctx context.Context, job *TargetedPushJob) {
	defer func() {
		e.excl.Release(KindNodeOTA)
		e.mu.Lock()
		if e.current == job {
			e.current = nil
		}
		e.mu.Unlock()
		job.store.Close()
		if e.events != nil {
			e.events.PublishOTASummary("targeted", job.summaryAsBroadcast())
		}
	}()

	if err := job.sendBegin(); err != nil {
		job.setFailed(err.Error())
		return
	}

	job.mu.Lock()
	job.state = TargetedSending
	job.mu.Unlock()

	for i := uint16(0); i < job.totalChunks; i++ {
		if err := job.sendChunkWithRetry(ctx, i); err != nil {
			// An operator-requested abort already left the job in
			// TargetedAborted; every other error path (node abort ack,
			// retries exhausted, send failure) surfaces as Failed.
			if !job.isOperatorAbort() {
				job.setFailed(err.Error())
			}
			return
		}
	}

	job.mu.Lock()
	job.state = TargetedFinishing
	job.mu.Unlock()

	if err := job.sendEnd(); err != nil {
		job.setFailed(err.Error())
		return
	}

	job.mu.Lock()
	job.state = TargetedComplete
	job.mu.Unlock()
}

func (j *TargetedPushJob) computeCRC() uint32 {
	h := crc32.NewIEEE()
	buf := make([]byte, 4096)
	var off int64
	for off < int64(j.totalSize) {
		n, _ := j.store.ReadAt(buf, off)
		if n == 0 {
			break
		}
		h.Write(buf[:n])
		off += int64(n)
	}
	return h.Sum32()
}

func (j *TargetedPushJob) sendBegin() error {
	payload := protocol.EncodeOtaBegin(protocol.OtaBeginPayload{
		Target:      j.target,
		TotalSize:   j.totalSize,
		ChunkSize:   j.chunkSize,
		TotalChunks: j.totalChunks,
		CRC32:       j.crc32,
	})
	frame, err := protocol.Encode(protocol.MsgOtaBegin, 0, payload)
	if err != nil {
		return err
	}
	return j.sender.Send(j.target, frame)
}

func (j *TargetedPushJob) sendEnd() error {
	payload := protocol.EncodeOtaEnd(protocol.OtaEndPayload{
		Target:      j.target,
		TotalChunks: j.totalChunks,
		CRC32:       j.crc32,
	})
	frame, err := protocol.Encode(protocol.MsgOtaEnd, 0, payload)
	if err != nil {
		return err
	}
	return j.sender.Send(j.target, frame)
}

// sendChunkWithRetry sends chunk i, retrying on CRC_ERROR/WRITE_ERROR
// up to MaxChunkRetries, aborting immediately on ABORT, and aborting
// after exhausting retries or timing out.
func (j *TargetedPushJob) sendChunkWithRetry(ctx context.Context, index uint16) error {
	offset := uint32(index) * uint32(j.chunkSize)
	length := clampLength(j.chunkSize, offset, j.totalSize)
	data := make([]byte, length)
	j.store.ReadAt(data, int64(offset))

	payload, err := protocol.EncodeOtaData(protocol.OtaDataPayload{
		Offset:    offset,
		Length:    length,
		LastChunk: index == j.totalChunks-1,
		Data:      data,
	})
	if err != nil {
		return errs.E(opTargeted, err)
	}
	frame, err := protocol.Encode(protocol.MsgOtaData, 0, payload)
	if err != nil {
		return errs.E(opTargeted, err)
	}

	for attempt := 0; attempt <= MaxChunkRetries; attempt++ {
		if err := j.sender.Send(j.target, frame); err != nil {
			return errs.E(opTargeted, errs.KindNetwork, err, "chunk send failed")
		}

		ack, ok, aborted := j.awaitAck(ctx, index)
		if aborted {
			j.mu.Lock()
			j.operatorAbort = true
			j.mu.Unlock()
			j.sendAbort()
			return errs.E(opTargeted, "aborted by operator")
		}
		if !ok {
			continue // timeout counts as a retry
		}
		switch ack.Status {
		case protocol.OtaAckOK:
			j.mu.Lock()
			j.bytesSent = offset + uint32(length)
			j.lastAcked = int32(index)
			j.mu.Unlock()
			return nil
		case protocol.OtaAckAbort:
			j.sendAbort()
			return errs.E(opTargeted, "node aborted transfer")
		case protocol.OtaAckCRCError, protocol.OtaAckWriteErr:
			slog.Warn("ota: chunk nack, retrying", "chunk", index, "status", ack.Status, "attempt", attempt)
			continue
		}
	}
	j.sendAbort()
	return errs.E(opTargeted, "chunk retries exhausted")
}

func (j *TargetedPushJob) sendAbort() {
	payload := []byte{uint8(protocol.DeviceUnknown)}
	frame, err := protocol.Encode(protocol.MsgOtaAbort, 0, payload)
	if err != nil {
		return
	}
	j.sender.Send(j.target, frame)
	j.mu.Lock()
	j.state = TargetedAborted
	j.mu.Unlock()
}

// awaitAck waits for the ack matching index, silently discarding any
// ack whose index precedes the last chunk already acknowledged (a
// stale retransmit or a duplicate) or that otherwise doesn't match the
// chunk currently outstanding — §5 ordering requires the orchestrator
// reject those rather than let them satisfy the wrong chunk. Returns
// aborted=true if PushEngine.Abort fired while waiting.
func (j *TargetedPushJob) awaitAck(ctx context.Context, index uint16) (ack protocol.OtaAckPayload, ok bool, aborted bool) {
	timeoutCtx, cancel := context.WithTimeout(ctx, ChunkAckTimeout)
	defer cancel()
	for {
		select {
		case a := <-j.ackCh:
			j.mu.Lock()
			last := j.lastAcked
			j.mu.Unlock()
			if int32(a.ChunkIndex) <= last || a.ChunkIndex != index {
				slog.Warn("ota: ignoring out-of-order ack", "got", a.ChunkIndex, "want", index, "lastAcked", last)
				continue
			}
			return a, true, false
		case <-j.abortCh:
			return protocol.OtaAckPayload{}, false, true
		case <-timeoutCtx.Done():
			return protocol.OtaAckPayload{}, false, false
		}
	}
}

func (j *TargetedPushJob) setFailed(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = TargetedFailed
	j.reason = reason
}

// handleOtaAck feeds the chunk loop; it only accepts acks for this job's target.
func (j *TargetedPushJob) handleOtaAck(p protocol.OtaAckPayload) bool {
	if p.Mac != j.target {
		return false
	}
	select {
	case j.ackCh <- p:
	default:
	}
	return true
}

func (j *TargetedPushJob) handleOtaComplete(p protocol.OtaCompletePayload) bool {
	if p.Mac != j.target {
		return false
	}
	j.mu.Lock()
	j.state = TargetedComplete
	j.mu.Unlock()
	return true
}

func (j *TargetedPushJob) handleOtaFailed(p protocol.OtaFailedPayload) bool {
	if p.Mac != j.target {
		return false
	}
	j.setFailed("node reported failure")
	return true
}

// summaryAsBroadcast adapts the push job's state into the same summary
// shape the broadcast job publishes, so both land on one event type.
func (j *TargetedPushJob) summaryAsBroadcast() BroadcastSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	state := StateFailed
	switch j.state {
	case TargetedComplete:
		state = StateComplete
	case TargetedAborted:
		state = StateAborted
	}
	completed := 0
	if j.state == TargetedComplete {
		completed = 1
	}
	failed := 0
	if j.state == TargetedFailed {
		failed = 1
	}
	return BroadcastSummary{State: state, Completed: completed, Failed: failed, Reason: j.reason}
}

func (j *TargetedPushJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.totalSize == 0 {
		return 0
	}
	return float64(j.bytesSent) / float64(j.totalSize)
}

func (j *TargetedPushJob) State() TargetedState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *TargetedPushJob) isOperatorAbort() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.operatorAbort
}

func (e *PushEngine) HandleOtaRequest(protocol.OtaRequestPayload) {} // not used by targeted-push

func (e *PushEngine) HandleOtaComplete(p protocol.OtaCompletePayload) {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job != nil {
		job.handleOtaComplete(p)
	}
}

func (e *PushEngine) HandleOtaFailed(p protocol.OtaFailedPayload) {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job != nil {
		job.handleOtaFailed(p)
	}
}

func (e *PushEngine) HandleOtaAck(p protocol.OtaAckPayload) {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job != nil {
		job.handleOtaAck(p)
	}
}

func (e *PushEngine) Current() *TargetedPushJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Abort cancels the in-flight node push job, if any. It unblocks the
// chunk loop immediately rather than waiting out ChunkAckTimeout; the
// job's own run goroutine then releases exclusivity and closes the
// store as it always does on exit.
func (e *PushEngine) Abort() error {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job == nil {
		return errs.E(opTargeted, errs.KindNotFound, "no node OTA job in flight")
	}
	job.requestAbort()
	return nil
}

func (j *TargetedPushJob) requestAbort() {
	j.aborted.Do(func() { close(j.abortCh) })
}
