package ota

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/errs"
	"github.com/omniapi/gateway/internal/protocol"
)

const opBroadcast errs.Op = "ota.Broadcast"

// BroadcastState is the broadcast-pull job's lifecycle (spec §4.6.1).
type BroadcastState uint8

const (
	StateDownloading BroadcastState = iota
	StateVerifying
	StateAdvertising
	StateDistributing
	StateComplete
	StateFailed
	StateAborted
)

func (s BroadcastState) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateAdvertising:
		return "advertising"
	case StateDistributing:
		return "distributing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

const (
	// JobDeadline bounds the entire broadcast-pull job (spec: ~10 min).
	JobDeadline = 10 * time.Minute
	// StuckTimeout triggers an OtaAvailable re-broadcast after this
	// much inactivity while Distributing.
	StuckTimeout = 60 * time.Second
)

// BroadcastParams are start_job's inputs (spec §4.6.1).
type BroadcastParams struct {
	URL         string
	Version     string // "M.m.p", packed via protocol.PackVersion by the caller
	VersionPack uint32
	SHA256Hex   string // 64 hex chars
	TotalSize   uint32
	DeviceType  protocol.DeviceType
	TargetMacs  []protocol.Mac // empty means every reachable node of DeviceType
}

type participant struct {
	requested bool
	completed bool
	failed    bool
}

// BroadcastSummary is published to the event bus on Complete/Failed/Aborted.
type BroadcastSummary struct {
	DeviceType protocol.DeviceType
	Version    string
	State      BroadcastState
	Completed  int
	Failed     int
	Reason     string
}

// EventSink is the subset of the event bus OTA jobs publish summaries to.
type EventSink interface {
	PublishOTASummary(kind string, s BroadcastSummary)
}

// BroadcastPullJob drives one homogeneous-rollout OTA job from download
// through per-node distribution to completion (spec §4.6.1).
type BroadcastPullJob struct {
	mu sync.Mutex

	params       BroadcastParams
	state        BroadcastState
	reason       string
	firmware     *RAMBlobStore
	participants map[protocol.Mac]*participant
	lastActivity time.Time
	startedAt    time.Time

	sender     Sender
	httpClient *http.Client
}

// PullEngine is the long-lived collaborator the router dispatches
// OtaRequest/OtaComplete/OtaFailed to; it forwards to whichever job is
// currently active and drops frames once none is (spec §4.4).
type PullEngine struct {
	mu         sync.Mutex
	current    *BroadcastPullJob
	sender     Sender
	excl       *Exclusivity
	events     EventSink
	httpClient *http.Client
}

func NewPullEngine(sender Sender, excl *Exclusivity, events EventSink, httpClient *http.Client) *PullEngine {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &PullEngine{sender: sender, excl: excl, events: events, httpClient: httpClient}
}

// StartJob claims node-OTA exclusivity and launches the job in the
// background; it returns as soon as the job object exists so callers
// (the HTTP API) can report 202 Accepted immediately.
func (e *PullEngine) StartJob(ctx context.Context, params BroadcastParams) (*BroadcastPullJob, error) {
	if err := e.excl.Acquire(KindNodeOTA); err != nil {
		return nil, errs.E(opBroadcast, err, "node OTA already in flight")
	}

	job := &BroadcastPullJob{
		params:       params,
		state:        StateDownloading,
		participants: make(map[protocol.Mac]*participant),
		startedAt:    now(),
		lastActivity: now(),
		sender:       e.sender,
		httpClient:   e.httpClient,
	}

	e.mu.Lock()
	e.current = job
	e.mu.Unlock()

	go e.run(ctx, job)
	return job, nil
}

func (e *PullEngine) run(ctx context.Context, job *BroadcastPullJob) {
	defer func() {
		e.excl.Release(KindNodeOTA)
		e.mu.Lock()
		if e.current == job {
			e.current = nil
		}
		e.mu.Unlock()
	}()

	deadline, cancel := context.WithTimeout(ctx, JobDeadline)
	defer cancel()

	if err := job.download(deadline); err != nil {
		job.fail(err.Error())
		e.publish(job)
		return
	}
	if err := job.verify(); err != nil {
		job.fail(err.Error())
		e.publish(job)
		return
	}
	if err := job.advertise(); err != nil {
		job.fail(err.Error())
		e.publish(job)
		return
	}

	e.watchStuck(deadline, job)
}

// watchStuck re-advertises when Distributing stalls and publishes the
// final summary once the job leaves Distributing.
func (e *PullEngine) watchStuck(ctx context.Context, job *BroadcastPullJob) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			job.fail("job deadline exceeded")
			e.publish(job)
			return
		case <-ticker.C:
			job.mu.Lock()
			state := job.state
			stuck := state == StateDistributing && now().Sub(job.lastActivity) > StuckTimeout
			job.mu.Unlock()
			if state == StateComplete || state == StateFailed || state == StateAborted {
				e.publish(job)
				return
			}
			if stuck {
				slog.Info("ota: re-advertising stuck broadcast job", "device_type", job.params.DeviceType)
				job.advertise()
			}
		}
	}
}

func (e *PullEngine) publish(job *BroadcastPullJob) {
	if e.events == nil {
		return
	}
	e.events.PublishOTASummary("broadcast", job.Summary())
}

func (e *PullEngine) HandleOtaRequest(p protocol.OtaRequestPayload) {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job != nil {
		job.handleOtaRequest(p)
	}
}

func (e *PullEngine) HandleOtaComplete(p protocol.OtaCompletePayload) {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job != nil && job.handleOtaComplete(p) {
		e.publish(job)
	}
}

func (e *PullEngine) HandleOtaFailed(p protocol.OtaFailedPayload) {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job != nil && job.handleOtaFailed(p) {
		e.publish(job)
	}
}

// HandleOtaAck is unused by broadcast-pull (that ack belongs to
// targeted-push) but is required to satisfy meshnet.OTAEngine.
func (e *PullEngine) HandleOtaAck(protocol.OtaAckPayload) {}

// Abort broadcasts OtaAbort and transitions the active job to Aborted.
func (e *PullEngine) Abort() error {
	e.mu.Lock()
	job := e.current
	e.mu.Unlock()
	if job == nil {
		return errs.E(opBroadcast, errs.KindNotFound, "no broadcast job in flight")
	}
	frame, err := protocol.Encode(protocol.MsgOtaAbort, 0, []byte{uint8(job.params.DeviceType)})
	if err == nil {
		e.sender.Broadcast(frame)
	}
	job.mu.Lock()
	job.state = StateAborted
	job.mu.Unlock()
	e.publish(job)
	return nil
}

func (e *PullEngine) Current() *BroadcastPullJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (j *BroadcastPullJob) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.params.URL, nil)
	if err != nil {
		return errs.E(opBroadcast, errs.KindInvalid, err, "invalid firmware URL")
	}
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return errs.E(opBroadcast, errs.KindNetwork, err, "Download incomplete")
	}
	defer resp.Body.Close()

	store := NewRAMBlobStore(int64(j.params.TotalSize))
	n, err := io.ReadFull(resp.Body, store.Bytes())
	if err != nil && err != io.ErrUnexpectedEOF {
		return errs.E(opBroadcast, errs.KindNetwork, err, "Download incomplete")
	}
	if uint32(n) != j.params.TotalSize {
		return errs.E(opBroadcast, errs.KindNetwork, "Download incomplete")
	}

	j.mu.Lock()
	j.firmware = store
	j.mu.Unlock()
	return nil
}

func (j *BroadcastPullJob) verify() error {
	j.mu.Lock()
	j.state = StateVerifying
	firmware := j.firmware
	j.mu.Unlock()

	sum := sha256Of(firmware.Bytes())
	if !hexEqual(sum, j.params.SHA256Hex) {
		return errs.E(opBroadcast, errs.KindInvalid, "SHA256 mismatch")
	}
	return nil
}

func (j *BroadcastPullJob) advertise() error {
	j.mu.Lock()
	j.state = StateAdvertising
	var sha [32]byte
	fmt.Sscanf(j.params.SHA256Hex, "%x", &sha)
	payload := protocol.EncodeOtaAvailable(protocol.OtaAvailablePayload{
		DeviceType: j.params.DeviceType,
		FwVersion:  j.params.VersionPack,
		TotalSize:  j.params.TotalSize,
		SHA256:     sha,
		ChunkSize:  ChunkSize,
	})
	j.mu.Unlock()

	frame, err := protocol.Encode(protocol.MsgOtaAvailable, 0, payload)
	if err != nil {
		return errs.E(opBroadcast, err)
	}
	if _, err := j.sender.Broadcast(frame); err != nil {
		return errs.E(opBroadcast, errs.KindNetwork, err, "advertise failed")
	}

	j.mu.Lock()
	j.state = StateDistributing
	j.lastActivity = now()
	j.mu.Unlock()
	return nil
}

func (j *BroadcastPullJob) handleOtaRequest(p protocol.OtaRequestPayload) {
	j.mu.Lock()
	if j.state != StateDistributing {
		j.mu.Unlock()
		return
	}
	if len(j.params.TargetMacs) > 0 && !containsMac(j.params.TargetMacs, p.Mac) {
		j.mu.Unlock()
		return
	}
	part, ok := j.participants[p.Mac]
	if !ok {
		part = &participant{}
		j.participants[p.Mac] = part
	}
	part.requested = true
	j.lastActivity = now()

	length := clampLength(p.Length, p.Offset, j.params.TotalSize)
	data := make([]byte, length)
	j.firmware.ReadAt(data, int64(p.Offset))
	j.mu.Unlock()

	payload, err := protocol.EncodeOtaData(protocol.OtaDataPayload{
		Offset:    p.Offset,
		Length:    length,
		LastChunk: p.Offset+uint32(length) == j.params.TotalSize,
		Data:      data,
	})
	if err != nil {
		slog.Error("ota: failed to encode OtaData chunk", "err", err)
		return
	}
	frame, err := protocol.Encode(protocol.MsgOtaData, 0, payload)
	if err != nil {
		return
	}
	if err := j.sender.Send(p.Mac, frame); err != nil {
		slog.Warn("ota: chunk send failed", "mac", p.Mac, "err", err)
	}
}

// handleOtaComplete returns true when this delivery finished the job.
func (j *BroadcastPullJob) handleOtaComplete(p protocol.OtaCompletePayload) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	part, ok := j.participants[p.Mac]
	if !ok {
		return false
	}
	part.completed = true
	return j.maybeFinishLocked()
}

func (j *BroadcastPullJob) handleOtaFailed(p protocol.OtaFailedPayload) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	part, ok := j.participants[p.Mac]
	if !ok {
		return false
	}
	part.failed = true
	return j.maybeFinishLocked()
}

// maybeFinishLocked must be called with j.mu held.
func (j *BroadcastPullJob) maybeFinishLocked() bool {
	completed, failed := 0, 0
	for _, p := range j.participants {
		if p.completed {
			completed++
		}
		if p.failed {
			failed++
		}
	}
	if completed+failed < len(j.participants) {
		return false
	}
	j.state = StateComplete
	j.firmware = nil // free the RAM buffer
	return true
}

func (j *BroadcastPullJob) fail(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateFailed
	j.reason = reason
	j.firmware = nil
}

// Summary reports the job's point-in-time status for the API and
// event bus.
func (j *BroadcastPullJob) Summary() BroadcastSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	completed, failed := 0, 0
	for _, p := range j.participants {
		if p.completed {
			completed++
		}
		if p.failed {
			failed++
		}
	}
	return BroadcastSummary{
		DeviceType: j.params.DeviceType,
		Version:    j.params.Version,
		State:      j.state,
		Completed:  completed,
		Failed:     failed,
		Reason:     j.reason,
	}
}

func containsMac(list []protocol.Mac, mac protocol.Mac) bool {
	for _, m := range list {
		if m == mac {
			return true
		}
	}
	return false
}
