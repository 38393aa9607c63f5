package api

import (
	"context"

	"github.com/omniapi/gateway/internal/commission"
	"github.com/omniapi/gateway/internal/config"
	"github.com/omniapi/gateway/internal/eventbus"
	"github.com/omniapi/gateway/internal/meshnet"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/uplink"
)

// router is the subset of *meshnet.Router the API needs: unicast send
// and the read-only stats/reachability surface. Defined here, not in
// meshnet, so meshnet never needs to know about the API layer.
type router interface {
	Send(mac protocol.Mac, payload []byte) error
	Broadcast(payload []byte) (int, error)
	IsNodeReachable(mac protocol.Mac) bool
	RoutingTable() []protocol.Mac
	Stats() (meshnet.TransportStats, meshnet.RouterStats)
}

// fsm is the subset of *commission.FSM the API drives.
type fsm interface {
	Mode() string
	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error
	ScanResults() []commission.DiscoveredNode
	Commission(ctx context.Context, mac protocol.Mac, name string) error
	Decommission(ctx context.Context, mac protocol.Mac) error
	Identify(mac protocol.Mac) error
}

// pullEngine is the subset of *ota.PullEngine the API drives.
type pullEngine interface {
	StartJob(ctx context.Context, params ota.BroadcastParams) (*ota.BroadcastPullJob, error)
	Current() *ota.BroadcastPullJob
	Abort() error
}

// pushEngine is the subset of *ota.PushEngine the API drives.
type pushEngine interface {
	StartJob(ctx context.Context, params ota.TargetedParams) (*ota.TargetedPushJob, error)
	Current() *ota.TargetedPushJob
	Abort() error
}

// selfUpdater is the subset of *ota.SelfUpdater the API drives for
// self-OTA uploads (spec §4.6.3) reached through /api/ota/upload.
type selfUpdater interface {
	Begin(expectedSize int64, candidateVersion string) error
	Write(b []byte) error
	End() error
	Abort() error
	Active() bool
}

// Deps bundles every subsystem collaborator the HTTP handlers need.
// Built once in cmd/gateway and handed to NewMux.
type Deps struct {
	Registry     *meshnet.Registry
	Router       router
	FSM          fsm
	PullEngine   pullEngine
	PushEngine   pushEngine
	SelfUpdater  selfUpdater
	Bus          *eventbus.Bus
	Store        *config.Store
	Uplink       *uplink.Supervisor
	Reboot       func()
	FactoryReset func()
}
