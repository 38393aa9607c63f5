// Package gateway wires every OMNIAPI subsystem — mesh router, node
// registry, commissioning FSM, the two node-facing OTA engines, the
// self-OTA writer, the uplink supervisor, the event bus, the northbound
// API, and captive-portal provisioning — into one process lifecycle.
// It carries no behavior of its own beyond construction order and
// start/stop fan-out; every real decision lives in the subsystem it
// delegates to.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omniapi/gateway/internal/api"
	"github.com/omniapi/gateway/internal/commission"
	"github.com/omniapi/gateway/internal/config"
	"github.com/omniapi/gateway/internal/errs"
	"github.com/omniapi/gateway/internal/eventbus"
	"github.com/omniapi/gateway/internal/meshnet"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/platform/wifi"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/provisioning"
	"github.com/omniapi/gateway/internal/uplink"
)

const (
	opNew   errs.Op = "gateway.New"
	probeTarget    = "1.1.1.1"
	factoryResetWait = 2 * time.Second

	// productionMeshID mirrors commission.productionMeshID — that
	// constant is unexported, so the gateway's initial join (the one
	// join the FSM itself never performs) keeps its own copy.
	productionMeshID = "OMNIAP"
)

// Service is implemented by every long-running subsystem the Gateway
// starts. Start must block until ctx is cancelled, then return nil.
type Service interface {
	Start(ctx context.Context) error
}

// Gateway is the top-level object cmd/gateway builds once at startup.
// Nothing outside this package reaches into process-wide statics —
// every collaborator is a field here, constructed explicitly in New.
type Gateway struct {
	cfg   *config.Config
	store *config.Store
	wifi  wifi.Provider

	registry    *meshnet.Registry
	transport   meshnet.Transport
	router      *meshnet.Router
	fsm         *commission.FSM
	exclusivity *ota.Exclusivity
	pullEngine  *ota.PullEngine
	pushEngine  *ota.PushEngine
	selfUpdater *ota.SelfUpdater

	bus       *eventbus.Bus
	uplinkSup *uplink.Supervisor
	prober    *uplink.Prober

	northbound *api.Northbound
	apiServer  *api.Server
	portal     *provisioning.Controller

	services []Service
}

// New constructs every subsystem in dependency order (registry before
// router, router before FSM and OTA engines, all of them before the
// API mux) and returns a Gateway ready for Start. It never blocks on
// network I/O — that happens inside the services once Start runs.
func New(cfg *config.Config, store *config.Store, w wifi.Provider) (*Gateway, error) {
	g := &Gateway{cfg: cfg, store: store, wifi: w}

	g.registry = meshnet.NewRegistry(meshnet.DefaultCapacity)
	g.bus = eventbus.New(nil)
	g.exclusivity = ota.NewExclusivity()

	// The mesh radio stack itself (tree formation, layer assignment,
	// link encryption) is an external dependency the router drives
	// through meshnet.Transport; no concrete radio driver ships with
	// this module, so every build runs against the in-memory mock
	// until one is wired in.
	g.transport = meshnet.NewMockTransport()

	// The router needs the FSM and OTA engines at construction (it
	// dispatches received frames to them); they in turn need to send
	// through the router. Break the cycle with a box that forwards to
	// whatever *meshnet.Router is plugged into it once built — the
	// same indirection the teacher uses to let cloud and tunnel each
	// reference the other's RegisterRoutes without an import cycle.
	sender := &routerBox{}

	g.pullEngine = ota.NewPullEngine(sender, g.exclusivity, g.bus, http.DefaultClient)
	g.pushEngine = ota.NewPushEngine(sender, g.exclusivity, g.bus)

	meshPSK, _ := store.Get(config.KeyMeshPass)
	if meshPSK == "" {
		meshPSK = "omniapi-default-psk"
	}
	fsmCfg := commission.Config{
		ProductionPSK: meshPSK,
		DiscoveryPSK:  "omniapi-discovery",
	}
	g.fsm = commission.New(fsmCfg, sender, g.registry, g.bus)

	g.router = meshnet.NewRouter(g.transport, g.registry, g.fsm, g.pullEngine, g.pushEngine, g.bus)
	sender.r = g.router

	partitionFactory := func() (ota.FlashPartition, error) {
		if cfg.IsDev {
			return ota.NewMockPartition(selfOTAPartitionSize), nil
		}
		return ota.NewRealPartition(selfOTAPartitionSize), nil
	}
	g.selfUpdater = ota.NewSelfUpdater(partitionFactory, g.exclusivity, ota.GatewayVersion)

	g.uplinkSup = uplink.New()
	g.prober = uplink.NewProber(g.uplinkSup, probeTarget)

	deps := api.Deps{
		Registry:     g.registry,
		Router:       g.router,
		FSM:          g.fsm,
		PullEngine:   g.pullEngine,
		PushEngine:   g.pushEngine,
		SelfUpdater:  g.selfUpdater,
		Bus:          g.bus,
		Store:        store,
		Uplink:       g.uplinkSup,
		Reboot:       g.reboot,
		FactoryReset: g.factoryReset,
	}
	mux := api.NewMux(deps)

	apCfg := wifi.APConfig{SSIDBase: cfg.APSSIDBase, Password: cfg.APPassword, CIDR: cfg.APCIDR}
	g.portal = provisioning.New(w, store, apCfg, g.reboot)
	g.portal.RegisterRoutes(mux)

	g.apiServer = api.New(api.Config{DataDir: cfg.DataDir, Port: cfg.HTTPPort, IsDev: cfg.IsDev}, mux)

	if mqttURI, ok := store.Get(config.KeyMQTTURI); ok && mqttURI != "" {
		user, _ := store.Get(config.KeyMQTTUser)
		pass, _ := store.Get(config.KeyMQTTPass)
		clientID, _ := store.Get(config.KeyMQTTClient)
		if clientID == "" {
			clientID = "omniapi-gateway-" + uuid.NewString()[:8]
		}
		g.northbound = api.NewNorthbound(api.MQTTConfig{
			BrokerURI: mqttURI,
			Username:  user,
			Password:  pass,
			ClientID:  clientID,
		}, deps)
		g.bus.SetMQTT(g.northbound)
	}

	g.services = g.buildServiceList()
	return g, nil
}

const selfOTAPartitionSize = 16 * 1024 * 1024

func (g *Gateway) buildServiceList() []Service {
	services := []Service{
		serviceFunc(g.runMesh),
		g.portal,
		g.apiServer,
		serviceFunc(g.runProbeLoop),
	}
	if g.northbound != nil {
		services = append(services, g.northbound)
	}
	return services
}

// serviceFunc adapts a plain function to Service, the way the teacher's
// ProfilerService wraps a bare listener loop.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Start(ctx context.Context) error { return f(ctx) }

// Start runs every subsystem concurrently and blocks until ctx is
// cancelled, then waits for each to return — the same fan-out/fan-in
// shape the teacher's agent.Agent uses, minus the setup-wizard gate
// (provisioning now owns that transition itself).
func (g *Gateway) Start(ctx context.Context) error {
	slog.Info("gateway: starting", "services", len(g.services))

	var wg sync.WaitGroup
	for _, svc := range g.services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Start(ctx); err != nil {
				slog.Error("gateway: service exited with error", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("gateway: shutdown signal received, waiting for services")
	wg.Wait()
	return nil
}

// runMesh initializes the transport and joins the production mesh,
// then blocks until shutdown. FSM.StartScan/StopScan own every
// subsequent mesh switch; this call only establishes the initial join.
func (g *Gateway) runMesh(ctx context.Context) error {
	if err := g.router.Init(ctx); err != nil {
		return errs.E(opNew, err)
	}
	meshPSK, _ := g.store.Get(config.KeyMeshPass)
	if meshPSK == "" {
		meshPSK = "omniapi-default-psk"
	}
	if err := g.router.StartWithID(ctx, productionMeshID, meshPSK); err != nil {
		slog.Error("gateway: initial mesh join failed", "err", err)
	}
	<-ctx.Done()
	return g.router.Stop()
}

func (g *Gateway) runProbeLoop(ctx context.Context) error {
	ticker := time.NewTicker(uplink.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result := g.prober.Probe()
			if !result.Reachable {
				slog.Warn("gateway: uplink probe failed", "route", result.Route.String())
			}
		}
	}
}

// reboot is handed to the API and provisioning layers as the process's
// only escape hatch for "apply config, then restart" flows. In dev mode
// it just logs; a real deployment runs under a supervisor that restarts
// the process on exit, so the handler's job is limited to logging and
// letting the caller decide when to exit.
func (g *Gateway) reboot() {
	slog.Warn("gateway: reboot requested, process will exit on supervisor restart policy")
}

func (g *Gateway) factoryReset() {
	slog.Warn("gateway: factory reset applied, rebooting")
	g.reboot()
}

// routerBox forwards to a *meshnet.Router set after construction,
// letting the FSM and OTA engines hold a Sender before the router that
// needs them to exist first is itself built.
type routerBox struct {
	r *meshnet.Router
}

func (b *routerBox) Send(mac protocol.Mac, payload []byte) error { return b.r.Send(mac, payload) }
func (b *routerBox) Broadcast(payload []byte) (int, error)       { return b.r.Broadcast(payload) }
func (b *routerBox) StartWithID(ctx context.Context, meshID, psk string) error {
	return b.r.StartWithID(ctx, meshID, psk)
}
