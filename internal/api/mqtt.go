package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
)

const topicRoot = "omniapi/gateway"

// MQTTConfig is what the northbound client needs to connect — sourced
// from config.Store's mqtt_uri/mqtt_user/mqtt_pass/mqtt_client keys.
type MQTTConfig struct {
	BrokerURI string
	Username  string
	Password  string
	ClientID  string
}

// Northbound is the gateway's MQTT client (spec §6.2): it mirrors node
// and job state out to fixed topics and drives the same commissioning/
// OTA/command surface the HTTP API exposes, for deployments that prefer
// pub/sub over polling.
type Northbound struct {
	cfg    MQTTConfig
	client mqtt.Client
	deps   Deps
}

// NewNorthbound builds the client but does not connect; call Start.
func NewNorthbound(cfg MQTTConfig, deps Deps) *Northbound {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURI).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(topicRoot+"/state", `{"online":false}`, 1, true)

	n := &Northbound{cfg: cfg, deps: deps}
	opts.SetOnConnectHandler(n.onConnect)
	n.client = mqtt.NewClient(opts)
	return n
}

// Publish satisfies eventbus.MQTTPublisher — the event bus mirrors log
// lines and lifecycle events through this without knowing it's MQTT.
func (n *Northbound) Publish(topic string, payload []byte) error {
	if n.client == nil || !n.client.IsConnected() {
		return nil
	}
	token := n.client.Publish(topicRoot+"/"+topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Start connects and blocks until ctx is cancelled, then disconnects
// cleanly. paho's own reconnect loop handles transient broker outages;
// this only needs to own the lifecycle, matching the Service interface
// every other subsystem implements.
func (n *Northbound) Start(ctx context.Context) error {
	token := n.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		slog.Warn("mqtt: initial connect failed, will keep retrying", "err", err)
	}

	<-ctx.Done()
	n.client.Disconnect(250)
	return nil
}

func (n *Northbound) onConnect(c mqtt.Client) {
	slog.Info("mqtt: connected", "broker", n.cfg.BrokerURI)
	c.Publish(topicRoot+"/state", 1, true, `{"online":true}`)

	c.Subscribe(topicRoot+"/cmd/#", 0, n.onCommand)
	c.Subscribe(topicRoot+"/scan", 0, n.onScan)
	c.Subscribe(topicRoot+"/commission", 0, n.onCommission)
	c.Subscribe(topicRoot+"/ota/start", 0, n.onOTAStart)
	c.Subscribe(topicRoot+"/ota/abort", 0, n.onOTAAbort)
}

type cmdPayload struct {
	Mac string `json:"mac"`
	Cmd string `json:"cmd"`
}

func (n *Northbound) onCommand(c mqtt.Client, m mqtt.Message) {
	var p cmdPayload
	if err := json.Unmarshal(m.Payload(), &p); err != nil {
		slog.Debug("mqtt: malformed /cmd payload", "err", err)
		return
	}
	mac, err := protocol.ParseMac(p.Mac)
	if err != nil {
		slog.Debug("mqtt: malformed mac in /cmd payload", "mac", p.Mac)
		return
	}
	if err := n.deps.dispatchCommand(mac, p.Cmd); err != nil {
		slog.Debug("mqtt: command dispatch failed", "mac", p.Mac, "cmd", p.Cmd, "err", err)
	}
}

type scanPayload struct {
	Action string `json:"action"`
}

func (n *Northbound) onScan(c mqtt.Client, m mqtt.Message) {
	var p scanPayload
	if err := json.Unmarshal(m.Payload(), &p); err != nil {
		return
	}
	switch p.Action {
	case "start":
		n.deps.FSM.StartScan(context.Background())
	case "stop":
		n.deps.FSM.StopScan(context.Background())
	case "results":
		n.publishScanResults()
	}
}

func (n *Northbound) publishScanResults() {
	results := n.deps.FSM.ScanResults()
	nodes := make([]map[string]any, 0, len(results))
	for _, r := range results {
		nodes = append(nodes, map[string]any{
			"mac":          r.Mac.String(),
			"device_type":  r.DeviceType,
			"commissioned": r.Commissioned,
			"rssi":         r.RSSI,
		})
	}
	body, _ := json.Marshal(map[string]any{"nodes": nodes, "count": len(nodes)})
	n.Publish("scan/results", body)
}

type commissionPayload struct {
	Mac  string `json:"mac"`
	Name string `json:"name"`
}

func (n *Northbound) onCommission(c mqtt.Client, m mqtt.Message) {
	var p commissionPayload
	if err := json.Unmarshal(m.Payload(), &p); err != nil {
		return
	}
	mac, err := protocol.ParseMac(p.Mac)
	if err != nil {
		return
	}
	if err := n.deps.FSM.Commission(context.Background(), mac, p.Name); err != nil {
		slog.Debug("mqtt: commission failed", "mac", p.Mac, "err", err)
	}
}

type otaStartPayload struct {
	URL        string   `json:"url"`
	Version    string   `json:"version"`
	SHA256     string   `json:"sha256"`
	Size       uint32   `json:"size"`
	DeviceType uint8    `json:"device_type"`
	Targets    []string `json:"targets"`
}

func (n *Northbound) onOTAStart(c mqtt.Client, m mqtt.Message) {
	var p otaStartPayload
	if err := json.Unmarshal(m.Payload(), &p); err != nil {
		return
	}
	major, minor, patch := parseSemverTriplet(p.Version)
	targets := make([]protocol.Mac, 0, len(p.Targets))
	for _, t := range p.Targets {
		if mac, err := protocol.ParseMac(t); err == nil {
			targets = append(targets, mac)
		}
	}
	_, err := n.deps.PullEngine.StartJob(context.Background(), ota.BroadcastParams{
		URL:         p.URL,
		Version:     p.Version,
		VersionPack: protocol.PackVersion(major, minor, patch),
		SHA256Hex:   p.SHA256,
		TotalSize:   p.Size,
		DeviceType:  protocol.DeviceType(p.DeviceType),
		TargetMacs:  targets,
	})
	if err != nil {
		slog.Warn("mqtt: ota start failed", "err", err)
	}
}

func (n *Northbound) onOTAAbort(c mqtt.Client, m mqtt.Message) {
	if err := n.deps.PullEngine.Abort(); err != nil {
		slog.Debug("mqtt: ota abort failed", "err", err)
	}
}

// parseSemverTriplet parses "M.m.p" loosely, returning zeros for any
// component it can't read — malformed input fails PackVersion's caller
// no worse than firmware==0.0.0 would.
func parseSemverTriplet(v string) (major, minor, patch uint8) {
	var maj, min, pat int
	parsed, _ := fmt.Sscanf(v, "%d.%d.%d", &maj, &min, &pat)
	if parsed < 3 {
		return 0, 0, 0
	}
	return uint8(maj), uint8(min), uint8(pat)
}
