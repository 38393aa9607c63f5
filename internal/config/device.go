package config

import (
	"fmt"
	"net"
	"strings"
)

// GatewayID renders a MAC address as 12 uppercase hex characters, e.g.
// "AABBCCDDEEFF". It is the gateway's identity across MQTT topics and
// the commissioning wire protocol. Derived identity is never persisted —
// it is recomputed from the live uplink interface on every boot.
func GatewayID(mac net.HardwareAddr) string {
	return strings.ToUpper(strings.ReplaceAll(mac.String(), ":", ""))
}

// Hostname derives the gateway's advertised hostname from its MAC: a
// fixed prefix plus the last 4 hex characters.
func Hostname(mac net.HardwareAddr) string {
	id := GatewayID(mac)
	if len(id) < 4 {
		return "omniapi-gw"
	}
	return fmt.Sprintf("omniapi-%s", id[len(id)-4:])
}

// UplinkMAC returns the hardware address of the first interface that
// carries one, preferring a wired interface to match the uplink
// supervisor's ethernet-first route priority.
func UplinkMAC() (net.HardwareAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("config: enumerate interfaces: %w", err)
	}

	var wireless net.HardwareAddr
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) != 6 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "eth") || strings.HasPrefix(name, "en") {
			return iface.HardwareAddr, nil
		}
		if wireless == nil {
			wireless = iface.HardwareAddr
		}
	}
	if wireless != nil {
		return wireless, nil
	}
	return nil, fmt.Errorf("config: no interface with a hardware address found")
}
