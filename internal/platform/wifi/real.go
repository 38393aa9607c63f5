package wifi

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Narrow interface — wifi only needs Run and Output/CombinedOutput.
// We define our own so mocks can be minimal.
// ---------------------------------------------------------------------------

// commander is the subset of executil.Runner that wifi needs.
type commander interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
	CombinedOutput(name string, args ...string) ([]byte, error)
}

// ---------------------------------------------------------------------------
// RealWiFi
// ---------------------------------------------------------------------------

// APConfig is the captive-provisioning hotspot's SSID/PSK/subnet, owned
// by config.Config so the product name and address range are not baked
// into this package (spec §4.9).
type APConfig struct {
	SSIDBase string
	Password string
	CIDR     string
}

// defaultAPConfig matches spec §4.9 exactly; used when no APConfig has
// been supplied via WithAPConfig.
var defaultAPConfig = APConfig{SSIDBase: "OmniAPI", Password: "omniapi123", CIDR: "192.168.4.1/24"}

// RealWiFi manages network connections on real hardware via nmcli.
type RealWiFi struct {
	Interface string
	cmd       commander
	ap        APConfig
}

// NewRealWiFi constructs a RealWiFi.
// In production, pass executil.Real{}.
// In tests, pass *executil.Mock.
func NewRealWiFi(iface string, cmd commander) *RealWiFi {
	return &RealWiFi{Interface: iface, cmd: cmd, ap: defaultAPConfig}
}

// WithAPConfig overrides the hotspot's SSID/PSK/subnet; returns w for
// chaining at construction time.
func (w *RealWiFi) WithAPConfig(cfg APConfig) *RealWiFi {
	w.ap = cfg
	return w
}

func (w *RealWiFi) Scan() ([]Network, error) {
	out, err := w.cmd.Output("nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY",
		"dev", "wifi", "list", "--rescan", "yes")
	if err != nil {
		return nil, fmt.Errorf("wifi: scan failed: %w", err)
	}

	var networks []Network
	for _, line := range strings.Split(string(out), "\n") {
		parts := strings.Split(line, ":")
		if len(parts) < 3 || parts[0] == "" {
			continue
		}
		networks = append(networks, Network{
			SSID:     parts[0],
			Security: parts[2],
		})
	}
	return networks, nil
}

func (w *RealWiFi) Connect(ssid, password string) error {
	slog.Info("wifi: connecting to network", "ssid", ssid)

	// Kill hotspot cleanly first — errors are expected and ignored.
	w.cmd.Run("nmcli", "con", "down", "Hotspot")
	w.cmd.Run("nmcli", "con", "delete", "Hotspot")
	w.cmd.Run("nmcli", "con", "delete", ssid)

	out, err := w.cmd.CombinedOutput("nmcli", "dev", "wifi", "connect", ssid, "password", password)
	if err != nil {
		return fmt.Errorf("wifi: connect to %q failed: %s: %w", ssid, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (w *RealWiFi) StartHotspot() error {
	// Read the real MAC address from sysfs so the SSID is unique per device.
	macSuffix, err := w.macSuffix()
	if err != nil {
		slog.Warn("wifi: could not read MAC, using placeholder", "err", err)
		macSuffix = "XXXX"
	}

	ssid := w.ap.SSIDBase + "_" + macSuffix
	password := w.ap.Password

	slog.Info("wifi: starting hotspot", "interface", w.Interface, "ssid", ssid)

	// Remove any stale connection profile.
	w.cmd.Run("nmcli", "con", "delete", "Hotspot")
	w.cmd.Run("nmcli", "radio", "wifi", "on")
	time.Sleep(1 * time.Second)

	if err := w.cmd.Run("nmcli", "con", "add",
		"type", "wifi",
		"ifname", w.Interface,
		"con-name", "Hotspot",
		"autoconnect", "yes",
		"ssid", ssid,
	); err != nil {
		return fmt.Errorf("wifi: failed to add hotspot connection: %w", err)
	}

	// ipv4.method "shared" rather than a bare static address: nmcli
	// then also runs the DHCP server and NAT rules the AP clients need,
	// with CIDR fixing the gateway's own address on the interface.
	configSteps := [][]string{
		{"modify", "Hotspot", "wifi-sec.key-mgmt", "wpa-psk"},
		{"modify", "Hotspot", "wifi-sec.psk", password},
		{"modify", "Hotspot", "802-11-wireless.mode", "ap"},
		{"modify", "Hotspot", "ipv4.method", "shared"},
		{"modify", "Hotspot", "ipv4.addresses", w.ap.CIDR},
	}
	for _, args := range configSteps {
		if err := w.cmd.Run("nmcli", append([]string{"con"}, args...)...); err != nil {
			slog.Warn("wifi: hotspot config step failed", "args", args, "err", err)
		}
	}

	out, err := w.cmd.CombinedOutput("nmcli", "con", "up", "Hotspot")
	if err != nil {
		status, _ := w.cmd.CombinedOutput("nmcli", "dev", "show", w.Interface)
		return fmt.Errorf("wifi: failed to bring up hotspot: %s\ndev status:\n%s",
			strings.TrimSpace(string(out)), string(status))
	}

	return nil
}

func (w *RealWiFi) StopHotspot() error {
	slog.Info("wifi: stopping hotspot")
	return w.cmd.Run("nmcli", "con", "down", "Hotspot")
}

// macSuffix reads the last 4 hex characters of the interface MAC address.
// This makes the hotspot SSID unique per physical device without any
// network calls.
func (w *RealWiFi) macSuffix() (string, error) {
	data, err := os.ReadFile("/sys/class/net/" + w.Interface + "/address")
	if err != nil {
		return "", err
	}
	mac := strings.TrimSpace(string(data))
	// MAC format: aa:bb:cc:dd:ee:ff — take last 4 hex chars (no colon)
	mac = strings.ReplaceAll(mac, ":", "")
	if len(mac) < 4 {
		return "", fmt.Errorf("unexpected MAC length: %q", mac)
	}
	return strings.ToUpper(mac[len(mac)-4:]), nil
}
