package wifi

import "log/slog"

// MockWiFi stands in for RealWiFi on dev hosts that have no wlan0 and
// no nmcli — it never shells out.
type MockWiFi struct {
	IsHotspotRunning bool
	LastConnectSSID  string
}

func (m *MockWiFi) Scan() ([]Network, error) {
	return []Network{
		{SSID: "Test_Net", Signal: 99, Security: "WPA2"},
	}, nil
}

func (m *MockWiFi) Connect(ssid, password string) error {
	slog.Info("wifi(mock): connected", "ssid", ssid)
	m.LastConnectSSID = ssid
	return nil
}

func (m *MockWiFi) StartHotspot() error {
	m.IsHotspotRunning = true
	slog.Info("wifi(mock): hotspot started", "ssid", defaultAPConfig.SSIDBase+"_MOCK", "url", "http://"+defaultAPConfig.CIDR)
	return nil
}

func (m *MockWiFi) StopHotspot() error {
	m.IsHotspotRunning = false
	slog.Info("wifi(mock): hotspot stopped")
	return nil
}
