// Bootstrap configuration: environment-derived settings read once at
// process start (data directory, listen ports, AP defaults). The
// persisted mesh/uplink/MQTT namespace the gateway reads and mutates at
// runtime lives in Store (store.go), not here.
package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	IsDev      bool
	DataDir    string
	HTTPPort   int
	PprofPort  int
	APSSIDBase string
	APPassword string
	APCIDR     string
}

// Load reads environment variables (optionally from a .env file) and
// returns the bootstrap Config. devMode is passed in from main so that
// flag parsing stays in main.
func Load(devMode bool) *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file found, relying on system env vars")
	}

	cfg := &Config{
		IsDev:      devMode,
		HTTPPort:   getEnvAsInt("HTTP_PORT", 80),
		PprofPort:  getEnvAsInt("PPROF_PORT", 6060),
		APSSIDBase: getEnv("AP_SSID_BASE", "OmniAPI"),
		APPassword: getEnv("AP_PASSWORD", "omniapi123"),
		APCIDR:     getEnv("AP_CIDR", "192.168.4.1/24"),
	}

	if devMode {
		cfg.DataDir = "./data"
	} else {
		cfg.DataDir = "/etc/omniapi"
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("config: invalid integer env var, using default",
			"key", key,
			"value", raw,
			"default", fallback,
		)
		return fallback
	}
	return v
}
