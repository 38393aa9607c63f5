package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/omniapi/gateway/internal/errs"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// importSchema constrains an imported namespace document to a flat
// object of string values — the same shape Export produces. Catches a
// malformed or hand-edited backup (nested objects, numbers, arrays)
// before it silently corrupts the store.
var importSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"additionalProperties": {"type": "string"}
}`)

const (
	opLoad   errs.Op = "config.Store.Load"
	opSave   errs.Op = "config.Store.save"
	opExport errs.Op = "config.Store.Export"
	opImport errs.Op = "config.Store.Import"
)

// Required keys, per spec §6.4. Gateway identity and AP credentials are
// derived at boot (device.go) and are never stored here.
const (
	KeyWifiSSID   = "wifi_ssid"
	KeyWifiPass   = "wifi_pass"
	KeyMQTTURI    = "mqtt_uri"
	KeyMQTTUser   = "mqtt_user"
	KeyMQTTPass   = "mqtt_pass"
	KeyMQTTClient = "mqtt_client"
	KeyMeshPass   = "mesh_pass"
	KeyMeshChan   = "mesh_chan"
)

// ProvisioningState reflects how much of the required configuration has
// been supplied.
type ProvisioningState uint8

const (
	Unconfigured ProvisioningState = iota
	WifiOnly
	Configured
)

func (s ProvisioningState) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case WifiOnly:
		return "wifi_only"
	case Configured:
		return "configured"
	default:
		return "unknown"
	}
}

// Store is a namespaced key/value store of gateway configuration,
// persisted as a single JSON file. It stands in for the NVS key/value
// primitive the spec treats as an external collaborator (§1) — Store is
// the gateway-side namespace built on top of it.
type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]string
}

// Open loads an existing store file under dir, or starts empty if none
// exists yet (first boot).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.E(opLoad, errs.KindIO, err, "could not create config directory")
	}
	s := &Store{
		path: filepath.Join(dir, "gateway-config.json"),
		data: make(map[string]string),
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errs.E(opLoad, errs.KindIO, err, "could not read config store")
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, errs.E(opLoad, errs.KindIO, err, "config store is corrupt")
	}
	return s, nil
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set writes key=value and persists immediately.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	snapshot := s.cloneLocked()
	s.mu.Unlock()
	return s.save(snapshot)
}

// SetAll writes multiple keys atomically from the caller's perspective
// (one file write for the whole batch).
func (s *Store) SetAll(kv map[string]string) error {
	s.mu.Lock()
	for k, v := range kv {
		s.data[k] = v
	}
	snapshot := s.cloneLocked()
	s.mu.Unlock()
	return s.save(snapshot)
}

// Delete removes key, if present, and persists.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	snapshot := s.cloneLocked()
	s.mu.Unlock()
	return s.save(snapshot)
}

// FactoryReset erases the entire namespace.
func (s *Store) FactoryReset() error {
	s.mu.Lock()
	s.data = make(map[string]string)
	s.mu.Unlock()
	slog.Warn("config: factory reset — namespace erased")
	return s.save(map[string]string{})
}

// ProvisioningState derives the three-valued provisioning state from
// the presence of Wi-Fi and MQTT configuration.
func (s *Store) ProvisioningState() ProvisioningState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, hasSSID := s.data[KeyWifiSSID]
	_, hasMQTT := s.data[KeyMQTTURI]

	switch {
	case hasSSID && hasMQTT:
		return Configured
	case hasSSID:
		return WifiOnly
	default:
		return Unconfigured
	}
}

// Export renders the namespace as YAML, for backup or diagnostic display.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := yaml.Marshal(s.data)
	if err != nil {
		return nil, errs.E(opExport, errs.KindIO, err)
	}
	return out, nil
}

// Import replaces the namespace with the contents of a YAML document
// (e.g. restoring factory defaults shipped with the firmware image).
func (s *Store) Import(doc []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return errs.E(opImport, errs.KindInvalid, err, "malformed config document")
	}

	result, err := gojsonschema.Validate(importSchema, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return errs.E(opImport, errs.KindInvalid, err, "could not validate config document")
	}
	if !result.Valid() {
		return errs.E(opImport, errs.KindInvalid, fmt.Errorf("%v", result.Errors()),
			"config document must be a flat object of string values")
	}

	kv := make(map[string]string, len(raw))
	for k, v := range raw {
		kv[k] = v.(string)
	}

	s.mu.Lock()
	s.data = kv
	snapshot := s.cloneLocked()
	s.mu.Unlock()
	return s.save(snapshot)
}

func (s *Store) cloneLocked() map[string]string {
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *Store) save(snapshot map[string]string) error {
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errs.E(opSave, errs.KindIO, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errs.E(opSave, errs.KindIO, err, "could not write config store")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.E(opSave, errs.KindIO, err, "could not commit config store")
	}
	return nil
}
