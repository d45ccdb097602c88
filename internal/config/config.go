// Package config parses the daemon's YAML configuration file: a single
// "program" section plus an open-ended set of model entries, each of
// which carries one or more hardware-variant blocks.
//
// Variant blocks are not a closed schema — any key alongside aliases/mode/
// port/auto_start whose value is a mapping containing required_devices is
// a variant. yaml.Node is used instead of map[string]interface{} so that
// definition order survives the parse; the adaptive selector depends on it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the "program" section of the config file.
type Settings struct {
	Host                 string
	Port                 int
	DevicePluginDir      string
	InterfacePluginDir   string
	AliveTime            time.Duration
	LogLevel             string
	DisableGPUMonitoring bool
}

// DefaultSettings mirrors the defaults of the system this config format is
// modeled on.
func DefaultSettings() Settings {
	return Settings{
		Host:               "0.0.0.0",
		Port:               8080,
		DevicePluginDir:    "plugins/devices",
		InterfacePluginDir: "plugins/interfaces",
		AliveTime:          60 * time.Minute,
		LogLevel:           "info",
	}
}

// Variant is one hardware-specific way of launching a model.
type Variant struct {
	// Name is the variant block's key in the config file — the
	// config_source label carried into the resolved run config.
	Name            string
	RequiredDevices []string
	MemoryMB        map[string]int
	ScriptPath      string
}

// ModelEntry is one model's configuration: its aliases, fixed fields, and
// ordered list of variant blocks.
type ModelEntry struct {
	// Key is the entry's top-level document key, used as the sole alias
	// when the entry carries no explicit "aliases" list.
	Key       string
	Aliases   []string
	Mode      string
	Port      int
	AutoStart bool
	Variants  []Variant
}

// PrimaryName is the canonical name this entry is tracked under.
func (m *ModelEntry) PrimaryName() string {
	if len(m.Aliases) > 0 {
		return m.Aliases[0]
	}
	return m.Key
}

// Config is the fully parsed document.
type Config struct {
	Settings Settings
	// Models preserves file order; auto-start requests are issued in this
	// order at startup.
	Models []*ModelEntry
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a config document from bytes.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(root.Content) == 0 {
		return &Config{Settings: DefaultSettings()}, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse config: top level must be a mapping")
	}

	cfg := &Config{Settings: DefaultSettings()}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		keyNode, valNode := doc.Content[i], doc.Content[i+1]
		key := keyNode.Value

		if key == "program" {
			if err := decodeProgram(valNode, &cfg.Settings); err != nil {
				return nil, fmt.Errorf("parse program section: %w", err)
			}
			continue
		}

		entry, err := decodeModelEntry(key, valNode)
		if err != nil {
			return nil, fmt.Errorf("parse model %q: %w", key, err)
		}
		cfg.Models = append(cfg.Models, entry)
	}

	return cfg, nil
}

func decodeProgram(n *yaml.Node, s *Settings) error {
	var raw struct {
		Host                 string `yaml:"host"`
		Port                 int    `yaml:"port"`
		DevicePluginDir      string `yaml:"device_plugin_dir"`
		InterfacePluginDir   string `yaml:"interface_plugin_dir"`
		AliveTimeMinutes     *int   `yaml:"alive_time"`
		LogLevel             string `yaml:"log_level"`
		DisableGPUMonitoring bool   `yaml:"disable_gpu_monitoring"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if raw.Host != "" {
		s.Host = raw.Host
	}
	if raw.Port != 0 {
		s.Port = raw.Port
	}
	if raw.DevicePluginDir != "" {
		s.DevicePluginDir = raw.DevicePluginDir
	}
	if raw.InterfacePluginDir != "" {
		s.InterfacePluginDir = raw.InterfacePluginDir
	}
	if raw.AliveTimeMinutes != nil {
		s.AliveTime = time.Duration(*raw.AliveTimeMinutes) * time.Minute
	}
	if raw.LogLevel != "" {
		s.LogLevel = raw.LogLevel
	}
	s.DisableGPUMonitoring = raw.DisableGPUMonitoring
	return nil
}

var knownModelKeys = map[string]bool{
	"aliases": true, "mode": true, "port": true, "auto_start": true,
}

func decodeModelEntry(key string, n *yaml.Node) (*ModelEntry, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("model entry must be a mapping")
	}

	entry := &ModelEntry{Key: key}

	for i := 0; i+1 < len(n.Content); i += 2 {
		fieldKey, fieldVal := n.Content[i], n.Content[i+1]
		switch fieldKey.Value {
		case "aliases":
			if err := fieldVal.Decode(&entry.Aliases); err != nil {
				return nil, fmt.Errorf("decode aliases: %w", err)
			}
		case "mode":
			entry.Mode = fieldVal.Value
		case "port":
			if err := fieldVal.Decode(&entry.Port); err != nil {
				return nil, fmt.Errorf("decode port: %w", err)
			}
		case "auto_start":
			if err := fieldVal.Decode(&entry.AutoStart); err != nil {
				return nil, fmt.Errorf("decode auto_start: %w", err)
			}
		default:
			if knownModelKeys[fieldKey.Value] {
				continue
			}
			variant, ok, err := maybeVariant(fieldKey.Value, fieldVal)
			if err != nil {
				return nil, err
			}
			if ok {
				entry.Variants = append(entry.Variants, variant)
			}
		}
	}

	if len(entry.Aliases) == 0 {
		entry.Aliases = []string{key}
	}

	return entry, nil
}

// maybeVariant reports whether n looks like a variant block — any mapping
// containing required_devices, per the "dynamic config shape" design note.
func maybeVariant(name string, n *yaml.Node) (Variant, bool, error) {
	if n.Kind != yaml.MappingNode {
		return Variant{}, false, nil
	}

	var raw struct {
		RequiredDevices []string       `yaml:"required_devices"`
		MemoryMB        map[string]int `yaml:"memory_mb"`
		ScriptPath      string         `yaml:"script_path"`
	}
	hasRequiredDevices := false
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "required_devices" {
			hasRequiredDevices = true
			break
		}
	}
	if !hasRequiredDevices {
		return Variant{}, false, nil
	}
	if err := n.Decode(&raw); err != nil {
		return Variant{}, false, fmt.Errorf("decode variant %q: %w", name, err)
	}

	return Variant{
		Name:            name,
		RequiredDevices: raw.RequiredDevices,
		MemoryMB:        raw.MemoryMB,
		ScriptPath:      raw.ScriptPath,
	}, true, nil
}
