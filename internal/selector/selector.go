// Package selector implements the adaptive configuration selector: picking
// the first hardware variant, in config-file order, whose required devices
// are all online.
package selector

import "github.com/kyleoliver/modelgated/internal/config"

// RunConfig is the resolved configuration for one start attempt: the
// model-level fields plus the chosen variant, stripped to exactly the
// fields the spec allows to propagate.
type RunConfig struct {
	Aliases     []string       `json:"aliases"`
	Mode        string         `json:"mode"`
	Port        int            `json:"port"`
	AutoStart   bool           `json:"auto_start"`
	ScriptPath  string         `json:"script_path"`
	MemoryMB    map[string]int `json:"memory_mb"`
	RequiredDev []string       `json:"required_devices"`
	// ConfigSource is the variant's block name.
	ConfigSource string `json:"config_source"`
}

// Select returns the first variant whose required devices are a subset of
// onlineDevices, merged with the model's top-level fields. Returns
// (nil, false) when no variant matches.
func Select(entry *config.ModelEntry, onlineDevices map[string]bool) (*RunConfig, bool) {
	for _, v := range entry.Variants {
		if subsetOf(v.RequiredDevices, onlineDevices) {
			return &RunConfig{
				Aliases:      entry.Aliases,
				Mode:         entry.Mode,
				Port:         entry.Port,
				AutoStart:    entry.AutoStart,
				ScriptPath:   v.ScriptPath,
				MemoryMB:     v.MemoryMB,
				RequiredDev:  v.RequiredDevices,
				ConfigSource: v.Name,
			}, true
		}
	}
	return nil, false
}

// UnionOfRequiredDevices returns every device name named by any variant of
// entry, used when GPU monitoring is disabled so the selector trusts the
// config instead of live probes.
func UnionOfRequiredDevices(entry *config.ModelEntry) map[string]bool {
	out := make(map[string]bool)
	for _, v := range entry.Variants {
		for _, d := range v.RequiredDevices {
			out[d] = true
		}
	}
	return out
}

func subsetOf(required []string, online map[string]bool) bool {
	for _, d := range required {
		if !online[d] {
			return false
		}
	}
	return true
}
