// Package iface defines the per-model-mode interface plugins: a static
// request-path validator and a two-phase health probe against the child's
// OpenAI-compatible HTTP surface.
package iface

import (
	"context"
	"time"
)

// Plugin is keyed by a model's "mode" string (e.g. "Chat", "Embedding").
// Device probes and interface plugins are capability sets, not a class
// hierarchy — this mirrors the duck-typed plugin objects of the system
// this registry is modeled on.
type Plugin interface {
	// ValidateRequest reports whether path is compatible with this mode.
	ValidateRequest(path, modelName string) error
	// HealthCheck runs the two-phase shallow-then-deep probe against the
	// child listening on 127.0.0.1:port, bounded by deadline.
	HealthCheck(ctx context.Context, modelName string, port int, deadline time.Time) error
	// SupportedEndpoints lists the OpenAI-compatible paths this mode serves.
	SupportedEndpoints() []string
}

// Registry is a name→instance map populated at startup, per the
// duck-typed-plugin design note: no dynamic plugin-directory scan, just
// the fixed built-in set this daemon ships with.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry builds a registry with the built-in Chat and Embedding
// plugins already registered.
func NewRegistry() *Registry {
	r := &Registry{plugins: make(map[string]Plugin)}
	r.Register("Chat", NewChat())
	r.Register("Embedding", NewEmbedding())
	return r
}

// Register adds or replaces the plugin for a mode.
func (r *Registry) Register(mode string, p Plugin) {
	r.plugins[mode] = p
}

// Get returns the plugin for mode, or (nil, false) if unknown.
func (r *Registry) Get(mode string) (Plugin, bool) {
	p, ok := r.plugins[mode]
	return p, ok
}
