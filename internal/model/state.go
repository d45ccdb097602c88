// Package model holds the per-model runtime state table and the lifecycle
// controller that drives each model's state machine, the resource
// arbiter, and the idle reaper.
package model

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kyleoliver/modelgated/internal/selector"
)

// Status is one point in the per-model state machine.
type Status string

const (
	StatusStopped     Status = "stopped"
	StatusStarting    Status = "starting"
	StatusInitScript  Status = "init_script"
	StatusHealthCheck Status = "health_check"
	StatusRouting     Status = "routing"
	StatusFailed      Status = "failed"
)

// State is one model's runtime record. state_mutex in the spec is realized
// here as mu guarding every field below except the atomic mirrors used for
// lockless single-field reads (statusAtomic, pidAtomic, lastAccessAtomic).
// Go has no reentrant mutex, so every method that needs to call back into
// another State method (the arbiter stopping a victim, for instance) takes
// a short critical section, copies what it needs, and releases mu before
// making that call — see lifecycle.go.
type State struct {
	name string

	mu              sync.Mutex
	status          Status
	currentVariant  *selector.RunConfig
	pid             int
	lastAccess      time.Time
	failureReason   string

	statusAtomic     atomic.Value // Status
	pidAtomic        atomic.Int64
	lastAccessAtomic atomic.Int64 // unix nanos

	// startupGate serializes start attempts for this model (I4). It is a
	// distinct lock from mu: mu covers field coherence, startupGate
	// covers the entire multi-step start sequence.
	startupGate chan struct{}

	inFlight atomic.Int64
}

// NewState creates a fresh, stopped state record for name.
func NewState(name string) *State {
	s := &State{
		name:        name,
		status:      StatusStopped,
		startupGate: make(chan struct{}, 1),
	}
	s.statusAtomic.Store(StatusStopped)
	return s
}

// Name returns the model's primary name.
func (s *State) Name() string { return s.name }

// Status reads the current status without blocking (I3/I6 readers use
// this on the hot path).
func (s *State) Status() Status {
	return s.statusAtomic.Load().(Status)
}

// LastAccess reads the last-access timestamp without blocking.
func (s *State) LastAccess() time.Time {
	nanos := s.lastAccessAtomic.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// PID reads the current pid without blocking; 0 means no child running.
func (s *State) PID() int {
	return int(s.pidAtomic.Load())
}

// InFlight returns the current in-flight request count.
func (s *State) InFlight() int64 {
	return s.inFlight.Load()
}

// Snapshot is a coherent multi-field read of a State.
type Snapshot struct {
	Status        Status
	CurrentVariant *selector.RunConfig
	PID           int
	LastAccess    time.Time
	FailureReason string
	InFlight      int64
}

// Read takes mu for a single coherent multi-field read.
func (s *State) Read() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:         s.status,
		CurrentVariant: s.currentVariant,
		PID:            s.pid,
		LastAccess:     s.lastAccess,
		FailureReason:  s.failureReason,
		InFlight:       s.inFlight.Load(),
	}
}

// setStatus updates status under mu and mirrors it to the atomic word.
// Callers must already hold mu.
func (s *State) setStatus(st Status) {
	s.status = st
	s.statusAtomic.Store(st)
}

// touchAccess updates last_access under mu to now, maintaining I6 (a
// monotonically non-decreasing last_access within a routing epoch) simply
// by always writing wall-clock now.
func (s *State) touchAccess() {
	now := time.Now()
	s.lastAccess = now
	s.lastAccessAtomic.Store(now.UnixNano())
}

// TouchAccess is the externally callable form used by the gateway on
// request arrival/completion/reuse.
func (s *State) TouchAccess() {
	s.mu.Lock()
	s.touchAccess()
	s.mu.Unlock()
}

// Increment bumps the in-flight counter and touches last_access (§4.G.3).
func (s *State) Increment() {
	s.inFlight.Add(1)
	s.TouchAccess()
}

// Decrement drops the in-flight counter and touches last_access. Callers
// must ensure this runs exactly once per request (see gateway.go).
func (s *State) Decrement() {
	if s.inFlight.Add(-1) < 0 {
		s.inFlight.Store(0)
	}
	s.TouchAccess()
}

// setPID updates pid under mu. Callers must already hold mu.
func (s *State) setPID(pid int) {
	s.pid = pid
	s.pidAtomic.Store(int64(pid))
}

// Table is the process-wide set of model state records, one per primary
// name, constructed once at startup and passed explicitly through
// constructors rather than held in a package-level global (per the
// "no ambient globals" design note).
type Table struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewTable builds an empty table.
func NewTable() *Table {
	return &Table{states: make(map[string]*State)}
}

// Ensure returns the State for name, creating it if this is the first
// reference (used at startup to seed one record per configured model).
func (t *Table) Ensure(name string) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[name]; ok {
		return s
	}
	s := NewState(name)
	t.states[name] = s
	return s
}

// Get returns the State for name, or (nil, false) if unknown.
func (t *Table) Get(name string) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[name]
	return s, ok
}

// All returns every tracked State, in no particular order.
func (t *Table) All() []*State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	return out
}
