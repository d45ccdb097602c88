package model

import (
	"context"
	"fmt"
	"time"

	"github.com/kyleoliver/modelgated/internal/apierr"
	"github.com/kyleoliver/modelgated/internal/config"
	"github.com/kyleoliver/modelgated/internal/device"
	"github.com/kyleoliver/modelgated/internal/iface"
	"github.com/kyleoliver/modelgated/internal/logstore"
	"github.com/kyleoliver/modelgated/internal/selector"
	"github.com/kyleoliver/modelgated/internal/supervisor"
	"github.com/sirupsen/logrus"
)

// Entries indexes config entries by every alias plus their primary name,
// so the gateway and admin surface can resolve either form to one record.
type Entries struct {
	byAlias map[string]*config.ModelEntry
}

func NewEntries(models []*config.ModelEntry) *Entries {
	e := &Entries{byAlias: make(map[string]*config.ModelEntry)}
	for _, m := range models {
		primary := m.PrimaryName()
		e.byAlias[primary] = m
		for _, a := range m.Aliases {
			e.byAlias[a] = m
		}
	}
	return e
}

func (e *Entries) Resolve(alias string) (*config.ModelEntry, bool) {
	m, ok := e.byAlias[alias]
	return m, ok
}

// Controller drives start_model/stop_model and the idle reaper for every
// configured model. It holds no per-request state; all of that lives in
// the State records in the Table.
type Controller struct {
	settings   config.Settings
	entries    *Entries
	table      *Table
	devices    *device.Cache
	registry   *iface.Registry
	sup        *supervisor.Supervisor
	logs       *logstore.Store
	log        *logrus.Entry

	// workers bounds how many models can be in the blocking part of a
	// start (spawn, health probe) at once; excess starts queue on the
	// channel rather than being rejected.
	workers chan struct{}

	// healthCheckBudget bounds the two-phase probe after the init script
	// launches; shortened in tests.
	healthCheckBudget time.Duration
}

func NewController(
	settings config.Settings,
	entries *Entries,
	table *Table,
	devices *device.Cache,
	registry *iface.Registry,
	sup *supervisor.Supervisor,
	logs *logstore.Store,
	log *logrus.Entry,
) *Controller {
	return &Controller{
		settings:          settings,
		entries:           entries,
		table:             table,
		devices:           devices,
		registry:          registry,
		sup:               sup,
		logs:              logs,
		log:               log,
		workers:           make(chan struct{}, 5),
		healthCheckBudget: 5 * time.Minute,
	}
}

// Start begins a model's startup sequence if it is not already
// running/starting, coalescing concurrent callers onto the same attempt
// (I4). It blocks until the model reaches routing or failed.
func (c *Controller) Start(ctx context.Context, name string) error {
	entry, ok := c.entries.Resolve(name)
	if !ok {
		return apierr.NotFoundf("unknown model %q", name)
	}
	st := c.table.Ensure(entry.PrimaryName())

	// Fast path: an already-routing model just gets its last_access
	// refreshed, no gate involved.
	if st.Status() == StatusRouting {
		st.TouchAccess()
		return nil
	}

	select {
	case st.startupGate <- struct{}{}:
		defer func() { <-st.startupGate }()
	default:
		// Another caller is already driving startup; wait for it to
		// finish rather than starting a second attempt.
		return c.waitForOutcome(ctx, st)
	}

	switch st.Status() {
	case StatusRouting:
		st.TouchAccess()
		return nil
	case StatusFailed, StatusStopped:
		// fall through to (re)start below
	default:
		return c.waitForOutcome(ctx, st)
	}

	return c.startIntelligent(ctx, entry, st)
}

// waitForOutcome polls a state already under another goroutine's startup
// gate until it leaves the starting pipeline. A stopped status only counts
// as terminal once the gate is free again: there is a brief window where
// the gate holder has committed to starting but has not yet published
// StatusStarting, and waiters must not mistake that for a dead model.
func (c *Controller) waitForOutcome(ctx context.Context, st *State) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(2 * time.Minute)
	for {
		switch st.Status() {
		case StatusRouting:
			return nil
		case StatusFailed:
			snap := st.Read()
			return apierr.New(apierr.ServiceUnavailable, snap.FailureReason)
		case StatusStopped:
			if gateFree(st) {
				snap := st.Read()
				msg := snap.FailureReason
				if msg == "" {
					msg = fmt.Sprintf("model %q stopped before becoming ready", st.Name())
				}
				return apierr.New(apierr.ServiceUnavailable, msg)
			}
		}
		if time.Now().After(deadline) {
			return apierr.ServiceUnavailablef("timed out waiting for model %q to start", st.Name())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func gateFree(st *State) bool {
	select {
	case st.startupGate <- struct{}{}:
		<-st.startupGate
		return true
	default:
		return false
	}
}

// startIntelligent runs the adaptive selection, resource arbiter, init
// script, and two-phase health check in sequence, recording state
// transitions as it goes. Caller holds st.startupGate.
func (c *Controller) startIntelligent(ctx context.Context, entry *config.ModelEntry, st *State) error {
	st.mu.Lock()
	st.setStatus(StatusStarting)
	st.failureReason = ""
	st.mu.Unlock()

	select {
	case c.workers <- struct{}{}:
		defer func() { <-c.workers }()
	case <-ctx.Done():
		return c.fail(st, fmt.Errorf("waiting for start worker: %w", ctx.Err()))
	}

	online := c.devices.OnlineSet()
	if c.settings.DisableGPUMonitoring {
		online = selector.UnionOfRequiredDevices(entry)
	}
	run, ok := selector.Select(entry, online)
	if !ok {
		return c.fail(st, fmt.Errorf("no variant of %q matches currently online devices", entry.PrimaryName()))
	}

	st.mu.Lock()
	st.currentVariant = run
	st.mu.Unlock()

	if err := c.arbitrate(ctx, entry.PrimaryName(), run); err != nil {
		return c.fail(st, err)
	}

	st.mu.Lock()
	st.setStatus(StatusInitScript)
	st.mu.Unlock()

	logWriter := c.logs.Writer(entry.PrimaryName())
	pid, err := c.sup.Start(entry.PrimaryName(), run.ScriptPath, "", func(stream, line string) {
		logWriter.WriteLine(stream, line)
	})
	if err != nil {
		return c.fail(st, fmt.Errorf("launch init script: %w", err))
	}

	st.mu.Lock()
	st.setPID(pid)
	st.setStatus(StatusHealthCheck)
	st.mu.Unlock()

	plugin, ok := c.registry.Get(run.Mode)
	if !ok {
		return c.fail(st, fmt.Errorf("no interface plugin registered for mode %q", run.Mode))
	}

	deadline := time.Now().Add(c.healthCheckBudget)
	if err := plugin.HealthCheck(ctx, entry.PrimaryName(), run.Port, deadline); err != nil {
		// A failed probe is retriable: tear the child down and land in
		// stopped, not failed, so a later attempt can try again.
		reason := fmt.Sprintf("health check: %v", err)
		c.stopInternal(entry.PrimaryName(), st, reason)
		c.log.WithField("model", st.Name()).WithError(err).Warn("health check failed, model stopped")
		return apierr.New(apierr.ServiceUnavailable, reason)
	}

	st.mu.Lock()
	st.setStatus(StatusRouting)
	st.touchAccess()
	st.mu.Unlock()
	c.log.WithField("model", entry.PrimaryName()).Info("model is routing")
	return nil
}

func (c *Controller) fail(st *State, cause error) error {
	st.mu.Lock()
	st.setStatus(StatusFailed)
	st.failureReason = cause.Error()
	st.setPID(0)
	st.mu.Unlock()
	c.log.WithField("model", st.Name()).WithError(cause).Warn("model failed to start")
	return apierr.Wrap(apierr.ServiceUnavailable, fmt.Sprintf("failed to start model %q: %v", st.Name(), cause), cause)
}

// arbitrate makes room for run on its memory_mb devices (§4.F.3). Each
// pass recomputes the deficit from the device cache and, if any device is
// short, stops exactly one victim (the least recently accessed idle
// routing model using a deficit device), sleeps 3 s and refreshes the
// cache. At most two passes run, and a pass that finds no victim ends the
// loop early; it fails if a deficit remains on the final re-check.
func (c *Controller) arbitrate(ctx context.Context, requester string, run *selector.RunConfig) error {
	for pass := 0; pass < 2; pass++ {
		deficit, err := c.deficitDevices(run)
		if err != nil {
			return err
		}
		if len(deficit) == 0 {
			return nil
		}
		victim := c.pickVictim(requester, deficit)
		if victim == nil {
			break
		}
		c.log.WithFields(logrus.Fields{"requester": requester, "victim": victim.Name()}).
			Info("evicting idle model to free resources")
		if err := c.StopWithReason(victim.Name(), "evicted to free device memory"); err != nil {
			c.log.WithError(err).Warn("eviction stop failed")
		}
		time.Sleep(3 * time.Second)
		c.devices.UpdateNow()
	}
	deficit, err := c.deficitDevices(run)
	if err != nil {
		return err
	}
	if len(deficit) > 0 {
		return fmt.Errorf("insufficient device memory for %q", requester)
	}
	return nil
}

// deficitDevices reads a fresh device snapshot and returns the set of
// devices among run's memory_mb requirements whose available memory is
// short of what run needs. A required device that is offline fails
// immediately rather than being treated as a deficit to evict around.
func (c *Controller) deficitDevices(run *selector.RunConfig) (map[string]bool, error) {
	snap := c.devices.Snapshot()
	deficit := make(map[string]bool, len(run.MemoryMB))
	for dev, need := range run.MemoryMB {
		st, ok := snap[dev]
		if !ok || !st.Online {
			return nil, fmt.Errorf("required device %q is offline", dev)
		}
		available := 0
		if st.Info != nil {
			available = st.Info.AvailableMB
		}
		if need > available {
			deficit[dev] = true
		}
	}
	return deficit, nil
}

// pickVictim returns the least-recently-accessed routing model, other than
// requester, whose current variant uses at least one device in deficit and
// whose in-flight counter is zero (I5: never evict a model serving a
// request). Returns nil if no such model exists.
func (c *Controller) pickVictim(requester string, deficit map[string]bool) *State {
	var victim *State
	var victimAccess time.Time
	for _, st := range c.table.All() {
		if st.Name() == requester {
			continue
		}
		if st.Status() != StatusRouting {
			continue
		}
		if st.InFlight() > 0 {
			continue
		}
		snap := st.Read()
		if snap.CurrentVariant == nil || !usesAny(snap.CurrentVariant.RequiredDev, deficit) {
			continue
		}
		if victim == nil || snap.LastAccess.Before(victimAccess) {
			victim = st
			victimAccess = snap.LastAccess
		}
	}
	return victim
}

func usesAny(required []string, deficit map[string]bool) bool {
	for _, d := range required {
		if deficit[d] {
			return true
		}
	}
	return false
}

// Stop tears a model down idempotently, tree-killing the child process
// group immediately. Stopping an already-stopped model is a no-op success.
func (c *Controller) Stop(name string) error {
	return c.StopWithReason(name, "user requested")
}

// StopWithReason is Stop with a caller-supplied failure_reason, used by
// the reaper and the resource arbiter so the admin surface can show why a
// model went away.
func (c *Controller) StopWithReason(name, reason string) error {
	entry, ok := c.entries.Resolve(name)
	if !ok {
		return apierr.NotFoundf("unknown model %q", name)
	}
	st := c.table.Ensure(entry.PrimaryName())
	return c.stopInternal(entry.PrimaryName(), st, reason)
}

func (c *Controller) stopInternal(primary string, st *State, reason string) error {
	st.mu.Lock()
	if st.status == StatusStopped {
		st.mu.Unlock()
		return nil
	}
	st.setStatus(StatusStopped)
	st.failureReason = reason
	st.setPID(0)
	st.currentVariant = nil
	st.mu.Unlock()

	timeout := 10 * time.Second
	if err := c.sup.Stop(primary, true, timeout); err != nil {
		return fmt.Errorf("stop %q: %w", primary, err)
	}
	return nil
}

// ProcessInfo exposes the supervisor's view of name's child process for
// the admin info endpoint; ok is false when no process is tracked.
func (c *Controller) ProcessInfo(name string) (supervisor.ProcessInfo, bool) {
	entry, ok := c.entries.Resolve(name)
	if !ok {
		return supervisor.ProcessInfo{}, false
	}
	return c.sup.Info(entry.PrimaryName())
}

// LogWriterIfExists returns the ModelLog for name if one has already been
// created by a start attempt, or nil if the model has never been
// launched. It never creates a new log file as a side effect.
func (c *Controller) LogWriterIfExists(name string) *logstore.ModelLog {
	return c.logs.Get(name)
}

// StopAll stops every model in the state table that is not already
// stopped, used by the admin stop-all endpoint and at shutdown.
func (c *Controller) StopAll() []error {
	var errs []error
	for _, st := range c.table.All() {
		if st.Status() == StatusStopped {
			continue
		}
		if err := c.Stop(st.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// RunReaper starts the idle-reaper loop, stopping routing models whose
// in-flight count is zero and whose last_access exceeds alive_time.
// It blocks until ctx is cancelled.
func (c *Controller) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapOnce()
		}
	}
}

func (c *Controller) reapOnce() {
	if c.settings.AliveTime <= 0 {
		return
	}
	now := time.Now()
	for _, st := range c.table.All() {
		if st.Status() != StatusRouting {
			continue
		}
		if st.InFlight() > 0 {
			continue
		}
		last := st.LastAccess()
		if last.IsZero() || now.Sub(last) < c.settings.AliveTime {
			continue
		}
		c.log.WithField("model", st.Name()).Info("reaping idle model")
		if err := c.StopWithReason(st.Name(), "stopped after idle timeout"); err != nil {
			c.log.WithError(err).Warn("idle reap stop failed")
		}
	}
}
