// Package device maintains the device-status cache: a background ticker
// that probes hardware on a fixed interval so request-handling code never
// blocks on a slow hardware query.
package device

import (
	"context"
	"sync"
	"time"
)

// Info describes one device's resource figures when online.
type Info struct {
	TotalMB     int
	AvailableMB int
	UsedMB      int
	UsagePct    float64
	TempC       *float64
}

// Status is a single device's cache entry.
type Status struct {
	Online bool
	Info   *Info
	Error  string
}

// Probe is a capability-set, not an inheritance hierarchy: anything that
// can report whether its device is online and, if so, its current figures.
type Probe interface {
	Name() string
	Check(ctx context.Context) Status
}

// Cache holds the latest snapshot of every registered probe, refreshed on
// its own ticker. A probe that panics degrades to {online:false,
// error:...} without affecting any other probe or stalling the hot path;
// any other result, including one carrying an error, is stored exactly as
// the probe returned it.
type Cache struct {
	mu      sync.RWMutex
	probes  []Probe
	current map[string]Status

	tickInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCache builds a cache over the given probes. The cache is empty until
// Run or UpdateNow populates it.
func NewCache(probes []Probe, tickInterval time.Duration) *Cache {
	if tickInterval <= 0 {
		tickInterval = 3 * time.Second
	}
	return &Cache{
		probes:       probes,
		current:      make(map[string]Status),
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run starts the background ticker. It blocks until Stop is called, so
// callers run it in its own goroutine. Sleep is done in small increments
// so Stop takes effect promptly rather than waiting a full tick.
func (c *Cache) Run() {
	defer close(c.doneCh)

	const granularity = 100 * time.Millisecond
	c.UpdateNow()

	for {
		slept := time.Duration(0)
		for slept < c.tickInterval {
			select {
			case <-c.stopCh:
				return
			case <-time.After(granularity):
				slept += granularity
			}
		}
		c.UpdateNow()
	}
}

// Stop signals Run to exit and waits for it to finish.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// UpdateNow performs one synchronous probe pass and swaps the result in.
// Used by the lifecycle controller after an eviction to defeat staleness.
func (c *Cache) UpdateNow() {
	next := make(map[string]Status, len(c.probes))
	for _, p := range c.probes {
		next[p.Name()] = safeCheck(p)
	}

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
}

func safeCheck(p Probe) (st Status) {
	defer func() {
		if r := recover(); r != nil {
			st = Status{Online: false, Error: "probe panicked"}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.Check(ctx)
}

// Snapshot returns a deep copy of the current status map.
func (c *Cache) Snapshot() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.current))
	for k, v := range c.current {
		if v.Info != nil {
			info := *v.Info
			if info.TempC != nil {
				temp := *info.TempC
				info.TempC = &temp
			}
			v.Info = &info
		}
		out[k] = v
	}
	return out
}

// OnlineSet returns the set of device names currently online.
func (c *Cache) OnlineSet() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.current))
	for k, v := range c.current {
		if v.Online {
			out[k] = true
		}
	}
	return out
}
