package device

import (
	"context"
	"testing"
	"time"
)

type fakeProbe struct {
	name   string
	status Status
	panics bool
}

func (f fakeProbe) Name() string { return f.name }

func (f fakeProbe) Check(ctx context.Context) Status {
	if f.panics {
		panic("boom")
	}
	return f.status
}

func TestUpdateNowPopulatesSnapshot(t *testing.T) {
	c := NewCache([]Probe{
		fakeProbe{name: "CPU", status: Status{Online: true, Info: &Info{TotalMB: 1000, AvailableMB: 800}}},
		fakeProbe{name: "gpu0", status: Status{Online: false, Error: "offline"}},
	}, time.Second)

	c.UpdateNow()

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if !snap["CPU"].Online {
		t.Fatal("expected CPU online")
	}
	if snap["gpu0"].Online {
		t.Fatal("expected gpu0 offline")
	}

	online := c.OnlineSet()
	if !online["CPU"] || online["gpu0"] {
		t.Fatalf("unexpected online set: %+v", online)
	}
}

func TestPanickingProbeDoesNotAffectOthers(t *testing.T) {
	c := NewCache([]Probe{
		fakeProbe{name: "bad", panics: true},
		fakeProbe{name: "good", status: Status{Online: true}},
	}, time.Second)

	c.UpdateNow()

	snap := c.Snapshot()
	if snap["bad"].Online {
		t.Fatal("panicking probe should report offline")
	}
	if snap["bad"].Error == "" {
		t.Fatal("panicking probe should carry an error")
	}
	if !snap["good"].Online {
		t.Fatal("other probe should be unaffected")
	}
}

func TestRunStopsPromptly(t *testing.T) {
	c := NewCache([]Probe{fakeProbe{name: "CPU", status: Status{Online: true}}}, 5*time.Second)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop promptly after Stop")
	}
}
