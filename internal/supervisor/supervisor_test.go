package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tellyhubcloud/ingestcore/internal/pool"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

func TestPollQueuesEscalation(t *testing.T) {
	bus := signalbus.New(nil)
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	events := bus.Subscribe(busCtx, 8)

	depth := 0
	s := New(nil, bus, nil, []WatchedQueue{{Name: "encoder0", Depth: func() int { return depth }}})

	var fatal atomic.Bool
	s.Fatal = func() { fatal.Store(true) }

	// Below warning: nothing.
	depth = WaitThresholdWarning - 1
	if s.pollQueues() {
		t.Fatal("unexpected fatal below warning threshold")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s below warning threshold", ev.Kind)
	default:
	}

	// Warning tier.
	depth = WaitThresholdWarning
	if s.pollQueues() {
		t.Fatal("unexpected fatal at warning threshold")
	}
	ev := <-events
	if ev.Kind != signalbus.HighCPU {
		t.Errorf("event = %s, want HIGH_CPU", ev.Kind)
	}

	// Fatal tier.
	depth = WaitThresholdFail
	if !s.pollQueues() {
		t.Fatal("expected fatal at failure threshold")
	}
	ev = <-events
	if ev.Kind != signalbus.ErrorCPU {
		t.Errorf("event = %s, want ERROR_CPU", ev.Kind)
	}
	if !fatal.Load() {
		t.Error("Fatal hook not invoked")
	}
}

func TestControlMessages(t *testing.T) {
	bus := signalbus.New(nil)
	s := New(nil, bus, nil, nil)

	var stopped, restarted, respawned atomic.Bool
	s.RequestStop = func() { stopped.Store(true) }
	s.RequestRestart = func() { restarted.Store(true) }
	s.Fatal = func() { respawned.Store(true) }

	s.Control().PutFront(MsgStop)
	s.Control().PutFront(MsgRestart)
	s.drainControl()

	if !stopped.Load() {
		t.Error("MSG_STOP not serviced")
	}
	if !restarted.Load() {
		t.Error("MSG_RESTART not serviced")
	}
	if respawned.Load() {
		t.Error("Fatal invoked without MSG_RESPAWN")
	}

	s.Control().PutFront(MsgRespawn)
	s.drainControl()
	if !respawned.Load() {
		t.Error("MSG_RESPAWN did not invoke Fatal")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	bus := signalbus.New(nil)
	p := pool.New("frames", 4, 8)
	s := New(nil, bus, []PoolStat{p}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
