// Package supervisor watches queue depth, pool occupancy, and stage health
// at a fixed cadence, escalating through HIGH_CPU warnings to an ERROR_CPU
// fatal exit, and servicing the external control queue (stop, restart,
// respawn). Gauges are exported through Prometheus so an operator sees the
// same numbers the escalation logic acts on.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tellyhubcloud/ingestcore/internal/queue"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// Queue depth thresholds: a consumer this far behind is first warned
// about, then reported as an error, then treated as unrecoverable.
const (
	WaitThresholdWarning = 8
	WaitThresholdError   = 15
	WaitThresholdFail    = 30
)

// pollInterval is one supervision pass per ~500 pipeline ticks at the
// 1 ms tick interval.
const pollInterval = 500 * time.Millisecond

var (
	poolUnusedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestcore_pool_unused_slots",
		Help: "Free slots per memory pool",
	}, []string{"pool"})

	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestcore_queue_depth",
		Help: "Pending entries per work queue",
	}, []string{"queue"})

	queuePressureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_queue_pressure_total",
		Help: "Queue depth threshold crossings by severity",
	}, []string{"queue", "severity"})

	softRestartTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestcore_soft_restart_total",
		Help: "Synchronizer soft restarts",
	})
)

// ControlMessage is one command on the external event queue.
type ControlMessage int

const (
	MsgStop ControlMessage = iota
	MsgRestart
	MsgRespawn
)

// PoolStat is the observable surface of a memory pool.
type PoolStat interface {
	Name() string
	UnusedCount() int
	Capacity() int
}

// WatchedQueue names a queue depth to police against the wait thresholds.
type WatchedQueue struct {
	Name  string
	Depth func() int
}

// Supervisor runs the periodic health pass.
type Supervisor struct {
	log *slog.Logger
	bus *signalbus.Bus

	pools  []PoolStat
	queues []WatchedQueue

	control *queue.Queue[ControlMessage]

	// RequestStop asks the process to shut down gracefully (MSG_STOP).
	RequestStop func()
	// RequestRestart asks the synchronizer to soft-restart (MSG_RESTART).
	RequestRestart func()
	// Fatal terminates the process; overridable in tests. Called for
	// ERROR_CPU escalation and MSG_RESPAWN.
	Fatal func()
}

// New creates a Supervisor. If log is nil, slog.Default() is used.
func New(log *slog.Logger, bus *signalbus.Bus, pools []PoolStat, queues []WatchedQueue) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log:     log.With("component", "supervisor"),
		bus:     bus,
		pools:   pools,
		queues:  queues,
		control: queue.New[ControlMessage](),
	}
}

// Control returns the external event queue; an operator-facing layer posts
// MSG_STOP / MSG_RESTART / MSG_RESPAWN onto it.
func (s *Supervisor) Control() *queue.Queue[ControlMessage] {
	return s.control
}

// NoteSoftRestart records one synchronizer restart in the metrics.
func (s *Supervisor) NoteSoftRestart() {
	softRestartTotal.Inc()
}

// Run polls until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		s.drainControl()
		s.pollPools()
		if s.pollQueues() {
			// Fatal threshold reached; Fatal normally never returns.
			return nil
		}
	}
}

func (s *Supervisor) drainControl() {
	for _, msg := range s.control.Drain() {
		switch msg {
		case MsgStop:
			s.log.Info("received stop request")
			if s.RequestStop != nil {
				s.RequestStop()
			}
		case MsgRestart:
			s.log.Info("received restart request")
			if s.RequestRestart != nil {
				s.RequestRestart()
			}
		case MsgRespawn:
			s.log.Error("received respawn request, terminating for external restart")
			s.fatal()
			return
		}
	}
}

func (s *Supervisor) pollPools() {
	for _, p := range s.pools {
		unused := p.UnusedCount()
		poolUnusedGauge.WithLabelValues(p.Name()).Set(float64(unused))
		s.log.Debug("pool occupancy", "pool", p.Name(), "unused", unused, "capacity", p.Capacity())
	}
}

// pollQueues checks every watched depth against the wait thresholds,
// returning true when the fatal tier fired.
func (s *Supervisor) pollQueues() bool {
	for _, q := range s.queues {
		depth := q.Depth()
		queueDepthGauge.WithLabelValues(q.Name).Set(float64(depth))

		switch {
		case depth >= WaitThresholdFail:
			queuePressureTotal.WithLabelValues(q.Name, "fatal").Inc()
			s.bus.Emit(signalbus.Event{
				Kind:    signalbus.ErrorCPU,
				Message: fmt.Sprintf("queue %s depth %d at failure threshold, cpu cannot keep up", q.Name, depth),
				Source:  "supervisor",
			})
			s.fatal()
			return true

		case depth >= WaitThresholdError:
			queuePressureTotal.WithLabelValues(q.Name, "error").Inc()
			s.bus.Emit(signalbus.Event{
				Kind:    signalbus.HighCPU,
				Message: fmt.Sprintf("queue %s depth %d exceeds error threshold", q.Name, depth),
				Source:  "supervisor",
			})

		case depth >= WaitThresholdWarning:
			queuePressureTotal.WithLabelValues(q.Name, "warning").Inc()
			s.bus.Emit(signalbus.Event{
				Kind:    signalbus.HighCPU,
				Message: fmt.Sprintf("queue %s depth %d exceeds warning threshold", q.Name, depth),
				Source:  "supervisor",
			})
		}
	}
	return false
}

func (s *Supervisor) fatal() {
	if s.Fatal != nil {
		s.Fatal()
	}
}
