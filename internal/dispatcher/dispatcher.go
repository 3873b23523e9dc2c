// Package dispatcher forwards frames released by the Frame Synchronizer to
// the packager input queue and retires them: once the packager accepts a
// frame, its payload and header go back to their pools. The dispatcher is
// the last owner in every frame's lifecycle.
package dispatcher

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/tellyhubcloud/ingestcore/internal/packager"
	"github.com/tellyhubcloud/ingestcore/internal/queue"
	"github.com/tellyhubcloud/ingestcore/media"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	VideoDispatched int64
	AudioDispatched int64
	Discontinuities int64
	AcceptErrors    int64
}

// Dispatcher consumes the synchronizer's release order from its input
// queue and hands each frame to the packager Sink.
type Dispatcher struct {
	log  *slog.Logger
	bus  *signalbus.Bus
	in   *queue.Queue[*media.Frame]
	sink packager.Sink

	videoDispatched atomic.Int64
	audioDispatched atomic.Int64
	discontinuities atomic.Int64
	acceptErrors    atomic.Int64
}

// New creates a Dispatcher reading from in and delivering to sink. If log
// is nil, slog.Default() is used.
func New(log *slog.Logger, bus *signalbus.Bus, in *queue.Queue[*media.Frame], sink packager.Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:  log.With("component", "dispatcher"),
		bus:  bus,
		in:   in,
		sink: sink,
	}
}

// Enqueue is the synchronizer-facing entry point: it appends a released
// frame to the packager input queue. Wire it as the synchronizer's
// Dispatch callback.
func (d *Dispatcher) Enqueue(f *media.Frame) {
	d.in.PutFront(f)
}

// QueueDepth exposes the packager input queue depth for supervision.
func (d *Dispatcher) QueueDepth() int { return d.in.Size() }

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		VideoDispatched: d.videoDispatched.Load(),
		AudioDispatched: d.audioDispatched.Load(),
		Discontinuities: d.discontinuities.Load(),
		AcceptErrors:    d.acceptErrors.Load(),
	}
}

// Run consumes frames until ctx is cancelled, then drains whatever is
// still queued so every held pool slot is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		for _, f := range d.in.Drain() {
			f.Release()
		}
	}()

	for {
		f, ok := d.in.TakeBack(ctx)
		if !ok {
			return nil
		}

		if f.Discontinuity {
			d.discontinuities.Add(1)
			d.log.Warn("dispatching discontinuity frame", "source", f.Source, "full_time", f.FullTime)
		}

		if err := d.sink.Accept(f); err != nil {
			d.acceptErrors.Add(1)
			d.bus.Emit(signalbus.Event{
				Kind:    signalbus.ParseEncodeError,
				Message: "packager rejected frame: " + err.Error(),
				Source:  "dispatcher",
			})
		}

		switch f.Kind {
		case media.KindVideo:
			d.videoDispatched.Add(1)
		case media.KindAudio:
			d.audioDispatched.Add(1)
		}

		f.Release()
	}
}
