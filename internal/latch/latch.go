// Package latch implements the SCTE-35 splice latch: it consumes
// splice_insert commands from a dedicated queue and attaches splice state
// to the outgoing video Frame stream using anchor-time arithmetic,
// activation, cancellation, and expiry.
package latch

import (
	"fmt"
	"log/slog"

	"github.com/tellyhubcloud/ingestcore/media"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// lateThreshold and earlyThreshold bound how far a splice_insert's anchor
// time may sit from the current video frame before the message is dropped
// instead of acted on. Both are empirically tuned field values.
const (
	tickBase       = 5400000
	lateThreshold  = -5 * tickBase
	earlyThreshold = 10 * tickBase
)

// Command is a decoded splice_insert (command type 0x05, the only one the
// latch honors), carrying the subset of scte35.SpliceInsert fields the
// state machine needs.
type Command struct {
	SpliceImmediate  bool
	OutOfNetwork     bool
	Cancel           bool
	TimeSpecified    bool
	PTSTime          int64 // 33-bit, valid iff TimeSpecified
	PTSAdjustment    int64 // 33-bit
	Duration         int64 // 90kHz ticks; 0 means "no duration"
	AutoReturn       bool
}

// Context is the per-session splice state: ready flag, target pts,
// duration/remaining, triggered flag, and the last pts_diff used for
// zero-crossing edge detection.
type Context struct {
	Ready             bool
	TargetPTS         int64
	Duration          int64
	DurationRemaining int64
	Triggered         bool
	LastPTSDiff       int64
}

// Latch is confined to the video forwarding goroutine and needs no lock.
type Latch struct {
	log *slog.Logger
	bus *signalbus.Bus

	ctx Context

	// pending holds splice_insert commands not yet consumed; callers feed
	// them with Submit.
	pending []Command
}

// New creates a Latch.
func New(log *slog.Logger, bus *signalbus.Bus) *Latch {
	if log == nil {
		log = slog.Default()
	}
	return &Latch{log: log.With("component", "scte35-latch"), bus: bus}
}

// Submit enqueues a decoded splice_insert command. Only SpliceInsertType
// commands should ever reach the Latch; the caller (the pipeline's
// scte35Decode) filters splice_null/time_signal upstream.
func (l *Latch) Submit(cmd Command) {
	l.pending = append(l.pending, cmd)
}

// Process runs the latch's per-video-frame state machine, writing the
// splice point, total duration, and remaining duration onto f. It must be
// called once per outgoing video Frame, in FullTime order.
func (l *Latch) Process(f *media.Frame) {
	if !l.ctx.Ready {
		l.drainOneCommand(f)
	}

	if !l.ctx.Ready {
		return
	}

	anchor := f.FullTime % media.PTSWrap
	var diff int64
	if l.ctx.TargetPTS == 0 {
		diff = 0
		l.ctx.TargetPTS = anchor // immediate trigger
	} else {
		diff = l.ctx.TargetPTS - anchor
	}

	switch {
	case l.ctx.Triggered:
		l.ctx.DurationRemaining = l.ctx.Duration - abs64(diff)
		f.SpliceDurationRemaining = l.ctx.DurationRemaining
		if f.SpliceDurationRemaining < 0 {
			f.SpliceDurationRemaining = 0
			l.ctx.DurationRemaining = 0
			l.ctx.Triggered = false
			l.ctx.Duration = 0
			f.SplicePoint = media.SpliceCueIn
			l.ctx.Ready = false
			l.ctx.LastPTSDiff = 0
			l.emit(signalbus.SCTE35End, fmt.Sprintf("splice duration finished, anchor_time=%d", anchor))
		} else {
			f.SplicePoint = media.SpliceNone
			l.ctx.LastPTSDiff = diff
		}
		f.SpliceDuration = l.ctx.Duration

	case diff < lateThreshold:
		l.emit(signalbus.SCTE35DropMessage, fmt.Sprintf("dropping message, too late, time_diff=%d, anchor_time=%d", diff, anchor))
		l.cancel(f)

	case diff > earlyThreshold:
		l.emit(signalbus.SCTE35DropMessage, fmt.Sprintf("dropping message, too early, time_diff=%d, anchor_time=%d", diff, anchor))
		l.cancel(f)

	case diff <= 0 && l.ctx.LastPTSDiff >= 0:
		l.ctx.LastPTSDiff = 0
		f.SplicePoint = media.SpliceCueOut
		f.SpliceDuration = l.ctx.Duration
		f.SpliceDurationRemaining = l.ctx.Duration
		l.ctx.Triggered = true
		l.emit(signalbus.SCTE35Triggered, fmt.Sprintf("signal triggered, anchor_time=%d, target_pts=%d", anchor, l.ctx.TargetPTS))

	case diff < 0:
		// Already past the trigger window with no prior positive diff on
		// record — treat as an inconsistent signal and clear state.
		l.cancel(f)

	default:
		l.ctx.LastPTSDiff = diff
		f.SplicePoint = media.SpliceNone
		f.SpliceDuration = 0
		f.SpliceDurationRemaining = 0
	}
}

func (l *Latch) cancel(f *media.Frame) {
	l.ctx = Context{}
	f.SplicePoint = media.SpliceNone
	f.SpliceDuration = 0
	f.SpliceDurationRemaining = 0
}

// drainOneCommand pops the next pending command (if any) and applies its
// state transition.
func (l *Latch) drainOneCommand(f *media.Frame) {
	if len(l.pending) == 0 {
		return
	}
	cmd := l.pending[0]
	l.pending = l.pending[1:]

	anchor := f.FullTime % media.PTSWrap

	switch {
	case cmd.SpliceImmediate:
		l.ctx = Context{Ready: true, TargetPTS: 0, Duration: cmd.Duration, DurationRemaining: cmd.Duration}
		l.emit(signalbus.SCTE35Start, fmt.Sprintf("cue-out immediate, anchor_time=%d, duration=%d, auto_return=%v", anchor, cmd.Duration, cmd.AutoReturn))

	case cmd.Duration > 0 && !cmd.Cancel && cmd.OutOfNetwork:
		target := cmd.PTSTime + cmd.PTSAdjustment
		if target >= media.PTSWrap {
			target -= media.PTSWrap
		}
		l.ctx = Context{Ready: true, TargetPTS: target, Duration: cmd.Duration, DurationRemaining: cmd.Duration}
		l.emit(signalbus.SCTE35Start, fmt.Sprintf("cue-out, anchor_time=%d, splice_time=%d, duration=%d, auto_return=%v", anchor, target, cmd.Duration, cmd.AutoReturn))

	case cmd.Duration == 0 && cmd.OutOfNetwork:
		// No duration: informational only, no action taken.
		l.ctx = Context{}
		l.emit(signalbus.SCTE35Start, fmt.Sprintf("cue-out detected, anchor_time=%d, no duration, no action", anchor))

	case !cmd.OutOfNetwork:
		target := cmd.PTSTime + cmd.PTSAdjustment
		if target >= media.PTSWrap {
			target -= media.PTSWrap
		}
		l.ctx = Context{}
		l.emit(signalbus.SCTE35End, fmt.Sprintf("cue-in, anchor_time=%d, splice_time=%d", anchor, target))

	default:
		l.ctx = Context{}
	}
}

func (l *Latch) emit(kind signalbus.Kind, msg string) {
	l.bus.Emit(signalbus.Event{Kind: kind, Message: msg, Source: "scte35-latch"})
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
