package framesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tellyhubcloud/ingestcore/media"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// noGrabRestartThreshold is the number of consecutive ticks without an
// audio pop that trigger a synchronizer restart, roughly 300 ms at the
// 1 ms tick interval.
const noGrabRestartThreshold = 300

const tickInterval = time.Millisecond

// Dispatch is called once per released Frame, in strict temporal order.
type Dispatch func(f *media.Frame)

// Synchronizer owns the bounded video and audio windows and releases
// frames to the dispatcher in ascending FullTime order, guaranteeing
// audio-before-or-equal-to-video release for any pair it emits. Both
// windows share a single mutex since inserts, peeks, pops, and drains
// must be atomic with respect to each other.
type Synchronizer struct {
	log *slog.Logger
	bus *signalbus.Bus

	mu    sync.Mutex
	video *Window
	audio *Window

	activeVideoSources int

	noGrab int

	// pendingDiscontinuity is set after a restart so the next frame
	// dispatched carries Frame.Discontinuity.
	pendingDiscontinuity bool

	dispatch Dispatch

	restartCh chan string

	// Restarts counts completed restarts, surfaced to the supervisor.
	Restarts int
}

// New creates a Synchronizer with the given per-window capacities and the
// active-video-sources look-ahead threshold: frames release only while
// both windows hold strictly more entries than that threshold, so a
// future frame always exists to decide ordering.
func New(log *slog.Logger, bus *signalbus.Bus, videoCapacity, audioCapacity, activeVideoSources int, dispatch Dispatch) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		log:                 log.With("component", "framesync"),
		bus:                 bus,
		video:               NewWindow(videoCapacity),
		audio:               NewWindow(audioCapacity),
		activeVideoSources:  activeVideoSources,
		dispatch:            dispatch,
		restartCh:           make(chan string, 1),
		pendingDiscontinuity: true, // the very first released frame after startup also carries it
	}
}

// AddVideo inserts a video Frame into the sorted video window. If the
// window is already at capacity the insert is refused and a restart is
// requested instead of overflowing.
func (s *Synchronizer) AddVideo(f *media.Frame) { s.add(s.video, f, "video") }

// AddAudio inserts an audio Frame into the sorted audio window.
func (s *Synchronizer) AddAudio(f *media.Frame) { s.add(s.audio, f, "audio") }

func (s *Synchronizer) add(w *Window, f *media.Frame, kind string) {
	s.mu.Lock()
	ok := w.Insert(f)
	s.mu.Unlock()
	if !ok {
		s.requestRestart(fmt.Sprintf("%s window at capacity", kind))
	}
}

// RequestRestart asks the synchronizer loop to drain both windows and
// re-enter steady state. Wired to the normalizer's suspicious-sample path
// and the supervisor's MSG_RESTART handling.
func (s *Synchronizer) RequestRestart(reason string) { s.requestRestart(reason) }

func (s *Synchronizer) requestRestart(reason string) {
	s.bus.Emit(signalbus.Event{
		Kind:    signalbus.ServiceRestart,
		Message: "frame synchronizer restart: " + reason,
		Source:  "framesync",
	})
	select {
	case s.restartCh <- reason:
	default:
	}
}

// VideoLen and AudioLen expose window depth for the supervisor and tests.
func (s *Synchronizer) VideoLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video.Len()
}

func (s *Synchronizer) AudioLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio.Len()
}

// Run drives the synchronizer loop until ctx is cancelled. It never
// returns an error: restart is handled in place (drain, reset, continue)
// rather than by tearing down and respawning the goroutine, which is
// behaviorally equivalent for a single-instance stage.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-s.restartCh:
			s.restart(reason)
			continue
		case <-ticker.C:
		}

		s.tick()
	}
}

func (s *Synchronizer) tick() {
	s.mu.Lock()

	if s.video.Len() <= s.activeVideoSources || s.audio.Len() <= s.activeVideoSources {
		s.mu.Unlock()
		return
	}

	grabbed := false
	audioAhead := false
	for {
		a, aok := s.audio.Peek()
		v, vok := s.video.Peek()
		if !aok || !vok {
			break
		}
		if a.FullTime > v.FullTime {
			audioAhead = true
			break
		}
		if s.audio.Len() <= s.activeVideoSources {
			// Look-ahead exhausted with audio still at or behind the video
			// head: wait for more audio before releasing the video frame,
			// or an earlier audio sample would follow it out.
			break
		}
		frame, _ := s.audio.Pop()
		grabbed = true
		s.emit(frame)
	}

	if grabbed {
		s.noGrab = 0
	} else {
		s.noGrab++
	}

	if s.noGrab >= noGrabRestartThreshold {
		s.mu.Unlock()
		s.requestRestart("no-grab threshold exceeded")
		return
	}

	if !audioAhead {
		s.mu.Unlock()
		return
	}

	vf, ok := s.video.Pop()
	s.mu.Unlock()
	if ok {
		s.emit(vf)
	}
}

// emit attaches the pending discontinuity flag (if any) and hands the
// frame to the dispatcher.
func (s *Synchronizer) emit(f *media.Frame) {
	if s.pendingDiscontinuity {
		f.Discontinuity = true
		s.pendingDiscontinuity = false
	}
	s.dispatch(f)
}

// restart drains both windows, returning every held payload to its pool,
// and resets internal counters. The next frame released after this call
// carries a discontinuity flag.
func (s *Synchronizer) restart(reason string) {
	s.log.Error("restarting frame synchronizer", "reason", reason)

	s.mu.Lock()
	videoHeld := s.video.Drain()
	audioHeld := s.audio.Drain()
	s.noGrab = 0
	s.mu.Unlock()

	for _, f := range videoHeld {
		f.Release()
	}
	for _, f := range audioHeld {
		f.Release()
	}

	s.pendingDiscontinuity = true
	s.Restarts++

	s.bus.Emit(signalbus.Event{
		Kind:    signalbus.ServiceRestart,
		Message: "frame synchronizer restarted, " + reason,
		Source:  "framesync",
	})
}
