// Package drift implements the two independent A/V drift controllers, one
// on the audio path and one on the video path, each detecting and
// correcting desynchronization within bounded tolerances and declaring a
// fatal restart beyond them.
package drift

import (
	"sync"

	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// AudioThresholdCheck is the number of consecutive out-of-tolerance
// observations that escalate an audio drift condition to fatal.
const AudioThresholdCheck = 16

// AudioDecision is the outcome of one Audio.Evaluate call.
type AudioDecision struct {
	// SilenceFrames is how many zero-filled filler buffers to push to the
	// monitor queue before the real buffer.
	SilenceFrames int
	// DropCurrent means the decoded buffer just produced must not be
	// pushed to the monitor queue at all.
	DropCurrent bool
	// Fatal means the drift has exceeded the quit threshold for
	// AudioThresholdCheck consecutive checks; the caller must emit
	// ERROR_AVSYNC and terminate the process.
	Fatal bool
}

// Audio is one per-audio-sub-stream drift controller. Its running byte
// total is guarded by its own mutex because the decode path, the signal
// loss monitor, and the supervisor all read/update it.
type Audio struct {
	bus *signalbus.Bus

	sampleRate     int
	channels       int // source/decode channel count
	outputChannels int // output channel count (post downmix, if any)

	firstFullTime int64
	haveFirst     bool

	mu     sync.Mutex
	actual int64 // bytes ever pushed to the monitor queue for this stream

	thresholdCheck int
}

// NewAudio creates an Audio drift controller for one sub-stream.
func NewAudio(bus *signalbus.Bus, sampleRate, channels, outputChannels int) *Audio {
	return &Audio{
		bus:            bus,
		sampleRate:     sampleRate,
		channels:       channels,
		outputChannels: outputChannels,
	}
}

// TicksPerSample is sample_rate/100_000 × 2 × channels, the byte cost of
// one 90 kHz-scaled source tick.
func (a *Audio) TicksPerSample() float64 {
	return (float64(a.sampleRate) / 100000.0) * 2.0 * float64(a.channels)
}

// ActualBytes returns the running total of bytes ever pushed to the
// monitor queue for this stream.
func (a *Audio) ActualBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actual
}

func (a *Audio) addActual(n int64) {
	a.mu.Lock()
	a.actual += n
	a.mu.Unlock()
}

// Evaluate runs the drift check for one just-decoded audio buffer of
// bufSize bytes arriving at source time fullTime (90kHz ticks). It updates
// the running actual-bytes total to match exactly what the caller pushes
// to the monitor queue: bufSize for every synthesized silence buffer, plus
// bufSize for the real buffer unless DropCurrent is set.
func (a *Audio) Evaluate(fullTime int64, bufSize int) AudioDecision {
	if !a.haveFirst {
		a.firstFullTime = fullTime
		a.haveFirst = true
	}

	deltaTime := float64(fullTime - a.firstFullTime)
	expected := int64(deltaTime / 0.9 * a.TicksPerSample())
	diff := expected - a.ActualBytes()

	quitThreshold := int64(65535 * a.outputChannels * 2)
	if diff > quitThreshold || diff < -2*quitThreshold {
		a.thresholdCheck++
		if a.thresholdCheck >= AudioThresholdCheck {
			a.emitFatal(diff)
			return AudioDecision{Fatal: true}
		}
	} else {
		a.thresholdCheck = 0
	}

	if bufSize <= 0 {
		return AudioDecision{}
	}

	// Cap how much filler a single evaluation will insert so a long gap
	// doesn't flood the monitor queue in one call.
	if cap := int64(bufSize) * 8; diff >= cap {
		diff = cap
	}

	var silence int
	for diff >= int64(bufSize) {
		silence++
		diff -= int64(bufSize)
		a.addActual(int64(bufSize))
		a.bus.Emit(signalbus.Event{Kind: signalbus.InsertSilence, Message: "inserting silence to maintain A/V sync", Source: "drift-audio"})
	}

	if diff <= -int64(bufSize) {
		a.bus.Emit(signalbus.Event{Kind: signalbus.DropAudio, Message: "dropping audio samples to maintain A/V sync", Source: "drift-audio"})
		return AudioDecision{SilenceFrames: silence, DropCurrent: true}
	}

	a.addActual(int64(bufSize))
	return AudioDecision{SilenceFrames: silence}
}

// Idle runs the signal-loss path: it evaluates drift at fullTime with no
// real buffer to decide, returning only the count of silence frames to
// synthesize. The running byte total is preserved across the outage.
func (a *Audio) Idle(fullTime int64, bufSize int) int {
	d := a.Evaluate(fullTime, bufSize)
	if bufSize > 0 && !d.Fatal && !d.DropCurrent {
		// Evaluate counted a real buffer; none is pushed on this path.
		a.addActual(-int64(bufSize))
	}
	return d.SilenceFrames
}

func (a *Audio) emitFatal(diff int64) {
	a.bus.Emit(signalbus.Event{
		Kind:    signalbus.ErrorAVSync,
		Message: "A/V sync is compromised (audio), restarting service",
		Source:  "drift-audio",
	})
	_ = diff
}
