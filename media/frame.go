// Package media defines the Frame and StreamState types that flow through
// the ingest core: a single tagged Frame covering video, audio, and splice
// signalling, plus the per-stream continuity record the normalizer keeps.
package media

import (
	"time"

	"github.com/zsiec/ccx"

	"github.com/tellyhubcloud/ingestcore/internal/pool"
)

// Kind tags what a Frame carries.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
	KindSplice
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSplice:
		return "splice"
	default:
		return "unknown"
	}
}

// SplicePoint marks the SCTE-35 boundary a Frame carries, if any.
type SplicePoint int

const (
	SpliceNone SplicePoint = iota
	SpliceCueOut
	SpliceCueIn
)

// PTSWrap is 2^33, the modulus at which MPEG-TS 33-bit timestamps wrap.
const PTSWrap = 1 << 33

// Frame is the unit of data flowing through every pipeline stage from the
// input normalizer to the dispatcher. Its Payload is an owned pool.Handle:
// exactly one stage holds it at a time, and the dispatcher releases it back
// to its pool once the packager has accepted the frame.
type Frame struct {
	Kind      Kind
	Codec     string
	Source    int // which input source
	SubStream int // audio sub-stream index; unused for video

	Payload *pool.Handle

	PTS      int64 // 33-bit, 90kHz
	DTS      int64 // 33-bit, 90kHz
	FullTime int64 // 64-bit wrap-extended, strictly monotonic per stream

	Duration       int64 // derived, 90kHz ticks
	FirstTimestamp int64 // video-start anchor latched at the first key frame

	KeyFrame bool

	SplicePoint             SplicePoint
	SpliceDuration          int64 // total, 90kHz ticks
	SpliceDurationRemaining int64 // remaining, 90kHz ticks

	Language string // 3 ASCII chars, or "" if absent

	Caption *ccx.CaptionFrame // optional, nil if none decoded for this sample

	Discontinuity bool // set on the first frame released after a restart

	// home returns the Frame header itself to its originating object pool.
	// Set by the stage that minted the Frame; nil for headers allocated
	// outside the pool economy (drift-built repeats and fillers).
	home func(*Frame)
}

// SetHome installs the hook that returns this Frame's header to its pool
// when Release is called. Copies of a pooled Frame must call SetHome(nil)
// before release, or the copy would be returned to a pool it never came
// from.
func (f *Frame) SetHome(home func(*Frame)) {
	f.home = home
}

// Release returns the Frame's payload to its pool, then the header itself
// if it was pool-minted. Safe to call on a Frame with a nil Payload (e.g. a
// splice-only Frame).
func (f *Frame) Release() {
	if f == nil {
		return
	}
	if f.Payload != nil {
		f.Payload.Release()
		f.Payload = nil
	}
	if f.home != nil {
		home := f.home
		f.home = nil
		home(f)
	}
}

// StreamState is one record per video source or per audio sub-stream,
// carrying the input normalizer's continuity bookkeeping.
type StreamState struct {
	LastPTS int64
	LastDTS int64

	OverflowPTS int64 // accumulated wrap offset, multiples of 2^33
	OverflowDTS int64

	ByteCount      int64
	WallClockStart time.Time

	FirstTimestamp int64
	KeyFrameFound  bool // video only

	SuspiciousCount int
	LastFullTime    int64

	// Language is the 3-character tag most recently observed for this
	// sub-stream (audio); reset to "" is never implied by a drop, only by
	// explicit reconfiguration.
	Language string

	// Discontinuities is a slot for a running soft-restart total beside
	// the bare discontinuity flag on Frame. Nothing in this repository
	// increments it; the dispatcher keeps its own discontinuity count.
	Discontinuities int
}

// Normalize updates last/overflow bookkeeping for an incoming DTS value
// and returns the wrap-extended full_time. ok is false if the sample is a
// late, non-monotonic arrival that must be dropped.
func (s *StreamState) Normalize(incoming int64) (fullTime int64, ok bool) {
	const wrapThreshold = PTSWrap - 34592
	const earlyGuard = 50000

	last := s.LastDTS

	if incoming < last {
		if last <= wrapThreshold && incoming > earlyGuard {
			// Late, non-monotonic sample: drop it.
			s.SuspiciousCount++
			return 0, false
		}
	}

	if last >= wrapThreshold && incoming < earlyGuard {
		s.OverflowDTS += PTSWrap
	}

	full := incoming + s.OverflowDTS
	s.LastDTS = incoming
	s.LastFullTime = full
	// The counter tracks consecutive suspicious arrivals; any accepted
	// sample clears it.
	s.SuspiciousCount = 0
	return full, true
}
