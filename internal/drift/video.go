package drift

import (
	"github.com/tellyhubcloud/ingestcore/internal/pool"
	"github.com/tellyhubcloud/ingestcore/media"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// AVSyncTriggerLevel is the number of consecutive decoded video frames
// whose drift exceeds 2×fps before the controller declares the A/V sync
// unrecoverable — about one second of sustained drift at 30 fps.
const AVSyncTriggerLevel = 30

// VideoDecision is the outcome of one Video.Evaluate call.
type VideoDecision struct {
	// DropCurrent means the just-decoded video frame must not be
	// forwarded.
	DropCurrent bool
	// RepeatCount is how many times to repeat the current decoded frame,
	// already clamped to fps/4.
	RepeatCount int
	// Fatal means |diff| exceeded 2×fps for AVSyncTriggerLevel consecutive
	// decoded frames; the caller must emit ERROR_AVSYNC and terminate.
	Fatal bool
}

// Video is the video-path drift controller, one per output profile's
// pre-encoder stage.
type Video struct {
	bus *signalbus.Bus
	fps float64

	firstTimestamp int64
	haveFirst      bool

	frameCount  int64
	compromised int
}

// NewVideo creates a Video drift controller for a stream at the given
// frame rate.
func NewVideo(bus *signalbus.Bus, fps float64) *Video {
	return &Video{bus: bus, fps: fps}
}

// Evaluate runs the drift check for one decoded video frame with decode
// timestamp dts (90kHz ticks), comparing the actual emitted frame count
// against the DTS-derived expected count.
func (v *Video) Evaluate(dts int64) VideoDecision {
	if !v.haveFirst {
		v.firstTimestamp = dts
		v.haveFirst = true
	}
	v.frameCount++

	expected := int64((float64(dts-v.firstTimestamp) / 90000.0) * v.fps)
	diff := v.frameCount - expected

	if float64(diff) > 2*v.fps || float64(diff) < -2*v.fps {
		v.compromised++
		if v.compromised >= AVSyncTriggerLevel {
			v.bus.Emit(signalbus.Event{
				Kind:    signalbus.ErrorAVSync,
				Message: "A/V sync is compromised (video), restarting service",
				Source:  "drift-video",
			})
			return VideoDecision{Fatal: true}
		}
	} else {
		v.compromised = 0
	}

	switch {
	case diff > 1:
		v.frameCount-- // dropped frame never counted
		v.bus.Emit(signalbus.Event{Kind: signalbus.FrameRepeat, Message: "dropping video frame to maintain A/V sync", Source: "drift-video"})
		return VideoDecision{DropCurrent: true}

	case diff < -1:
		maxRepeat := int(v.fps/4 + 0.5)
		if maxRepeat == 0 {
			maxRepeat = 1
		}
		count := int(-diff)
		if count > maxRepeat {
			count = maxRepeat
		}
		v.frameCount += int64(count)
		v.bus.Emit(signalbus.Event{Kind: signalbus.FrameRepeat, Message: "repeating video frame to maintain A/V sync", Source: "drift-video"})
		return VideoDecision{RepeatCount: count}

	default:
		return VideoDecision{}
	}
}

// BuildRepeats clones original count times from p, zeroing PTS/DTS (the
// clones are not re-stamped anywhere) and nulling caption payloads, since
// a repeated frame carries no new caption data.
func BuildRepeats(p *pool.Pool, original *media.Frame, count int) ([]*media.Frame, bool) {
	repeats := make([]*media.Frame, 0, count)
	for i := 0; i < count; i++ {
		h, ok := p.Take(len(original.Payload.Bytes()))
		if !ok {
			return repeats, false
		}
		copy(h.Bytes(), original.Payload.Bytes())
		f := *original
		f.SetHome(nil) // the copy's header never came from the object pool
		f.Payload = h
		f.PTS = 0
		f.DTS = 0
		f.Caption = nil
		repeats = append(repeats, &f)
	}
	return repeats, true
}

// BuildFiller clones the most recent decoded frame, advancing its
// FullTime (and PTS/DTS mod the 33-bit wrap) by one frame period per
// insertion, to bridge an input outage at the output cadence.
func BuildFiller(p *pool.Pool, last *media.Frame, framePeriod int64, count int) ([]*media.Frame, bool) {
	fillers := make([]*media.Frame, 0, count)
	t := last.FullTime
	for i := 0; i < count; i++ {
		h, ok := p.Take(len(last.Payload.Bytes()))
		if !ok {
			return fillers, false
		}
		copy(h.Bytes(), last.Payload.Bytes())
		t += framePeriod
		f := *last
		f.SetHome(nil)
		f.Payload = h
		f.FullTime = t
		f.PTS = t % media.PTSWrap
		f.DTS = t % media.PTSWrap
		fillers = append(fillers, &f)
	}
	return fillers, true
}
