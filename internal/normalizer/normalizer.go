// Package normalizer implements the per-stream input normalizer: PTS/DTS
// continuity, 33-bit wrap compensation, late-sample rejection, and
// key-frame detection, minting Frames for the rest of the pipeline. One
// Normalizer runs per elementary stream — the video stream of a source,
// or one audio sub-stream.
package normalizer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/ccx"

	"github.com/tellyhubcloud/ingestcore/internal/nal"
	"github.com/tellyhubcloud/ingestcore/internal/pool"
	"github.com/tellyhubcloud/ingestcore/internal/queue"
	"github.com/tellyhubcloud/ingestcore/media"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// suspiciousRestartThreshold is the consecutive late-sample count that
// requests a synchronizer restart.
const suspiciousRestartThreshold = 10

// errPoolExhausted is returned up to the caller when a pool.Take call
// fails. Always fatal: the caller terminates the process after the ERROR_*
// signal has been emitted.
var errPoolExhausted = errors.New("normalizer: pool exhausted")

// Sample is one demuxed access unit handed to the normalizer by the TS
// demuxer or caption extractor.
type Sample struct {
	Kind      media.Kind
	Codec     string
	Data      []byte
	PTS       *int64
	DTS       *int64
	Language  string
	Caption   *ccx.CaptionFrame
}

// Normalizer owns one elementary stream's continuity state.
type Normalizer struct {
	log *slog.Logger

	source    int
	subStream int

	state media.StreamState

	framePool   *pool.ObjectPool[media.Frame]
	payloadPool *pool.Pool

	bus *signalbus.Bus

	out *queue.Queue[*media.Frame]

	// RequestRestart is invoked when the suspicious-sample count reaches
	// suspiciousRestartThreshold. Wired to the synchronizer's
	// RequestRestart; may be nil in tests.
	RequestRestart func()
}

// New creates a Normalizer for one elementary stream, dispatching accepted
// Frames to out.
func New(log *slog.Logger, source, subStream int, framePool *pool.ObjectPool[media.Frame], payloadPool *pool.Pool, bus *signalbus.Bus, out *queue.Queue[*media.Frame]) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{
		log:         log.With("component", "normalizer", "source", source, "substream", subStream),
		source:      source,
		subStream:   subStream,
		framePool:   framePool,
		payloadPool: payloadPool,
		bus:         bus,
		out:         out,
	}
}

// Process runs one demuxed sample through the normalizer. It returns nil
// both when the sample was accepted and enqueued and when it was silently
// dropped (pre-keyframe discard, late sample) — those are recoverable,
// not errors.
func (n *Normalizer) Process(s Sample) error {
	if n.state.WallClockStart.IsZero() {
		n.state.WallClockStart = time.Now()
	}
	n.state.ByteCount += int64(len(s.Data))

	var keyFrame bool
	var units []nal.Unit
	if s.Kind == media.KindVideo {
		if s.Codec == "hevc" || s.Codec == "h265" {
			units = nal.ScanHEVC(s.Data)
			keyFrame = nal.IsKeyframeHEVC(units)
		} else {
			units = nal.ScanH264(s.Data)
			keyFrame = nal.IsKeyframeH264(units)
		}

		if !n.state.KeyFrameFound {
			if !keyFrame {
				return nil // discard silently until the first key frame
			}
			n.state.KeyFrameFound = true
			if s.DTS != nil {
				n.state.FirstTimestamp = *s.DTS
			} else if s.PTS != nil {
				n.state.FirstTimestamp = *s.PTS
			}
		}
	}

	dts := int64(0)
	switch {
	case s.DTS != nil:
		dts = *s.DTS
	case s.PTS != nil:
		dts = *s.PTS
	}

	fullTime, ok := n.state.Normalize(dts)
	if !ok {
		if n.state.SuspiciousCount >= suspiciousRestartThreshold {
			n.log.Warn("suspicious sample count exceeded threshold, requesting restart",
				"count", n.state.SuspiciousCount)
			n.bus.Emit(signalbus.Event{
				Kind:    signalbus.ServiceRestart,
				Message: "suspicious sample count exceeded threshold",
				Source:  fmt.Sprintf("normalizer[%d/%d]", n.source, n.subStream),
			})
			if n.RequestRestart != nil {
				n.RequestRestart()
			}
		}
		return nil
	}

	if s.Language != "" {
		n.state.Language = s.Language
	}

	f, ok := n.framePool.Take()
	if !ok {
		n.bus.Emit(signalbus.Event{Kind: signalbus.ErrorMsgPool, Message: "frame pool exhausted"})
		return errPoolExhausted
	}

	ph, ok := n.payloadPool.Take(len(s.Data))
	if !ok {
		n.framePool.Put(f)
		kind := signalbus.ErrorRawPool
		if s.Kind == media.KindVideo {
			kind = signalbus.ErrorNALPool
		}
		n.bus.Emit(signalbus.Event{Kind: kind, Message: "payload pool exhausted"})
		return errPoolExhausted
	}
	copy(ph.Bytes(), s.Data)

	*f = media.Frame{
		Kind:           s.Kind,
		Codec:          s.Codec,
		Source:         n.source,
		SubStream:      n.subStream,
		Payload:        ph,
		PTS:            derefOr(s.PTS, dts),
		DTS:            dts,
		FullTime:       fullTime,
		FirstTimestamp: n.state.FirstTimestamp,
		KeyFrame:       keyFrame,
		Language:       n.state.Language,
		Caption:        s.Caption,
	}
	f.SetHome(n.framePool.Put)

	n.out.PutFront(f)
	return nil
}

func derefOr(p *int64, fallback int64) int64 {
	if p == nil {
		return fallback
	}
	return *p
}
