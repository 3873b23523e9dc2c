// Package packager models the boundary between the ingest core and the
// HLS/DASH muxer-uploader. The Sink interface is what the Dispatcher hands
// released frames to; the Segmenter is a reference implementation that cuts
// keyframe-aligned segments, maintains HLS and DASH manifests, and pushes
// every written file through an Uploader. A production muxer drops in
// behind the same interfaces.
package packager

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tellyhubcloud/ingestcore/media"
)

// Sink is the packager's input: the Dispatcher calls Accept once per
// released frame, in strict presentation order.
type Sink interface {
	Accept(f *media.Frame) error
}

// Uploader persists one output file at a CDN-relative path. Implementations
// write locally, PUT to a WebDAV server, or both.
type Uploader interface {
	Put(relPath string, data []byte) error
}

// Config carries the output-packaging options the Segmenter honors.
type Config struct {
	SegmentSeconds int // target segment length, seconds
	WindowSize     int // segments retained in the HLS media playlist
	Rollover       int // segment index wraps to 0 at this count

	ManifestHLS  string // HLS TS playlist filename
	ManifestFMP4 string // HLS fMP4 playlist filename; the Segmenter does not use it
	ManifestDASH string // DASH MPD filename

	EnableHLS  bool
	EnableDASH bool
}

// segmentRef is one finished segment in the playlist window.
type segmentRef struct {
	path          string
	durationTicks int64
	discontinuity bool
}

// Segmenter implements Sink. Video frames drive segmentation: a segment is
// cut at the first keyframe after the target duration elapses. Audio
// payload bytes ride along in the open segment. DASH segment numbering
// continues across discontinuities while the HLS playlist gains an
// EXT-X-DISCONTINUITY tag, so a soft restart upstream never resets MPD
// numbering.
type Segmenter struct {
	log *slog.Logger
	cfg Config
	up  Uploader

	mu sync.Mutex

	open          []byte
	openStart     int64
	openHasStart  bool
	openDiscont   bool
	lastVideoTime int64

	seq      int // monotonic DASH segment number, never reset
	mediaSeq int // HLS media sequence of the window's first entry

	window []segmentRef
}

// NewSegmenter creates a Segmenter writing through up. If log is nil,
// slog.Default() is used.
func NewSegmenter(log *slog.Logger, cfg Config, up Uploader) *Segmenter {
	if log == nil {
		log = slog.Default()
	}
	return &Segmenter{
		log: log.With("component", "packager"),
		cfg: cfg,
		up:  up,
	}
}

// Accept ingests one released frame. Splice-only frames are metadata and
// produce no bytes.
func (s *Segmenter) Accept(f *media.Frame) error {
	if f == nil || f.Kind == media.KindSplice {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Discontinuity {
		// Close whatever is open so the discontinuity lands on a segment
		// boundary, then mark the next segment.
		if err := s.cutLocked(); err != nil {
			return err
		}
		s.openDiscont = true
	}

	if f.Kind == media.KindVideo {
		if !s.openHasStart {
			s.openStart = f.FullTime
			s.openHasStart = true
		}
		s.lastVideoTime = f.FullTime

		targetTicks := int64(s.cfg.SegmentSeconds) * 90000
		if f.KeyFrame && f.FullTime-s.openStart >= targetTicks && len(s.open) > 0 {
			if err := s.cutLocked(); err != nil {
				return err
			}
			s.openStart = f.FullTime
			s.openHasStart = true
		}
	}

	if f.Payload != nil {
		s.open = append(s.open, f.Payload.Bytes()...)
	}
	return nil
}

// Flush closes the open segment and rewrites manifests; called on
// shutdown so the tail of the stream is not lost.
func (s *Segmenter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cutLocked()
}

// SegmentCount returns the all-time number of segments written.
func (s *Segmenter) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Segmenter) cutLocked() error {
	if len(s.open) == 0 {
		return nil
	}

	index := s.seq
	name := index
	if s.cfg.Rollover > 0 {
		name = index % s.cfg.Rollover
	}
	path := fmt.Sprintf("video0/video%d.ts", name)

	if err := s.up.Put(path, s.open); err != nil {
		return fmt.Errorf("packager: writing segment %s: %w", path, err)
	}

	duration := s.lastVideoTime - s.openStart
	if duration <= 0 {
		duration = int64(s.cfg.SegmentSeconds) * 90000
	}

	s.window = append(s.window, segmentRef{
		path:          path,
		durationTicks: duration,
		discontinuity: s.openDiscont,
	})
	for s.cfg.WindowSize > 0 && len(s.window) > s.cfg.WindowSize {
		s.window = s.window[1:]
		s.mediaSeq++
	}

	s.seq++
	s.open = nil
	s.openHasStart = false
	s.openDiscont = false

	if s.cfg.EnableHLS {
		if err := s.writeHLSLocked(); err != nil {
			return err
		}
	}
	if s.cfg.EnableDASH {
		if err := s.writeDASHLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Segmenter) writeHLSLocked() error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", s.cfg.SegmentSeconds)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", s.mediaSeq)

	for _, seg := range s.window {
		if seg.discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", float64(seg.durationTicks)/90000, seg.path)
	}

	if err := s.up.Put(s.cfg.ManifestHLS, []byte(b.String())); err != nil {
		return fmt.Errorf("packager: writing HLS manifest: %w", err)
	}
	return nil
}

func (s *Segmenter) writeDASHLocked() error {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&b, `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" profiles="urn:mpeg:dash:profile:isoff-live:2011" minBufferTime="PT%dS">`+"\n", s.cfg.SegmentSeconds)
	b.WriteString("  <Period id=\"0\" start=\"PT0S\">\n")
	b.WriteString("    <AdaptationSet mimeType=\"video/mp4\">\n")
	fmt.Fprintf(&b, "      <SegmentTemplate media=\"video0/video$Number$.mp4\" duration=\"%d\" timescale=\"1\" startNumber=\"%d\"/>\n",
		s.cfg.SegmentSeconds, s.mediaSeq)
	b.WriteString("      <Representation id=\"video0\" codecs=\"avc1.64001f\"/>\n")
	b.WriteString("    </AdaptationSet>\n")
	b.WriteString("  </Period>\n")
	b.WriteString("</MPD>\n")

	if err := s.up.Put(s.cfg.ManifestDASH, []byte(b.String())); err != nil {
		return fmt.Errorf("packager: writing DASH manifest: %w", err)
	}
	return nil
}
