package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tellyhubcloud/ingestcore/internal/config"
	"github.com/tellyhubcloud/ingestcore/internal/mpegts"
	"github.com/tellyhubcloud/ingestcore/media"
	"github.com/tellyhubcloud/ingestcore/scte35"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

type collectSink struct {
	mu       sync.Mutex
	released []releasedFrame
}

type releasedFrame struct {
	kind     media.Kind
	fullTime int64
	splice   media.SplicePoint
}

func (s *collectSink) Accept(f *media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, releasedFrame{kind: f.Kind, fullTime: f.FullTime, splice: f.SplicePoint})
	return nil
}

func (s *collectSink) snapshot() []releasedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]releasedFrame(nil), s.released...)
}

func testConfig() config.Config {
	return config.Config{
		VideoSources: []string{"239.1.1.1:5000"},
		Interface:    "lo",
		Window:       5,
		Segment:      5,
		Rollover:     128,
		ManifestDir:  "/tmp/hls",
		EnableHLS:    true,
	}
}

// keyframeAU is a minimal H.264 access unit containing an IDR slice so the
// normalizer latches the stream immediately.
var keyframeAU = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00}

// nonKeyAU is a non-IDR slice.
var nonKeyAU = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02, 0x00}

// adtsAU stands in for one AAC frame; its content is irrelevant to the
// sync path.
var adtsAU = make([]byte, 4096)

func ptr(v int64) *int64 { return &v }

func startStages(t *testing.T, p *Pipeline) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{
		p.videoForward, p.audioForward, p.sync.Run, p.disp.Run,
	} {
		wg.Add(1)
		run := run
		go func() { defer wg.Done(); _ = run(ctx) }()
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestPipelineReleasesInOrder(t *testing.T) {
	bus := signalbus.New(nil)
	sink := &collectSink{}
	p := New(testConfig(), nil, bus, sink)

	var exited atomic.Bool
	p.Exit = func(int) { exited.Store(true) }

	stop := startStages(t, p)
	defer stop()

	videoDTS := []int64{0, 3000, 6000, 9000}
	audioPTS := []int64{0, 1920, 3840, 5760, 7680}

	for _, dts := range videoDTS {
		p.handleVideoSample(mpegts.FrameEvent{
			Payload:    keyframeAU,
			StreamType: mpegts.StreamTypeH264,
			PTS:        ptr(dts),
			DTS:        ptr(dts),
			Source:     0,
		})
	}
	for _, pts := range audioPTS {
		p.handleAudioSample(mpegts.FrameEvent{
			Payload:    adtsAU,
			StreamType: mpegts.StreamTypeAAC,
			PTS:        ptr(pts),
			Source:     0,
			SubStream:  0,
			Language:   "eng",
		})
	}

	// With one active video source the synchronizer holds back the last
	// entry of each window as look-ahead: 7 of the 9 frames release.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 7 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	released := sink.snapshot()
	if len(released) != 7 {
		t.Fatalf("released %d frames, want 7: %+v", len(released), released)
	}
	if exited.Load() {
		t.Fatal("unexpected fatal exit")
	}

	// The first frame out is the earliest audio sample.
	if released[0].kind != media.KindAudio || released[0].fullTime != 0 {
		t.Errorf("first released = %+v, want audio at 0", released[0])
	}

	// Per-kind release order is strictly monotonic, and every audio frame
	// precedes or matches the next released video frame's time.
	var lastAudio, lastVideo int64 = -1, -1
	for _, f := range released {
		switch f.kind {
		case media.KindAudio:
			if f.fullTime <= lastAudio {
				t.Errorf("audio release out of order: %d after %d", f.fullTime, lastAudio)
			}
			lastAudio = f.fullTime
		case media.KindVideo:
			if f.fullTime <= lastVideo {
				t.Errorf("video release out of order: %d after %d", f.fullTime, lastVideo)
			}
			if lastAudio > f.fullTime {
				t.Errorf("audio at %d released before video at %d", lastAudio, f.fullTime)
			}
			lastVideo = f.fullTime
		}
	}
}

func TestPipelinePreKeyframeVideoDiscarded(t *testing.T) {
	bus := signalbus.New(nil)
	sink := &collectSink{}
	p := New(testConfig(), nil, bus, sink)
	p.Exit = func(int) {}

	// Non-key frames before the first IDR are dropped silently.
	p.handleVideoSample(mpegts.FrameEvent{
		Payload:    nonKeyAU,
		StreamType: mpegts.StreamTypeH264,
		PTS:        ptr(int64(1000)),
		DTS:        ptr(int64(1000)),
	})
	if p.videoQ.Size() != 0 {
		t.Fatal("pre-keyframe sample must not reach the video queue")
	}

	p.handleVideoSample(mpegts.FrameEvent{
		Payload:    keyframeAU,
		StreamType: mpegts.StreamTypeH264,
		PTS:        ptr(int64(2000)),
		DTS:        ptr(int64(2000)),
	})
	if p.videoQ.Size() != 1 {
		t.Fatal("keyframe sample should be queued")
	}
}

func TestPipelineUnknownStreamTypeIsFatal(t *testing.T) {
	bus := signalbus.New(nil)
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	events := bus.Subscribe(busCtx, 4)

	p := New(testConfig(), nil, bus, &collectSink{})

	var exited atomic.Bool
	p.Exit = func(int) { exited.Store(true) }

	src, _ := p.manager.Register(0, "239.1.1.1:5000")
	h := &sourceHandler{p: p, src: src}
	h.OnFrame(mpegts.FrameEvent{Payload: []byte{0x00}, StreamType: 0x02})

	if !exited.Load() {
		t.Error("unknown stream type must terminate the process")
	}
	select {
	case ev := <-events:
		if ev.Kind != signalbus.ErrorUnknown {
			t.Errorf("event = %s, want ERROR_UNKNOWN", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Error("expected ERROR_UNKNOWN on the signal bus")
	}
}

func TestSCTE35DecodeBridge(t *testing.T) {
	t.Parallel()

	sis := &scte35.SpliceInfoSection{
		SpliceCommand: &scte35.SpliceInsert{
			SpliceEventID:         77,
			OutOfNetworkIndicator: true,
			ProgramSpliceFlag:     true,
			SpliceImmediateFlag:   true,
			BreakDuration:         &scte35.BreakDuration{AutoReturn: true, Duration: 27000000},
		},
	}
	raw, err := sis.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cmd, err := scte35Decode(raw)
	if err != nil {
		t.Fatalf("scte35Decode: %v", err)
	}
	if cmd == nil {
		t.Fatal("splice_insert must decode to a latch command")
	}
	if !cmd.SpliceImmediate || !cmd.OutOfNetwork {
		t.Errorf("flags = %+v, want immediate out-of-network", cmd)
	}
	if cmd.Duration != 27000000 || !cmd.AutoReturn {
		t.Errorf("duration = %d auto_return = %v, want 27000000/true", cmd.Duration, cmd.AutoReturn)
	}
}

func TestSCTE35DecodeIgnoresNull(t *testing.T) {
	t.Parallel()

	sis := &scte35.SpliceInfoSection{}
	raw, err := sis.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cmd, err := scte35Decode(raw)
	if err != nil {
		t.Fatalf("scte35Decode: %v", err)
	}
	if cmd != nil {
		t.Errorf("splice_null must be ignored, got %+v", cmd)
	}
}
