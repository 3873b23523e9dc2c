// Package pipeline wires the ingest core together: UDP receivers feed
// per-source TS demuxers, demuxed samples flow through per-stream
// normalizers into the latch, drift controllers, and frame synchronizer,
// and released frames leave through the dispatcher to the packager. The
// pipeline owns the pool economy and the stage goroutines.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/ccx"

	"github.com/tellyhubcloud/ingestcore/internal/captions"
	"github.com/tellyhubcloud/ingestcore/internal/config"
	"github.com/tellyhubcloud/ingestcore/internal/dispatcher"
	"github.com/tellyhubcloud/ingestcore/internal/drift"
	"github.com/tellyhubcloud/ingestcore/internal/framesync"
	"github.com/tellyhubcloud/ingestcore/internal/ingest"
	"github.com/tellyhubcloud/ingestcore/internal/latch"
	"github.com/tellyhubcloud/ingestcore/internal/mpegts"
	"github.com/tellyhubcloud/ingestcore/internal/nal"
	"github.com/tellyhubcloud/ingestcore/internal/normalizer"
	"github.com/tellyhubcloud/ingestcore/internal/packager"
	"github.com/tellyhubcloud/ingestcore/internal/pool"
	"github.com/tellyhubcloud/ingestcore/internal/queue"
	"github.com/tellyhubcloud/ingestcore/internal/stream"
	"github.com/tellyhubcloud/ingestcore/internal/supervisor"
	"github.com/tellyhubcloud/ingestcore/media"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

// Pool sizing. The frame pool bounds every in-flight header; the payload
// pools bound compressed elementary-stream bytes. Sorted-window capacities
// stay well below the pool counts so window overflow (soft restart) fires
// before pool exhaustion (fatal).
const (
	framePoolSize = 512

	videoPoolSlots    = 256
	videoPoolSlotSize = 1 << 20 // one compressed access unit

	audioPoolSlots    = 512
	audioPoolSlotSize = 1 << 16

	videoWindowCap = 120
	audioWindowCap = 240

	// defaultFPS seeds the video drift controller until a real rate is
	// measured; 90000/defaultFPS is also the filler frame period.
	defaultFPS = 30.0

	signalLossAfter = time.Second
	monitorInterval = 250 * time.Millisecond
)

type streamKey struct {
	source    int
	subStream int
}

// Pipeline owns every stage of the ingest core for one service instance.
type Pipeline struct {
	cfg config.Config
	log *slog.Logger
	bus *signalbus.Bus

	framePool *pool.ObjectPool[media.Frame]
	videoPool *pool.Pool
	audioPool *pool.Pool

	manager *stream.Manager
	latch   *latch.Latch
	sync    *framesync.Synchronizer
	disp    *dispatcher.Dispatcher
	sup     *supervisor.Supervisor

	videoQ  *queue.Queue[*media.Frame]
	audioQ  *queue.Queue[*media.Frame]
	spliceQ *queue.Queue[latch.Command]

	videoDrift *drift.Video

	mu         sync.Mutex
	videoNorm  map[int]*normalizer.Normalizer
	audioNorm  map[streamKey]*normalizer.Normalizer
	audioDrift map[streamKey]*drift.Audio
	caps       map[int]*captions.Extractor

	loss lossState

	// Exit terminates the process on a fatal condition; overridable in
	// tests. Defaults to os.Exit.
	Exit func(code int)
}

// lossState tracks the most recent media seen so filler synthesis can
// bridge an input outage with monotonic timing.
type lossState struct {
	mu sync.Mutex

	lastVideoArrival time.Time
	lastVideoFrame   *media.Frame // held clone, payload owned by the pipeline
	videoFullTime    int64

	lastAudioArrival time.Time
	audioFullTime    map[streamKey]int64
	audioBufSize     map[streamKey]int
}

// New creates a fully wired Pipeline delivering packaged output to sink.
// If log is nil, slog.Default() is used.
func New(cfg config.Config, log *slog.Logger, bus *signalbus.Bus, sink packager.Sink) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pipeline")

	p := &Pipeline{
		cfg: cfg,
		log: log,
		bus: bus,

		framePool: pool.NewObjectPool("frames", framePoolSize, func() *media.Frame { return &media.Frame{} }),
		videoPool: pool.New("nal", videoPoolSlots, videoPoolSlotSize),
		audioPool: pool.New("audio", audioPoolSlots, audioPoolSlotSize),

		manager: stream.NewManager(log),

		videoQ:  queue.New[*media.Frame](),
		audioQ:  queue.New[*media.Frame](),
		spliceQ: queue.New[latch.Command](),

		videoDrift: drift.NewVideo(bus, defaultFPS),

		videoNorm:  make(map[int]*normalizer.Normalizer),
		audioNorm:  make(map[streamKey]*normalizer.Normalizer),
		audioDrift: make(map[streamKey]*drift.Audio),
		caps:       make(map[int]*captions.Extractor),

		Exit: os.Exit,
	}
	p.loss.audioFullTime = make(map[streamKey]int64)
	p.loss.audioBufSize = make(map[streamKey]int)

	p.latch = latch.New(log, bus)

	packagerQ := queue.New[*media.Frame]()
	p.disp = dispatcher.New(log, bus, packagerQ, sink)
	p.sync = framesync.New(log, bus, videoWindowCap, audioWindowCap, p.activeVideoSources(), p.disp.Enqueue)

	p.sup = supervisor.New(log, bus,
		[]supervisor.PoolStat{p.framePool, p.videoPool, p.audioPool},
		[]supervisor.WatchedQueue{
			{Name: "video_norm", Depth: p.videoQ.Size},
			{Name: "audio_norm", Depth: p.audioQ.Size},
			{Name: "packager", Depth: p.disp.QueueDepth},
		})
	p.sup.Fatal = func() { p.fatal() }
	p.sup.RequestRestart = func() { p.sync.RequestRestart("operator request") }

	return p
}

func (p *Pipeline) activeVideoSources() int {
	if p.cfg.Transcode {
		if p.cfg.Outputs > 0 {
			return p.cfg.Outputs
		}
		return 1
	}
	if n := len(p.cfg.VideoSources); n > 0 {
		return n
	}
	return 1
}

// Supervisor exposes the supervisor for the operator-facing control queue.
func (p *Pipeline) Supervisor() *supervisor.Supervisor { return p.sup }

// fatal terminates the process with exit status 0 so the external
// supervisor restarts it (supervisor-restart semantics).
func (p *Pipeline) fatal() {
	p.log.Error("fatal condition, exiting for external restart")
	p.Exit(0)
}

// Run starts every stage and blocks until ctx is cancelled or a stage
// fails.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i, addr := range p.cfg.VideoSources {
		p.startSource(ctx, g, i, addr)
	}
	// Audio-only sources continue the index space after the video sources.
	base := len(p.cfg.VideoSources)
	for i, addr := range p.cfg.AudioSources {
		p.startSource(ctx, g, base+i, addr)
	}

	g.Go(func() error { return p.videoForward(ctx) })
	g.Go(func() error { return p.audioForward(ctx) })
	g.Go(func() error { return p.monitorSignalLoss(ctx) })
	g.Go(func() error { return p.sync.Run(ctx) })
	g.Go(func() error { return p.disp.Run(ctx) })
	g.Go(func() error { return p.sup.Run(ctx) })

	return g.Wait()
}

// startSource wires one UDP receiver to one demuxer through a pipe.
func (p *Pipeline) startSource(ctx context.Context, g *errgroup.Group, index int, addr string) {
	src, _ := p.manager.Register(index, addr)

	pr, pw := io.Pipe()
	recv := ingest.NewReceiver(p.log, p.bus, ingest.Source{
		Index: index,
		Addr:  addr,
		Iface: p.cfg.Interface,
	}, pw)

	h := &sourceHandler{p: p, src: src}
	dmx := mpegts.NewDemuxer(pr, index, h, p.log)

	g.Go(func() error {
		defer pw.Close()
		return recv.Run(ctx)
	})
	g.Go(func() error {
		defer pr.Close()
		if err := dmx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

// sourceHandler adapts one source's demuxer callbacks onto the pipeline.
type sourceHandler struct {
	p   *Pipeline
	src *stream.Source
}

func (h *sourceHandler) OnMessage(ev mpegts.MessageEvent) {
	switch ev.Kind {
	case mpegts.MessagePAT, mpegts.MessagePMT:
		h.src.SetLocked(true)

	case mpegts.MessageSplice:
		h.p.handleSplice(ev.Splice)
	}
}

func (h *sourceHandler) OnFrame(ev mpegts.FrameEvent) {
	h.src.RecordBytes(len(ev.Payload))

	switch ev.StreamType {
	case mpegts.StreamTypeH264, mpegts.StreamTypeH265:
		h.p.handleVideoSample(ev)
	case mpegts.StreamTypeAAC, mpegts.StreamTypeAC3:
		h.p.handleAudioSample(ev)
	default:
		h.p.bus.Emit(signalbus.Event{
			Kind:    signalbus.ErrorUnknown,
			Message: "unknown media stream type " + strconv.Itoa(int(ev.StreamType)),
			Source:  "pipeline",
		})
		h.p.fatal()
	}
}

func codecName(streamType uint8) string {
	switch streamType {
	case mpegts.StreamTypeH264:
		return "h264"
	case mpegts.StreamTypeH265:
		return "hevc"
	case mpegts.StreamTypeAAC:
		return "aac"
	case mpegts.StreamTypeAC3:
		return "ac3"
	default:
		return "unknown"
	}
}

func (p *Pipeline) videoNormalizer(source int) *normalizer.Normalizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.videoNorm[source]
	if !ok {
		n = normalizer.New(p.log, source, 0, p.framePool, p.videoPool, p.bus, p.videoQ)
		n.RequestRestart = func() { p.sync.RequestRestart("suspicious video samples") }
		p.videoNorm[source] = n
	}
	return n
}

func (p *Pipeline) audioNormalizer(source, subStream int) *normalizer.Normalizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := streamKey{source, subStream}
	n, ok := p.audioNorm[key]
	if !ok {
		n = normalizer.New(p.log, source, subStream, p.framePool, p.audioPool, p.bus, p.audioQ)
		n.RequestRestart = func() { p.sync.RequestRestart("suspicious audio samples") }
		p.audioNorm[key] = n
	}
	return n
}

func (p *Pipeline) audioDriftFor(key streamKey) *drift.Audio {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.audioDrift[key]
	if !ok {
		// 48 kHz stereo is the broadcast default until ADTS headers are
		// inspected by the (external) decode path.
		d = drift.NewAudio(p.bus, 48000, 2, 2)
		p.audioDrift[key] = d
	}
	return d
}

func (p *Pipeline) captionsFor(source int) *captions.Extractor {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caps[source]
	if !ok {
		c = captions.NewExtractor(p.log)
		p.caps[source] = c
	}
	return c
}

// handleVideoSample runs one demuxed video access unit through caption
// extraction and the normalizer.
func (p *Pipeline) handleVideoSample(ev mpegts.FrameEvent) {
	codec := codecName(ev.StreamType)

	var caption = p.extractCaptions(ev, codec)

	sample := normalizer.Sample{
		Kind:     media.KindVideo,
		Codec:    codec,
		Data:     ev.Payload,
		PTS:      ev.PTS,
		DTS:      ev.DTS,
		Language: ev.Language,
		Caption:  caption,
	}
	if err := p.videoNormalizer(ev.Source).Process(sample); err != nil {
		p.fatal()
	}
}

func (p *Pipeline) handleAudioSample(ev mpegts.FrameEvent) {
	sample := normalizer.Sample{
		Kind:     media.KindAudio,
		Codec:    codecName(ev.StreamType),
		Data:     ev.Payload,
		PTS:      ev.PTS,
		DTS:      ev.DTS,
		Language: ev.Language,
	}
	if err := p.audioNormalizer(ev.Source, ev.SubStream).Process(sample); err != nil {
		p.fatal()
	}
}

// handleSplice decodes a raw splice_info_section and queues the command
// for the video forwarder, which owns the latch.
func (p *Pipeline) handleSplice(section []byte) {
	sis, err := scte35Decode(section)
	if err != nil {
		p.bus.Emit(signalbus.Event{
			Kind:    signalbus.MalformedData,
			Message: "undecodable SCTE-35 section: " + err.Error(),
			Source:  "pipeline",
		})
		return
	}
	if sis == nil {
		return // splice_null or another command the latch ignores
	}
	p.spliceQ.PutFront(*sis)
}

// videoForward drains the normalizer's video queue, applies splice
// latching, drops the frames the video drift controller rejects, and
// inserts survivors into the synchronizer's video window. The drift
// controller's RepeatCount is not acted on here: no frames are repeated.
func (p *Pipeline) videoForward(ctx context.Context) error {
	for {
		f, ok := p.videoQ.TakeBack(ctx)
		if !ok {
			return nil
		}

		for _, cmd := range p.spliceQ.Drain() {
			p.latch.Submit(cmd)
		}
		p.latch.Process(f)

		d := p.videoDrift.Evaluate(f.DTS)
		if d.Fatal {
			f.Release()
			p.fatal()
			return nil
		}
		if d.DropCurrent {
			f.Release()
			continue
		}

		p.noteVideo(f)
		p.sync.AddVideo(f)
	}
}

// audioForward drains the normalizer's audio queue, applies audio drift
// policy (silence insertion, drops), and inserts survivors into the
// synchronizer's audio window.
func (p *Pipeline) audioForward(ctx context.Context) error {
	for {
		f, ok := p.audioQ.TakeBack(ctx)
		if !ok {
			return nil
		}

		key := streamKey{f.Source, f.SubStream}
		ad := p.audioDriftFor(key)
		bufSize := len(f.Payload.Bytes())

		d := ad.Evaluate(f.FullTime, bufSize)
		if d.Fatal {
			f.Release()
			p.fatal()
			return nil
		}

		if d.SilenceFrames > 0 {
			p.insertSilence(key, ad, bufSize, d.SilenceFrames)
		}

		if d.DropCurrent {
			f.Release()
			continue
		}

		p.noteAudio(key, f.FullTime, bufSize)
		p.sync.AddAudio(f)
	}
}

// insertSilence mints n zero-filled audio frames with monotonic timing and
// adds them to the synchronizer ahead of the real frame.
func (p *Pipeline) insertSilence(key streamKey, ad *drift.Audio, bufSize, n int) {
	period := int64(float64(bufSize) / ad.TicksPerSample())
	if period <= 0 {
		period = 1
	}

	p.loss.mu.Lock()
	base := p.loss.audioFullTime[key]
	p.loss.mu.Unlock()

	for i := 0; i < n; i++ {
		f, ok := p.framePool.Take()
		if !ok {
			p.bus.Emit(signalbus.Event{Kind: signalbus.ErrorMsgPool, Message: "frame pool exhausted minting silence"})
			p.fatal()
			return
		}
		h, ok := p.audioPool.Take(bufSize)
		if !ok {
			p.framePool.Put(f)
			p.bus.Emit(signalbus.Event{Kind: signalbus.ErrorRawPool, Message: "audio pool exhausted minting silence"})
			p.fatal()
			return
		}
		clear(h.Bytes())

		base += period
		*f = media.Frame{
			Kind:      media.KindAudio,
			Codec:     "aac",
			Source:    key.source,
			SubStream: key.subStream,
			Payload:   h,
			FullTime:  base,
			PTS:       base % media.PTSWrap,
			DTS:       base % media.PTSWrap,
		}
		f.SetHome(p.framePool.Put)
		p.sync.AddAudio(f)
	}

	p.loss.mu.Lock()
	p.loss.audioFullTime[key] = base
	p.loss.mu.Unlock()
}

func (p *Pipeline) noteVideo(f *media.Frame) {
	p.loss.mu.Lock()
	defer p.loss.mu.Unlock()

	p.loss.lastVideoArrival = time.Now()
	p.loss.videoFullTime = f.FullTime

	// Keep a clone of the latest access unit for filler synthesis. The
	// previous clone's payload returns to the pool on replacement.
	if h, ok := p.videoPool.Take(len(f.Payload.Bytes())); ok {
		copy(h.Bytes(), f.Payload.Bytes())
		if p.loss.lastVideoFrame != nil {
			p.loss.lastVideoFrame.Release()
		}
		clone := *f
		clone.SetHome(nil)
		clone.Payload = h
		clone.Caption = nil
		p.loss.lastVideoFrame = &clone
	}
}

func (p *Pipeline) noteAudio(key streamKey, fullTime int64, bufSize int) {
	p.loss.mu.Lock()
	defer p.loss.mu.Unlock()
	p.loss.lastAudioArrival = time.Now()
	p.loss.audioFullTime[key] = fullTime
	p.loss.audioBufSize[key] = bufSize
}

// monitorSignalLoss synthesizes filler video and silence audio while the
// input is idle, preserving monotonic output timing across the outage.
func (p *Pipeline) monitorSignalLoss(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	framePeriod := int64(90000.0 / defaultFPS)

	for {
		select {
		case <-ctx.Done():
			p.loss.mu.Lock()
			if p.loss.lastVideoFrame != nil {
				p.loss.lastVideoFrame.Release()
				p.loss.lastVideoFrame = nil
			}
			p.loss.mu.Unlock()
			return nil
		case <-ticker.C:
		}

		now := time.Now()

		p.loss.mu.Lock()
		videoIdle := !p.loss.lastVideoArrival.IsZero() && now.Sub(p.loss.lastVideoArrival) > signalLossAfter && p.loss.lastVideoFrame != nil
		var template *media.Frame
		var videoTime int64
		if videoIdle {
			template = p.loss.lastVideoFrame
			videoTime = p.loss.videoFullTime
		}

		audioIdle := !p.loss.lastAudioArrival.IsZero() && now.Sub(p.loss.lastAudioArrival) > signalLossAfter
		p.loss.mu.Unlock()

		if videoIdle {
			elapsedTicks := int64(monitorInterval/time.Millisecond) * 90
			fillers, ok := drift.BuildFiller(p.videoPool, template, framePeriod, int(elapsedTicks/framePeriod)+1)
			if !ok {
				p.bus.Emit(signalbus.Event{Kind: signalbus.ErrorNALPool, Message: "video pool exhausted building filler"})
				p.fatal()
				return nil
			}
			for _, f := range fillers {
				f.FullTime = videoTime + framePeriod
				videoTime = f.FullTime
				f.PTS = f.FullTime % media.PTSWrap
				f.DTS = f.PTS
				p.sync.AddVideo(f)
			}
			p.bus.Emit(signalbus.Event{
				Kind:    signalbus.FrameVideoFiller,
				Message: "inserting filler video frames during signal loss",
				Source:  "pipeline",
			})
			p.loss.mu.Lock()
			p.loss.videoFullTime = videoTime
			p.loss.mu.Unlock()
		}

		if audioIdle {
			p.fillAudioGap()
		}
	}
}

// fillAudioGap inserts silence for every known audio sub-stream at the
// cadence its drift controller derives from the monitored rate.
func (p *Pipeline) fillAudioGap() {
	p.mu.Lock()
	keys := make([]streamKey, 0, len(p.audioDrift))
	for k := range p.audioDrift {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.loss.mu.Lock()
		bufSize := p.loss.audioBufSize[key]
		fullTime := p.loss.audioFullTime[key]
		p.loss.mu.Unlock()
		if bufSize == 0 {
			continue
		}

		ad := p.audioDriftFor(key)

		// Advance the synthetic clock by one monitor interval and let the
		// drift controller decide how many frames the gap needs.
		fullTime += int64(monitorInterval / time.Millisecond * 90)
		n := ad.Idle(fullTime, bufSize)
		if n == 0 {
			continue
		}
		p.insertSilence(key, ad, bufSize, n)
		p.bus.Emit(signalbus.Event{
			Kind:    signalbus.FrameAudioFiller,
			Message: "inserting silence frames during signal loss",
			Source:  "pipeline",
		})
	}
}

// extractCaptions scans a video access unit for SEI NAL units and decodes
// any caption payload, returning the first completed caption frame.
func (p *Pipeline) extractCaptions(ev mpegts.FrameEvent, codec string) *ccx.CaptionFrame {
	ext := p.captionsFor(ev.Source)
	ext.NextFrame()

	pts := int64(0)
	if ev.PTS != nil {
		pts = *ev.PTS
	}

	var first *ccx.CaptionFrame
	if codec == "hevc" {
		for _, u := range nal.ScanHEVC(ev.Payload) {
			if u.Type == nal.HEVCTypeSEIPrefix {
				for _, cf := range ext.ExtractSEI(u.Data, pts) {
					if first == nil {
						first = cf
					}
				}
			}
		}
	} else {
		for _, u := range nal.ScanH264(ev.Payload) {
			if u.Type == nal.H264TypeSEI {
				for _, cf := range ext.ExtractSEI(u.Data, pts) {
					if first == nil {
						first = cf
					}
				}
			}
		}
	}
	return first
}
