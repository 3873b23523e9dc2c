package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Demuxer splits one source's MPEG-TS byte stream into elementary-stream
// access units and out-of-band messages, delivered through a Handler. One
// Demuxer runs per input source; the Source index it is created with tags
// every event so the normalizer fleet can route by source.
type Demuxer struct {
	log     *slog.Logger
	reader  io.Reader
	handler Handler
	source  int

	readBuf    []byte
	programMap *programMap
	accs       *accumulatorSet

	videoPID        uint16
	videoStreamType uint8
	audioPIDs       map[uint16]int // PID -> sub-stream index
	audioStreamType map[uint16]uint8
	audioLang       map[uint16]string
	splicePIDs      map[uint16]bool
	pcrPID          uint16
	lastPCR         int64
}

// NewDemuxer creates a Demuxer for one source reading from r. If log is
// nil, slog.Default() is used.
func NewDemuxer(r io.Reader, source int, handler Handler, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	pm := newProgramMap()
	return &Demuxer{
		log:             log.With("component", "mpegts", "source", source),
		reader:          r,
		handler:         handler,
		source:          source,
		readBuf:         make([]byte, PacketSize),
		programMap:      pm,
		accs:            newAccumulatorSet(pm),
		audioPIDs:       make(map[uint16]int),
		audioStreamType: make(map[uint16]uint8),
		audioLang:       make(map[uint16]string),
		splicePIDs:      make(map[uint16]bool),
	}
}

// Run reads transport packets until EOF or context cancellation, invoking
// the handler for every reassembled unit. Corrupt packets and sections are
// skipped, not fatal: a live UDP feed loses packets routinely.
func (d *Demuxer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(d.reader, d.readBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.drain()
				return nil
			}
			return err
		}

		pkt, err := ParsePacket(d.readBuf)
		if err != nil {
			d.log.Debug("skipping corrupt packet", "error", err)
			continue
		}

		if pkt.Header.HasPCR && (d.pcrPID == 0 || pkt.Header.PID == d.pcrPID) {
			d.lastPCR = pkt.Header.PCR
		}

		flushed := d.accs.add(pkt)
		if flushed == nil {
			continue
		}
		d.processUnit(flushed)
	}
}

func (d *Demuxer) drain() {
	for _, packets := range d.accs.dump() {
		d.processUnit(packets)
	}
}

func (d *Demuxer) processUnit(packets []*Packet) {
	if len(packets) == 0 {
		return
	}
	first := packets[0]
	pid := first.Header.PID

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return
	}

	switch {
	case isPSIPayload(pid, d.programMap):
		d.handlePSI(payload)

	case d.splicePIDs[pid]:
		d.handleSplice(payload)

	case isPESPayload(payload):
		pes, err := parsePES(payload)
		if err != nil {
			d.log.Debug("skipping corrupt PES", "pid", pid, "error", err)
			return
		}
		d.handlePES(pid, first, pes)
	}
}

func (d *Demuxer) handlePSI(payload []byte) {
	pats, pmts, err := parsePSI(payload)
	if err != nil {
		d.log.Debug("skipping corrupt PSI section", "error", err)
		return
	}

	for _, pat := range pats {
		for _, prog := range pat.Programs {
			d.programMap.addPMTPID(prog.ProgramMapID)
		}
		d.handler.OnMessage(MessageEvent{Kind: MessagePAT, Source: d.source, PAT: pat})
	}

	for _, pmt := range pmts {
		d.learnPMT(pmt)
		d.handler.OnMessage(MessageEvent{Kind: MessagePMT, Source: d.source, PMT: pmt})
	}
}

func (d *Demuxer) learnPMT(pmt *PMTData) {
	d.pcrPID = pmt.PCRPID

	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case StreamTypeH264, StreamTypeH265:
			if d.videoPID == 0 {
				d.videoPID = es.ElementaryPID
				d.videoStreamType = es.StreamType
				d.log.Info("found video PID", "pid", es.ElementaryPID, "stream_type", es.StreamType)
			}

		case StreamTypeAAC:
			d.learnAudio(es)

		case StreamTypeAC3:
			// AC-3 under ATSC also uses 0x81 with a "CUEI" registration on
			// some muxes for cue streams; the registration check keeps a
			// mislabeled splice PID out of the audio set.
			if es.Registration == "CUEI" {
				d.learnSplice(es)
			} else {
				d.learnAudio(es)
			}

		case StreamTypeSCTE35:
			d.learnSplice(es)
		}
	}
}

func (d *Demuxer) learnAudio(es PMTElementaryStream) {
	if _, exists := d.audioPIDs[es.ElementaryPID]; exists {
		if es.Language != "" {
			d.audioLang[es.ElementaryPID] = es.Language
		}
		return
	}
	idx := len(d.audioPIDs)
	d.audioPIDs[es.ElementaryPID] = idx
	d.audioStreamType[es.ElementaryPID] = es.StreamType
	if es.Language != "" {
		d.audioLang[es.ElementaryPID] = es.Language
	}
	d.log.Info("found audio PID", "pid", es.ElementaryPID, "substream", idx, "language", es.Language)
}

func (d *Demuxer) learnSplice(es PMTElementaryStream) {
	if !d.splicePIDs[es.ElementaryPID] {
		d.splicePIDs[es.ElementaryPID] = true
		d.log.Info("found SCTE-35 PID", "pid", es.ElementaryPID)
	}
}

// handleSplice extracts a splice_info_section from an accumulated SCTE-35
// PID payload (pointer_field first) and forwards it raw; the SCTE-35 Latch
// decodes and acts on it.
func (d *Demuxer) handleSplice(payload []byte) {
	if len(payload) > 0 && payload[0] == 0x00 {
		payload = payload[1:]
	}
	if len(payload) < 3 {
		return
	}
	sectionLen := int(payload[1]&0x0F)<<8 | int(payload[2])
	totalLen := 3 + sectionLen
	if totalLen > len(payload) {
		totalLen = len(payload)
	}
	d.handler.OnMessage(MessageEvent{Kind: MessageSplice, Source: d.source, Splice: payload[:totalLen]})
}

func (d *Demuxer) handlePES(pid uint16, first *Packet, pes *PESData) {
	if len(pes.Data) == 0 {
		return
	}

	switch {
	case pid == d.videoPID:
		d.handler.OnFrame(FrameEvent{
			Payload:      pes.Data,
			StreamType:   d.videoStreamType,
			PTS:          pes.PTS,
			DTS:          pes.DTS,
			PCR:          d.lastPCR,
			Source:       d.source,
			RandomAccess: first.Header.RandomAccessIndicator,
		})

	default:
		idx, ok := d.audioPIDs[pid]
		if !ok {
			return
		}
		d.handler.OnFrame(FrameEvent{
			Payload:    pes.Data,
			StreamType: d.audioStreamType[pid],
			PTS:        pes.PTS,
			DTS:        pes.DTS,
			PCR:        d.lastPCR,
			Source:     d.source,
			SubStream:  idx,
			Language:   d.audioLang[pid],
		})
	}
}
