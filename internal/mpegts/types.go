// Package mpegts implements the MPEG-TS demultiplexer feeding the ingest
// core: PAT/PMT discovery with descriptor parsing, PES reassembly with
// 90 kHz PTS/DTS extraction, PCR tracking, and per-source SCTE-35 section
// routing. Output is delivered through a Handler callback pair mirroring
// the demuxer interface the core expects (on_frame / on_message).
package mpegts

// Stream type assignments from ISO 13818-1 Table 2-34 plus the SCTE-35
// registration value, covering every elementary-stream class the ingest
// core consumes.
const (
	StreamTypeH264   uint8 = 0x1B
	StreamTypeH265   uint8 = 0x24
	StreamTypeAAC    uint8 = 0x0F
	StreamTypeAC3    uint8 = 0x81
	StreamTypeSCTE35 uint8 = 0x86
)

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header and adaptation-field fields of a
// transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool

	// PCR is the program clock reference base (90 kHz) when the adaptation
	// field carries one; HasPCR distinguishes a real zero from absence.
	PCR    int64
	HasPCR bool
}

// PATData is the parsed Program Association Table.
type PATData struct {
	Programs []PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData is the parsed Program Map Table, including the per-stream
// descriptor fields the ingest core needs (language tags, SCTE-35
// registration).
type PMTData struct {
	PCRPID            uint16
	ElementaryStreams []PMTElementaryStream
}

// PMTElementaryStream describes one elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8

	// Language is the ISO 639 language code from descriptor 0x0A, or ""
	// when the stream carries none. Audio sub-streams propagate this onto
	// every Frame they mint.
	Language string

	// Registration is the format_identifier from descriptor 0x05 ("CUEI"
	// marks SCTE-35 cue streams on some muxes that use a private stream
	// type instead of 0x86).
	Registration string
}

// PESData is a reassembled Packetized Elementary Stream access unit.
type PESData struct {
	StreamID uint8
	Data     []byte

	// PTS and DTS are 33-bit 90 kHz timestamps; nil when the PES header
	// carried none.
	PTS *int64
	DTS *int64
}

// MessageKind tags an out-of-band demuxer notification (the on_message side
// of the demuxer interface: PAT/PMT/descriptor discovery and SCTE-35
// sections).
type MessageKind int

const (
	MessagePAT MessageKind = iota
	MessagePMT
	MessageSplice
)

// MessageEvent is one out-of-band notification from the demuxer.
type MessageEvent struct {
	Kind   MessageKind
	Source int

	PAT *PATData
	PMT *PMTData

	// Splice is the raw splice_info_section for MessageSplice events,
	// starting at table_id.
	Splice []byte
}

// FrameEvent is one demuxed elementary-stream access unit, the on_frame
// side of the demuxer interface.
type FrameEvent struct {
	Payload    []byte
	StreamType uint8

	PTS *int64 // 90kHz, nil if absent
	DTS *int64 // 90kHz, nil if absent
	PCR int64  // most recent PCR base observed on the program, 0 before the first

	Source    int
	SubStream int // audio sub-stream index; 0 for the video stream

	Language string

	// RandomAccess is the adaptation field's random_access_indicator for
	// the first packet of the access unit. Advisory only: the normalizer
	// still scans NAL types for the authoritative key-frame flag.
	RandomAccess bool
}

// Handler receives demuxer output. OnFrame is called once per reassembled
// access unit, OnMessage once per PSI table or SCTE-35 section.
type Handler interface {
	OnFrame(ev FrameEvent)
	OnMessage(ev MessageEvent)
}
