package mpegts

import "testing"

// appendCRC finalizes a PSI section by appending its MPEG-2 CRC32.
func appendCRC(section []byte) []byte {
	crc := crc32MPEG(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// buildPAT assembles a single-program PAT section.
func buildPAT(programNumber, pmtPID uint16) []byte {
	body := []byte{
		tableIDPAT,
		0, 0, // section length, patched below
		0x00, 0x01, // transport_stream_id
		0xC1, // version 0, current_next
		0x00, // section_number
		0x00, // last_section_number
		byte(programNumber >> 8), byte(programNumber),
		0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	sectionLength := len(body) - 3 + 4
	body[1] = 0xB0 | byte(sectionLength>>8)
	body[2] = byte(sectionLength)
	return appendCRC(body)
}

type pmtES struct {
	streamType  uint8
	pid         uint16
	descriptors []byte
}

// buildPMT assembles a PMT section with the given elementary streams.
func buildPMT(pcrPID uint16, streams []pmtES) []byte {
	body := []byte{
		tableIDPMT,
		0, 0, // section length, patched below
		0x00, 0x01, // program_number
		0xC1,
		0x00,
		0x00,
		0xE0 | byte(pcrPID>>8), byte(pcrPID),
		0xF0, 0x00, // program_info_length 0
	}
	for _, es := range streams {
		body = append(body,
			es.streamType,
			0xE0|byte(es.pid>>8), byte(es.pid),
			0xF0|byte(len(es.descriptors)>>8), byte(len(es.descriptors)),
		)
		body = append(body, es.descriptors...)
	}
	sectionLength := len(body) - 3 + 4
	body[1] = 0xB0 | byte(sectionLength>>8)
	body[2] = byte(sectionLength)
	return appendCRC(body)
}

func TestParsePAT(t *testing.T) {
	t.Parallel()

	payload := append([]byte{0x00}, buildPAT(1, 0x1000)...)

	pats, pmts, err := parsePSI(payload)
	if err != nil {
		t.Fatalf("parsePSI: %v", err)
	}
	if len(pmts) != 0 {
		t.Errorf("unexpected PMTs: %d", len(pmts))
	}
	if len(pats) != 1 || len(pats[0].Programs) != 1 {
		t.Fatalf("expected 1 PAT with 1 program, got %+v", pats)
	}
	prog := pats[0].Programs[0]
	if prog.ProgramNumber != 1 || prog.ProgramMapID != 0x1000 {
		t.Errorf("program = %+v, want number 1 PID 0x1000", prog)
	}
}

func TestParsePMTDescriptors(t *testing.T) {
	t.Parallel()

	streams := []pmtES{
		{streamType: StreamTypeH264, pid: 0x100},
		{streamType: StreamTypeAAC, pid: 0x101, descriptors: []byte{descriptorTagISO639, 4, 'e', 'n', 'g', 0x00}},
		{streamType: StreamTypeSCTE35, pid: 0x1F4, descriptors: []byte{descriptorTagRegistration, 4, 'C', 'U', 'E', 'I'}},
	}
	payload := append([]byte{0x00}, buildPMT(0x100, streams)...)

	_, pmts, err := parsePSI(payload)
	if err != nil {
		t.Fatalf("parsePSI: %v", err)
	}
	if len(pmts) != 1 {
		t.Fatalf("expected 1 PMT, got %d", len(pmts))
	}
	pmt := pmts[0]
	if pmt.PCRPID != 0x100 {
		t.Errorf("PCR PID = 0x%X, want 0x100", pmt.PCRPID)
	}
	if len(pmt.ElementaryStreams) != 3 {
		t.Fatalf("expected 3 elementary streams, got %d", len(pmt.ElementaryStreams))
	}

	audio := pmt.ElementaryStreams[1]
	if audio.Language != "eng" {
		t.Errorf("audio language = %q, want eng", audio.Language)
	}
	splice := pmt.ElementaryStreams[2]
	if splice.Registration != "CUEI" {
		t.Errorf("splice registration = %q, want CUEI", splice.Registration)
	}
}

func TestParsePSIRejectsCorruptCRC(t *testing.T) {
	t.Parallel()

	section := buildPAT(1, 0x1000)
	section[len(section)-1] ^= 0xFF
	payload := append([]byte{0x00}, section...)

	if _, _, err := parsePSI(payload); err == nil {
		t.Error("expected CRC error for corrupted PAT")
	}
}
