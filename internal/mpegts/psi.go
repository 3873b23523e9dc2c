package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	descriptorTagRegistration = 0x05
	descriptorTagISO639       = 0x0A
)

func isPSIPayload(pid uint16, pm *programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

// parsePSI walks the sections of an accumulated PSI payload (pointer_field
// first), returning every PAT and PMT it finds. Stuffing and padding bytes
// terminate the walk.
func parsePSI(payload []byte) (pats []*PATData, pmts []*PMTData, err error) {
	if len(payload) < 1 {
		return nil, nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return nil, nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing
		}
		if offset+3 > len(payload) {
			break
		}
		if payload[offset+1]&0x80 == 0 {
			break // section_syntax_indicator clear: padding, not PAT/PMT
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}

		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return pats, pmts, err
			}
			pats = append(pats, pat)

		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return pats, pmts, err
			}
			pmts = append(pmts, pmt)
		}

		offset = sectionEnd
	}

	return pats, pmts, nil
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}
	if len(data) < 12 { // 8 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	entryStart := 8
	entryEnd := 3 + sectionLength - 4
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &PATData{}
	for i := entryStart; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if programNumber == 0 {
			continue // NIT
		}
		pat.Programs = append(pat.Programs, PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}
	if len(data) < 16 { // 12 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := 3 + sectionLength
	if sectionEnd > len(data) {
		sectionEnd = len(data)
	}

	pmt := &PMTData{
		PCRPID: uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	for offset+5 <= sectionEnd-4 {
		es := PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		descEnd := offset + 5 + esInfoLength
		if descEnd > sectionEnd-4 {
			descEnd = sectionEnd - 4
		}
		parseESDescriptors(data[offset+5:descEnd], &es)

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, es)
		offset += 5 + esInfoLength
	}

	return pmt, nil
}

// parseESDescriptors extracts the two descriptor classes the ingest core
// uses: ISO 639 language (attached to every audio Frame) and registration
// (identifies SCTE-35 cue streams muxed under private stream types).
func parseESDescriptors(data []byte, es *PMTElementaryStream) {
	offset := 0
	for offset+2 <= len(data) {
		tag := data[offset]
		length := int(data[offset+1])
		body := offset + 2
		end := body + length
		if end > len(data) {
			break
		}

		switch tag {
		case descriptorTagISO639:
			if length >= 3 {
				es.Language = string(data[body : body+3])
			}
		case descriptorTagRegistration:
			if length >= 4 {
				es.Registration = string(data[body : body+4])
			}
		}

		offset = end
	}
}
