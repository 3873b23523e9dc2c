package mpegts

import "fmt"

// PacketSize is the fixed transport packet length; UDP datagrams from the
// socket reader are a whole multiple of it.
const PacketSize = 188

const syncByte = 0x47

// ParsePacket parses one 188-byte transport packet, including the
// adaptation-field flags and PCR the ingest core consumes.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		if offset >= PacketSize {
			return p, nil
		}
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			flags := buf[offset+1]
			p.Header.DiscontinuityIndicator = flags&0x80 != 0
			p.Header.RandomAccessIndicator = flags&0x40 != 0

			// PCR_flag: 6 bytes of program_clock_reference follow the
			// adaptation flags. Only the 33-bit base is kept; the 9-bit
			// extension below 90kHz resolution is discarded.
			if flags&0x10 != 0 && afLen >= 7 && offset+7 < PacketSize {
				pcr := buf[offset+2 : offset+8]
				p.Header.PCR = int64(pcr[0])<<25 |
					int64(pcr[1])<<17 |
					int64(pcr[2])<<9 |
					int64(pcr[3])<<1 |
					int64(pcr[4]>>7)
				p.Header.HasPCR = true
			}
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}
