// Package nal scans Annex-B elementary streams for NAL unit boundaries
// and classifies them as key frames for the input normalizer. It
// deliberately stops short of SPS/PPS/VPS parsing: the normalizer only
// needs a key-frame flag, not resolution or profile metadata.
package nal

// Unit is a parsed NAL unit: its type and the raw bytes following the start
// code, with no emulation-prevention removal applied (callers that need the
// RBSP body call Unescape).
type Unit struct {
	Type byte
	Data []byte
}

type scPos struct {
	scStart   int
	dataStart int
}

// scan locates Annex-B start codes (3-byte 0x000001 or 4-byte 0x00000001)
// and slices the bytes between consecutive start codes into NAL units,
// classifying each with typeFunc.
func scan(data []byte, minBytes int, typeFunc func([]byte) byte) []Unit {
	n := len(data)
	if n < 4 {
		return nil
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []Unit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nalData := data[pos.dataStart:end]
		if len(nalData) < minBytes {
			continue
		}
		units = append(units, Unit{Type: typeFunc(nalData), Data: nalData})
	}
	return units
}

// Unescape removes H.264/H.265 emulation-prevention bytes (00 00 03 -> 00 00)
// from a NAL unit's RBSP payload.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
