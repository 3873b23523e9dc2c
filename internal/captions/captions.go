// Package captions extracts CEA-608 and CEA-708 closed captions from video
// SEI NAL units so the normalizer can attach them to outgoing Frames. One
// Extractor runs per video source, confined to that source's demux path.
package captions

import (
	"log/slog"

	"github.com/zsiec/ccx"
)

// Extractor decodes caption data embedded in H.264/HEVC SEI messages. It
// keeps per-field control-code deduplication state because broadcast
// encoders transmit 608 control pairs twice for loss resilience.
type Extractor struct {
	log *slog.Logger

	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service

	dtvccBuf []byte

	frameCount int64

	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
}

// NewExtractor creates an Extractor with decoders for CEA-608 channels 1-4
// and CEA-708 services 1-6. If log is nil, slog.Default() is used.
func NewExtractor(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{
		log: log.With("component", "captions"),
		cea708: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(),
			2: ccx.NewCEA708Service(),
			3: ccx.NewCEA708Service(),
			4: ccx.NewCEA708Service(),
			5: ccx.NewCEA708Service(),
			6: ccx.NewCEA708Service(),
		},
		cea608: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
}

// NextFrame advances the extractor's video frame counter, used to bound the
// 608 control-pair dedup window. Call once per video access unit, before
// ExtractSEI for that unit's SEI NALs.
func (e *Extractor) NextFrame() {
	e.frameCount++
}

// ExtractSEI decodes any caption data carried in one SEI NAL unit,
// returning zero or more completed caption frames stamped with pts.
func (e *Extractor) ExtractSEI(sei []byte, pts int64) []*ccx.CaptionFrame {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []*ccx.CaptionFrame

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		f := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			frameGap := e.frameCount - e.lastCtrlFrame[f]
			if e.lastWasCtrl[f] && e.lastCtrl[f] == cp && frameGap <= 2 {
				e.lastWasCtrl[f] = false
				continue // retransmitted control pair
			}
			e.lastCtrl[f] = cp
			e.lastWasCtrl[f] = true
			e.lastCtrlFrame[f] = e.frameCount
		} else {
			e.lastWasCtrl[f] = false
		}

		dec := e.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			out = append(out, frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, e.drainDTVCC(pts)...)
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
	}

	return out
}

// drainDTVCC decodes a completed DTVCC packet from the accumulation buffer.
func (e *Extractor) drainDTVCC(pts int64) []*ccx.CaptionFrame {
	if len(e.dtvccBuf) < 1 {
		return nil
	}

	packetSize := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < packetSize {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:packetSize]) {
		svc := e.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				// 608 channels occupy 1-4; 708 services surface as 7-12.
				channel := block.ServiceNum + 6
				frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel}
				frame.Regions = svc.StyledRegions()
				out = append(out, frame)
			}
		}
	}
	e.dtvccBuf = e.dtvccBuf[packetSize:]
	return out
}
