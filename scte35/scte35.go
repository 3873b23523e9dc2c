package scte35

import "fmt"

const (
	tableID = 0xFC

	SpliceNullType   uint32 = 0x00
	SpliceInsertType uint32 = 0x05
	TimeSignalType   uint32 = 0x06
)

// SpliceCommand is the interface for splice command types.
type SpliceCommand interface {
	Type() uint32
	decode([]byte) error
	encode() ([]byte, error)
	commandLength() int
}

// SpliceInfoSection is the top-level SCTE-35 structure.
type SpliceInfoSection struct {
	SAPType       uint32
	PTSAdjustment uint64 // 33-bit
	Tier          uint32
	SpliceCommand SpliceCommand
}

// DecodeBytes decodes a binary SCTE-35 splice_info_section.
func DecodeBytes(data []byte) (*SpliceInfoSection, error) {
	sis := &SpliceInfoSection{}
	if err := sis.decode(data); err != nil {
		return sis, err
	}
	return sis, nil
}

func (sis *SpliceInfoSection) decode(data []byte) error {
	if err := verifyCRC32(data); err != nil {
		return err
	}

	r := newBitReader(data)
	r.skip(8) // table_id
	r.skip(1) // section_syntax_indicator
	r.skip(1) // private_indicator
	sis.SAPType = r.readUint32(2)
	sectionLength := int(r.readUint32(12))

	r.skip(8) // protocol_version
	r.skip(1) // encrypted_packet
	r.skip(6) // encryption_algorithm
	sis.PTSAdjustment = r.readUint64(33)
	r.skip(8) // cw_index
	sis.Tier = r.readUint32(12)

	spliceCommandLength := int(r.readUint32(12))
	spliceCommandType := r.readUint32(8)

	var cmdData []byte
	if spliceCommandLength == 0xFFF {
		// Legacy encoders signal an unknown command length this way;
		// everything up to the descriptor loop belongs to the command.
		remaining := sectionLength - 11 - 4 // fixed header bytes, minus CRC
		if remaining < 0 {
			return fmt.Errorf("scte35: section too short for legacy command length")
		}
		cmdData = r.readBytes(remaining)
	} else {
		cmdData = r.readBytes(spliceCommandLength)
	}

	cmd, err := decodeSpliceCommand(spliceCommandType, cmdData)
	if err != nil {
		return fmt.Errorf("scte35: decoding command type 0x%02X: %w", spliceCommandType, err)
	}
	sis.SpliceCommand = cmd

	return nil
}

// Encode serializes the SpliceInfoSection to binary. Only SpliceInsert and
// SpliceNull commands (with no descriptors) are supported, matching what
// this package decodes.
func (sis *SpliceInfoSection) Encode() ([]byte, error) {
	sectionLen := sis.sectionLength()
	totalLen := 3 + sectionLen

	w := newBitWriter(totalLen)

	w.putUint32(8, tableID)
	w.putBit(false) // section_syntax_indicator
	w.putBit(false) // private_indicator
	w.putUint32(2, sis.SAPType)
	w.putUint32(12, uint32(sectionLen))

	w.putUint32(8, 0) // protocol_version
	w.putBit(false)   // encrypted_packet
	w.putUint32(6, 0) // encryption_algorithm
	w.putUint64(33, sis.PTSAdjustment)
	w.putUint32(8, 0) // cw_index
	w.putUint32(12, sis.Tier)

	if sis.SpliceCommand != nil {
		w.putUint32(12, uint32(sis.SpliceCommand.commandLength()))
		w.putUint32(8, sis.SpliceCommand.Type())
		cmdBytes, err := sis.SpliceCommand.encode()
		if err != nil {
			return nil, err
		}
		w.putBytes(cmdBytes)
	} else {
		w.putUint32(12, 0)
		w.putUint32(8, SpliceNullType)
	}

	w.putUint32(16, 0) // descriptor_loop_length

	crc := crc32MPEG2(w.bytes()[:totalLen-4])
	w.putUint32(32, crc)

	return w.bytes(), nil
}

func (sis *SpliceInfoSection) sectionLength() int {
	bits := 8  // protocol_version
	bits += 1  // encrypted_packet
	bits += 6  // encryption_algorithm
	bits += 33 // pts_adjustment
	bits += 8  // cw_index
	bits += 12 // tier
	bits += 12 // splice_command_length
	bits += 8  // splice_command_type

	if sis.SpliceCommand != nil {
		bits += sis.SpliceCommand.commandLength() * 8
	}

	bits += 16 // descriptor_loop_length
	bits += 32 // CRC_32

	return bits / 8
}

func decodeSpliceCommand(cmdType uint32, data []byte) (SpliceCommand, error) {
	var cmd SpliceCommand
	switch cmdType {
	case SpliceInsertType:
		cmd = &SpliceInsert{}
	default:
		// Unknown or uninteresting command (splice_null, time_signal,
		// bandwidth_reservation, private): the Latch only acts on
		// splice_insert, so everything else decodes to an inert null.
		return &SpliceNull{}, nil
	}
	if err := cmd.decode(data); err != nil {
		return cmd, err
	}
	return cmd, nil
}
