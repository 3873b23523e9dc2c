package pipeline

import (
	"github.com/tellyhubcloud/ingestcore/internal/latch"
	"github.com/tellyhubcloud/ingestcore/scte35"
)

// scte35Decode parses a raw splice_info_section and converts a
// splice_insert into the latch's command form. Every other command type
// (splice_null, time_signal, bandwidth_reservation, private) decodes to
// nil: the latch only honors splice_insert.
func scte35Decode(section []byte) (*latch.Command, error) {
	sis, err := scte35.DecodeBytes(section)
	if err != nil {
		return nil, err
	}

	ins, ok := sis.SpliceCommand.(*scte35.SpliceInsert)
	if !ok {
		return nil, nil
	}

	cmd := &latch.Command{
		SpliceImmediate: ins.SpliceImmediateFlag,
		OutOfNetwork:    ins.OutOfNetworkIndicator,
		Cancel:          ins.SpliceEventCancelIndicator,
		TimeSpecified:   ins.TimeSpecifiedFlag,
		PTSTime:         int64(ins.PTSTime),
		PTSAdjustment:   int64(sis.PTSAdjustment),
	}
	if ins.BreakDuration != nil {
		cmd.Duration = int64(ins.BreakDuration.Duration)
		cmd.AutoReturn = ins.BreakDuration.AutoReturn
	}
	return cmd, nil
}
