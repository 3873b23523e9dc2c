package scte35

// SpliceNull is a heartbeat command carrying no splice information.
type SpliceNull struct{}

func (cmd *SpliceNull) Type() uint32 { return SpliceNullType }

func (cmd *SpliceNull) decode(data []byte) error { return nil }

func (cmd *SpliceNull) encode() ([]byte, error) { return nil, nil }

func (cmd *SpliceNull) commandLength() int { return 0 }
