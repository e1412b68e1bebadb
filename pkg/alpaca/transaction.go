package alpaca

import "sync/atomic"

// Sequencer issues server transaction IDs. The zero value is ready to use and
// the first ID it returns is 1.
type Sequencer struct {
	last atomic.Int64
}

func (s *Sequencer) Next() int64 {
	return s.last.Add(1)
}

// Global transaction counter
var txCounter Sequencer
