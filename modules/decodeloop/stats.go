package decodeloop

import "sync/atomic"

// Stats contains loop counters across all runs.
type Stats struct {
	// State is the current loop state
	State State
	// Runs is the number of successful Start calls
	Runs uint64
	// Ticks is the number of ticks that pulled a frame
	Ticks uint64
	// NotReady is the number of ticks skipped before the first frame
	NotReady uint64
	// StaleFrames is the number of ticks that saw an already-decoded frame
	StaleFrames uint64
	// Attempts is the number of Decoder invocations
	Attempts uint64
	// Found is the number of attempts that decoded a symbol
	Found uint64
	// Duplicates is the number of decodes discarded as LastSeenPayload
	Duplicates uint64
	// DecoderFailures counts decoder errors and panics
	DecoderFailures uint64
	// DimensionMismatches counts frames whose data did not match their declared size
	DimensionMismatches uint64
}

// Stats returns a snapshot of loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		State:               l.State(),
		Runs:                atomic.LoadUint64(&l.runs),
		Ticks:               atomic.LoadUint64(&l.ticks),
		NotReady:            atomic.LoadUint64(&l.notReady),
		StaleFrames:         atomic.LoadUint64(&l.staleFrames),
		Attempts:            atomic.LoadUint64(&l.attempts),
		Found:               atomic.LoadUint64(&l.found),
		Duplicates:          atomic.LoadUint64(&l.duplicates),
		DecoderFailures:     atomic.LoadUint64(&l.decoderFailures),
		DimensionMismatches: atomic.LoadUint64(&l.dimensionMismatches),
	}
}
