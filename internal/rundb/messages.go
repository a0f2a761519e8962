package rundb

import "time"

// RunMessage says that an acquisition run has started or ended. The same ID
// is sent twice: once at start with End zero, once at stop with End set.
type RunMessage struct {
	ID          string // ULID for this run
	Hostname    string
	Source      string // RIGOL, KEYSIGHT, or SIM
	MemoryDepth int

	LowPassCutoffHz   float64
	FilterOrder       int
	AveragingFraction float64

	Start time.Time
	End   time.Time
}

// EstimateMessage carries one cycle's averaged lock-in estimate.
type EstimateMessage struct {
	RunID         string
	Cycle         int
	Amplitude     float64
	PhaseRadians  float64
	FundamentalHz float64
	Timestamp     float64 // seconds since the run started
}
