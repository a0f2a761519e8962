package oscilock

import "gonum.org/v1/gonum/floats"

// AveragedEstimate is the scalar output of one orchestration cycle:
// the trailing-window means of a LockInResult, stamped with seconds since
// the run started.
type AveragedEstimate struct {
	Amplitude     float64 `json:"amplitude"`
	Phase         float64 `json:"phase_radians"`
	FundamentalHz float64 `json:"fundamental_freq_hz"`
	Timestamp     float64 `json:"timestamp"`
}

// Average reduces a LockInResult to one estimate by taking the arithmetic
// mean of the trailing fraction of its samples, discarding the filter's
// startup transient. fraction = 1 averages the whole run; fraction = 0 is
// defined as the single last sample (the window never has fewer than one
// sample). The phase mean is taken on the unwrapped sequence, so window
// wraparound cannot bias it.
func Average(result *LockInResult, fraction float64) (AveragedEstimate, error) {
	if fraction < 0 || fraction > 1 {
		return AveragedEstimate{}, configErrorf("AveragingFraction", "%g is outside [0, 1]", fraction)
	}
	n := len(result.Amplitude)
	if n == 0 || len(result.Phase) != n {
		return AveragedEstimate{}, processingErrorf("cannot average a result with %d amplitude and %d phase samples", n, len(result.Phase))
	}
	window := int(float64(n) * fraction)
	if window < 1 {
		window = 1
	}
	start := n - window
	return AveragedEstimate{
		Amplitude:     floats.Sum(result.Amplitude[start:]) / float64(window),
		Phase:         floats.Sum(result.Phase[start:]) / float64(window),
		FundamentalHz: result.FundamentalHz,
	}, nil
}
