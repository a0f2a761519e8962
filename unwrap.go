package oscilock

import "math"

// UnwrapPhase removes 2π discontinuities from a phase sequence, in place:
// whenever the step between consecutive samples exceeds π in magnitude, a
// multiple of 2π is folded into all following samples so the sequence stays
// continuous. Returns its argument for convenience.
func UnwrapPhase(phase []float64) []float64 {
	if len(phase) < 2 {
		return phase
	}
	var correction float64
	prev := phase[0]
	for i := 1; i < len(phase); i++ {
		raw := phase[i]
		d := raw - prev
		dd := math.Mod(d+math.Pi, 2*math.Pi)
		if dd < 0 {
			dd += 2 * math.Pi
		}
		dd -= math.Pi
		// Map a +π step to +π, not -π, so ramps keep their direction.
		if dd == -math.Pi && d > 0 {
			dd = math.Pi
		}
		correction += dd - d
		prev = raw
		phase[i] = raw + correction
	}
	return phase
}
