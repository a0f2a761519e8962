package oscilock

import (
	"math"
	"math/rand"
	"time"
)

// Memory depths the simulated scope accepts, mirroring the shape of the
// hardware variants' enumerated sets.
var simMemoryDepths = []int{1000, 10000, 100000, 1000000}

// SimScope synthesizes sine-wave captures in software. It serves two
// purposes: a deterministic mock of the Oscilloscope capability for tests,
// and a user-selectable source for running the daemon with no hardware.
type SimScope struct {
	Frequency    float64 // signal and reference frequency (Hz)
	RefAmplitude float64 // reference channel amplitude (V)
	SigAmplitude float64 // acquisition channel amplitude (V)
	SigPhase     float64 // acquisition channel phase lead vs reference (rad)
	NoiseRMS     float64 // white noise added to the acquisition channel (V)
	Pace         bool    // when true, Acquire sleeps for the capture duration

	cfg        *ScopeConfig
	configured bool
	closed     bool
	rng        *rand.Rand
	ncycles    int
}

// NewSimScope returns a simulated source producing a 1 kHz pair with unit
// reference amplitude. Deterministic unless reseeded.
func NewSimScope() *SimScope {
	return &SimScope{
		Frequency:    1000.0,
		RefAmplitude: 1.0,
		SigAmplitude: 0.5,
		SigPhase:     math.Pi / 6,
		rng:          rand.New(rand.NewSource(1)),
	}
}

// ConfigSchema enumerates the configurable parameters of this variant.
func (s *SimScope) ConfigSchema() []ConfigField {
	return []ConfigField{
		depthSchemaField(simMemoryDepths, 10000),
		{Name: "SampleRate", Type: "float", Default: 100000.0},
		{Name: "RefChannel", Type: "Channel", Allowed: []interface{}{1, 2, 3, 4}, Default: 1},
		{Name: "SigChannel", Type: "Channel", Allowed: []interface{}{1, 2, 3, 4}, Default: 2},
	}
}

// Configure validates cfg; the simulated scope needs an explicit sample rate.
func (s *SimScope) Configure(cfg *ScopeConfig) error {
	if err := cfg.validateChannels(); err != nil {
		return err
	}
	if !memoryDepthAllowed(cfg.MemoryDepth, simMemoryDepths) {
		return configErrorf("MemoryDepth", "%d is not in the allowed set %v", cfg.MemoryDepth, simMemoryDepths)
	}
	if cfg.SampleRate <= 0 {
		return configErrorf("SampleRate", "%g must be positive", cfg.SampleRate)
	}
	s.cfg = cfg
	s.configured = true
	return nil
}

// Acquire synthesizes one capture. When Pace is set it first sleeps for the
// capture duration, so continuous runs advance in roughly real time.
func (s *SimScope) Acquire() (*AcquisitionData, error) {
	if s.closed {
		return nil, &TransportError{Op: "acquire", Err: errClosedSim}
	}
	if !s.configured {
		return nil, configErrorf("scope", "Acquire called before Configure")
	}
	n := s.cfg.MemoryDepth
	dt := 1.0 / s.cfg.SampleRate
	if s.Pace {
		time.Sleep(time.Duration(float64(n) * dt * float64(time.Second)))
	}
	ref := make([]float64, n)
	sig := make([]float64, n)
	omega := 2 * math.Pi * s.Frequency
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		ref[i] = s.RefAmplitude * math.Sin(omega*t)
		sig[i] = s.SigAmplitude * math.Sin(omega*t+s.SigPhase)
		if s.NoiseRMS > 0 {
			sig[i] += s.NoiseRMS * s.rng.NormFloat64()
		}
	}
	s.ncycles++
	return &AcquisitionData{Ref: ref, Signal: sig, TimeIncrement: dt, TimeOrigin: 0}, nil
}

// Close marks the source closed. Safe to call more than once.
func (s *SimScope) Close() error {
	s.closed = true
	return nil
}

var errClosedSim = &closedError{}

type closedError struct{}

func (e *closedError) Error() string { return "simulated scope is closed" }
