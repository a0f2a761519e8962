package oscilock

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// LockInSettings configures one lock-in processing call. The core never
// mutates it.
type LockInSettings struct {
	LowPassCutoffHz   float64 `mapstructure:"lowpasscutoffhz"`
	FilterOrder       int     `mapstructure:"filterorder"`
	AveragingFraction float64 `mapstructure:"averagingfraction"`
}

// DefaultLockInSettings mirrors the defaults of the configuration surface.
var DefaultLockInSettings = LockInSettings{
	LowPassCutoffHz:   10.0,
	FilterOrder:       4,
	AveragingFraction: 0.5,
}

// Validate rejects settings outside the recognized ranges. The cutoff is
// additionally checked against Nyquist once the sampling rate is known, at
// processing time.
func (s LockInSettings) Validate() error {
	if s.LowPassCutoffHz <= 0 {
		return configErrorf("LowPassCutoffHz", "%g Hz must be positive", s.LowPassCutoffHz)
	}
	if s.FilterOrder < 1 || s.FilterOrder > MaxFilterOrder {
		return configErrorf("FilterOrder", "%d is outside [1, %d]", s.FilterOrder, MaxFilterOrder)
	}
	if s.AveragingFraction < 0 || s.AveragingFraction > 1 {
		return configErrorf("AveragingFraction", "%g is outside [0, 1]", s.AveragingFraction)
	}
	return nil
}

// ReferenceSignals holds the zero-phase quadrature pair synthesized from
// the extracted fundamental frequency.
type ReferenceSignals struct {
	Cos []float64
	Sin []float64
}

// LockInResult is the per-sample output of one lock-in processing call.
// Amplitude and Phase are filtered estimates at every sample, not scalars;
// Phase is unwrapped and corrected to the physical reference channel.
type LockInResult struct {
	Time          []float64 // absolute time axis: TimeOrigin + i·Δt (s)
	Amplitude     []float64 // recovered amplitude (V)
	Phase         []float64 // recovered phase (rad), signal lead vs reference
	FundamentalHz float64
}

// ExtractFundamental returns the frequency of the strongest strictly
// positive bin in the reference waveform's spectrum. DC and the mirror
// (negative-frequency) half are excluded; for even N the Nyquist bin is
// excluded too. The estimate is quantized to the bin resolution fs/N, which
// is its inherent uncertainty. A spectrum with no energy above DC is a
// ProcessingError, never a 0 Hz result.
func ExtractFundamental(ref []float64, timeIncrement float64) (float64, error) {
	n := len(ref)
	if n < 2 {
		return 0, processingErrorf("reference waveform has %d samples, need at least 2", n)
	}
	if timeIncrement <= 0 {
		return 0, processingErrorf("time increment %g must be positive", timeIncrement)
	}
	fs := 1.0 / timeIncrement

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, ref)

	lastPositive := (n - 1) / 2 // excludes the Nyquist bin for even n
	peakBin := 0
	peakMag := 0.0
	for i := 1; i <= lastPositive; i++ {
		mag := math.Hypot(real(coeffs[i]), imag(coeffs[i]))
		if mag > peakMag {
			peakMag = mag
			peakBin = i
		}
	}
	if peakBin == 0 || peakMag <= 0 {
		return 0, processingErrorf("reference waveform has no energy above DC; cannot extract a fundamental frequency")
	}
	return float64(peakBin) * fs / float64(n), nil
}

// GenerateReferenceSignals synthesizes cos(2πf·t) and sin(2πf·t) over the
// relative time axis t_i = i·dt. By construction both have zero phase at
// sample 0; any offset of the physical reference is corrected afterward.
func GenerateReferenceSignals(freq float64, n int, dt float64) *ReferenceSignals {
	refs := &ReferenceSignals{
		Cos: make([]float64, n),
		Sin: make([]float64, n),
	}
	omega := 2 * math.Pi * freq
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		refs.Cos[i] = math.Cos(omega * t)
		refs.Sin[i] = math.Sin(omega * t)
	}
	return refs
}

// PerformLockIn is the pure processing pipeline: extract the reference
// fundamental, demodulate the acquisition channel against a synthesized
// quadrature pair, low-pass filter, and recover per-sample amplitude and
// corrected, unwrapped phase. No I/O, no device state, deterministic.
func PerformLockIn(data *AcquisitionData, settings LockInSettings) (*LockInResult, error) {
	result, _, err := performLockIn(data, settings)
	return result, err
}

// performLockIn also returns the synthesized reference pair, for debug runs.
func performLockIn(data *AcquisitionData, settings LockInSettings) (*LockInResult, *ReferenceSignals, error) {
	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}
	n := len(data.Ref)
	if n == 0 {
		return nil, nil, processingErrorf("empty acquisition buffers")
	}
	if len(data.Signal) != n {
		return nil, nil, processingErrorf("waveform lengths differ: ref %d, signal %d", n, len(data.Signal))
	}
	if data.TimeIncrement <= 0 {
		return nil, nil, processingErrorf("time increment %g must be positive", data.TimeIncrement)
	}
	fs := 1.0 / data.TimeIncrement

	// The filter design validates the cutoff against Nyquist before any
	// numeric work happens.
	filter, err := NewLowPass(settings.FilterOrder, settings.LowPassCutoffHz, fs)
	if err != nil {
		return nil, nil, err
	}

	freq, err := ExtractFundamental(data.Ref, data.TimeIncrement)
	if err != nil {
		return nil, nil, err
	}
	refs := GenerateReferenceSignals(freq, n, data.TimeIncrement)

	// Quadrature demodulation by e^(-jωt): I picks up the in-phase part,
	// Q the quadrature part, so atan2(Q, I) is the signal's phase lead.
	I := make([]float64, n)
	Q := make([]float64, n)
	for i := 0; i < n; i++ {
		I[i] = data.Signal[i] * refs.Cos[i]
		Q[i] = -data.Signal[i] * refs.Sin[i]
	}
	If := filter.ApplyZeroPhase(I)
	Qf := filter.ApplyZeroPhase(Q)

	amplitude := make([]float64, n)
	phase := make([]float64, n)
	for i := 0; i < n; i++ {
		// Factor 2 compensates the demodulation scaling.
		amplitude[i] = 2 * math.Hypot(If[i], Qf[i])
		phase[i] = math.Atan2(Qf[i], If[i])
	}

	// The demodulation references have zero phase at sample 0, but the
	// physical reference generally does not. Measure the reference's own
	// phase the same way and subtract it.
	refI := make([]float64, n)
	refQ := make([]float64, n)
	for i := 0; i < n; i++ {
		refI[i] = data.Ref[i] * refs.Cos[i]
		refQ[i] = -data.Ref[i] * refs.Sin[i]
	}
	refPhase := math.Atan2(floats.Sum(refQ)/float64(n), floats.Sum(refI)/float64(n))
	for i := range phase {
		phase[i] -= refPhase
	}
	UnwrapPhase(phase)

	t := make([]float64, n)
	for i := 0; i < n; i++ {
		t[i] = data.TimeOrigin + float64(i)*data.TimeIncrement
	}
	return &LockInResult{
		Time:          t,
		Amplitude:     amplitude,
		Phase:         phase,
		FundamentalHz: freq,
	}, refs, nil
}
