package oscilock

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// synthesize builds a reference/signal pair with the signal leading the
// reference by phase radians.
func synthesize(freq, fs float64, n int, refAmp, sigAmp, phase float64) *AcquisitionData {
	ref := make([]float64, n)
	sig := make([]float64, n)
	omega := 2 * math.Pi * freq
	dt := 1.0 / fs
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		ref[i] = refAmp * math.Sin(omega*t)
		sig[i] = sigAmp * math.Sin(omega*t+phase)
	}
	return &AcquisitionData{Ref: ref, Signal: sig, TimeIncrement: dt}
}

func TestExtractFundamental(t *testing.T) {
	const fs = 100000.0
	const n = 10000 // bin resolution fs/n = 10 Hz
	data := synthesize(1000.0, fs, n, 1.0, 1.0, 0)
	freq, err := ExtractFundamental(data.Ref, data.TimeIncrement)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, freq, 10.0, "fundamental should land within one bin")

	// Extraction carries no hidden state: a second run is bit-identical.
	again, err := ExtractFundamental(data.Ref, data.TimeIncrement)
	require.NoError(t, err)
	assert.Equal(t, freq, again)

	// An integer number of periods aligns exactly on a bin.
	assert.InDelta(t, 1000.0, freq, 1e-6)

	// DC must never win, even when it dominates the spectrum.
	offset := make([]float64, n)
	for i := range offset {
		offset[i] = 100.0 + 0.01*math.Sin(2*math.Pi*250.0*float64(i)/fs)
	}
	freq, err = ExtractFundamental(offset, 1/fs)
	require.NoError(t, err)
	assert.InDelta(t, 250.0, freq, 1e-6)

	// No energy above DC is an error, not a 0 Hz result.
	flat := make([]float64, n)
	_, err = ExtractFundamental(flat, 1/fs)
	require.Error(t, err)
	assert.IsType(t, &ProcessingError{}, err)

	_, err = ExtractFundamental([]float64{1.0}, 1/fs)
	assert.Error(t, err, "single sample cannot yield a frequency")
	_, err = ExtractFundamental(data.Ref, 0)
	assert.Error(t, err, "zero time increment cannot yield a frequency")
}

// TestLockInRecovery is the headline property: a 1 kHz pair with the signal
// at amplitude 5.0 leading by 30 degrees must come back as (5.0, +pi/6) once
// the startup transient is discarded.
func TestLockInRecovery(t *testing.T) {
	const (
		freq  = 1000.0
		fs    = 100000.0
		n     = 10000
		amp   = 5.0
		phase = math.Pi / 6
	)
	data := synthesize(freq, fs, n, 2.0, amp, phase)
	settings := LockInSettings{LowPassCutoffHz: 100.0, FilterOrder: 4, AveragingFraction: 0.5}

	result, err := PerformLockIn(data, settings)
	require.NoError(t, err)
	require.Len(t, result.Amplitude, n)
	require.Len(t, result.Phase, n)
	require.Len(t, result.Time, n)
	assert.InDelta(t, freq, result.FundamentalHz, 1e-6)

	estimate, err := Average(result, settings.AveragingFraction)
	require.NoError(t, err)
	assert.InDelta(t, amp, estimate.Amplitude, 0.01)
	assert.InDelta(t, phase, estimate.Phase, 0.01, "phase must come back with positive sign for a leading signal")
	assert.InDelta(t, freq, estimate.FundamentalHz, 1e-6)
}

func TestLockInPhaseSign(t *testing.T) {
	// A lagging signal must produce a negative phase.
	data := synthesize(1000.0, 100000.0, 10000, 1.0, 1.0, -math.Pi/4)
	result, err := PerformLockIn(data, DefaultLockInSettings)
	require.NoError(t, err)
	estimate, err := Average(result, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, -math.Pi/4, estimate.Phase, 0.01)
}

func TestLockInReferencePhaseCorrection(t *testing.T) {
	// Shift both channels by the same offset: the relative phase cannot move.
	const n = 10000
	const fs = 100000.0
	const freq = 1000.0
	const rel = math.Pi / 3
	for _, common := range []float64{0, 0.7, -2.0} {
		ref := make([]float64, n)
		sig := make([]float64, n)
		omega := 2 * math.Pi * freq
		for i := 0; i < n; i++ {
			t := float64(i) / fs
			ref[i] = math.Sin(omega*t + common)
			sig[i] = 3.0 * math.Sin(omega*t+common+rel)
		}
		data := &AcquisitionData{Ref: ref, Signal: sig, TimeIncrement: 1 / fs}
		result, err := PerformLockIn(data, DefaultLockInSettings)
		require.NoError(t, err)
		estimate, err := Average(result, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, rel, estimate.Phase, 0.01, "common offset %g", common)
		assert.InDelta(t, 3.0, estimate.Amplitude, 0.01)
	}
}

func TestLockInDeterministic(t *testing.T) {
	data := synthesize(1000.0, 100000.0, 10000, 1.0, 2.0, 0.5)
	r1, err := PerformLockIn(data, DefaultLockInSettings)
	require.NoError(t, err)
	r2, err := PerformLockIn(data, DefaultLockInSettings)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "same input must produce the identical result")
}

func TestLockInTimeAxis(t *testing.T) {
	data := synthesize(1000.0, 100000.0, 10000, 1.0, 1.0, 0)
	data.TimeOrigin = -0.05
	result, err := PerformLockIn(data, DefaultLockInSettings)
	require.NoError(t, err)
	assert.Equal(t, -0.05, result.Time[0])
	assert.InDelta(t, -0.05+9999*data.TimeIncrement, result.Time[9999], 1e-12)
}

func TestLockInRejectsBadInput(t *testing.T) {
	good := synthesize(1000.0, 100000.0, 10000, 1.0, 1.0, 0)

	_, err := PerformLockIn(&AcquisitionData{TimeIncrement: 1e-5}, DefaultLockInSettings)
	assert.IsType(t, &ProcessingError{}, err, "empty buffers")

	short := &AcquisitionData{Ref: good.Ref, Signal: good.Signal[:5000], TimeIncrement: 1e-5}
	_, err = PerformLockIn(short, DefaultLockInSettings)
	assert.IsType(t, &ProcessingError{}, err, "length mismatch")

	bad := &AcquisitionData{Ref: good.Ref, Signal: good.Signal, TimeIncrement: 0}
	_, err = PerformLockIn(bad, DefaultLockInSettings)
	assert.IsType(t, &ProcessingError{}, err, "zero time increment")
}

func TestLockInRejectsBadSettings(t *testing.T) {
	data := synthesize(1000.0, 100000.0, 10000, 1.0, 1.0, 0)

	s := DefaultLockInSettings
	s.LowPassCutoffHz = -3
	_, err := PerformLockIn(data, s)
	assert.IsType(t, &ConfigError{}, err)

	s = DefaultLockInSettings
	s.FilterOrder = MaxFilterOrder + 1
	_, err = PerformLockIn(data, s)
	assert.IsType(t, &ConfigError{}, err)

	// Cutoff at or above Nyquist is rejected before any numeric work.
	s = DefaultLockInSettings
	s.LowPassCutoffHz = 50000.0
	_, err = PerformLockIn(data, s)
	assert.IsType(t, &ConfigError{}, err)

	s = DefaultLockInSettings
	s.AveragingFraction = 1.5
	_, err = PerformLockIn(data, s)
	assert.IsType(t, &ConfigError{}, err)
}

func TestGenerateReferenceSignals(t *testing.T) {
	refs := GenerateReferenceSignals(1000.0, 100, 1e-5)
	require.Len(t, refs.Cos, 100)
	require.Len(t, refs.Sin, 100)
	assert.Equal(t, 1.0, refs.Cos[0], "cosine reference starts at phase zero")
	assert.Equal(t, 0.0, refs.Sin[0], "sine reference starts at phase zero")
	for i := range refs.Cos {
		assert.InDelta(t, 1.0, refs.Cos[i]*refs.Cos[i]+refs.Sin[i]*refs.Sin[i], 1e-12)
	}
}

func TestLockInSettingsValidate(t *testing.T) {
	assert.NoError(t, DefaultLockInSettings.Validate())
	assert.Error(t, LockInSettings{LowPassCutoffHz: 0, FilterOrder: 4, AveragingFraction: 0.5}.Validate())
	assert.Error(t, LockInSettings{LowPassCutoffHz: 10, FilterOrder: 0, AveragingFraction: 0.5}.Validate())
	assert.Error(t, LockInSettings{LowPassCutoffHz: 10, FilterOrder: 4, AveragingFraction: -0.1}.Validate())
}
