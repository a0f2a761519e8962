package oscilock

import "math"

// MaxFilterOrder bounds the Butterworth filter order settings may request.
const MaxFilterOrder = 10

// biquad is one direct-form-II-transposed second-order section with unit a0.
// First-order sections set b2 = a2 = 0.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// LowPassFilter is a Butterworth low-pass filter realized as a cascade of
// second-order sections, designed by bilinear transform of the analog
// prototype with prewarped cutoff.
type LowPassFilter struct {
	sections []biquad
	order    int
}

// NewLowPass designs a Butterworth low-pass filter. The cutoff is validated
// against the Nyquist frequency sampleRate/2; a cutoff at or above Nyquist
// or a non-positive cutoff is a ConfigError, as is an order outside
// [1, MaxFilterOrder].
func NewLowPass(order int, cutoffHz, sampleRate float64) (*LowPassFilter, error) {
	if order < 1 || order > MaxFilterOrder {
		return nil, configErrorf("FilterOrder", "%d is outside [1, %d]", order, MaxFilterOrder)
	}
	if sampleRate <= 0 {
		return nil, configErrorf("SampleRate", "%g must be positive", sampleRate)
	}
	nyquist := sampleRate / 2
	if cutoffHz <= 0 || cutoffHz >= nyquist {
		return nil, configErrorf("LowPassCutoffHz", "%g Hz is outside (0, Nyquist=%g Hz)", cutoffHz, nyquist)
	}

	// Prewarp the digital cutoff onto the analog axis.
	wc := 2 * sampleRate * math.Tan(math.Pi*cutoffHz/sampleRate)
	K := 2 * sampleRate

	f := &LowPassFilter{order: order}
	// Left-half-plane Butterworth poles come in conjugate pairs
	// wc·exp(iθ); each pair yields one second-order section. Odd orders
	// contribute one real pole at -wc.
	npairs := order / 2
	for k := 0; k < npairs; k++ {
		theta := math.Pi / 2 * (1 + float64(2*k+1)/float64(order))
		c1 := -2 * wc * math.Cos(theta)
		c0 := wc * wc
		d0 := K*K + c1*K + c0
		f.sections = append(f.sections, biquad{
			b0: c0 / d0,
			b1: 2 * c0 / d0,
			b2: c0 / d0,
			a1: (2*c0 - 2*K*K) / d0,
			a2: (K*K - c1*K + c0) / d0,
		})
	}
	if order%2 == 1 {
		d0 := K + wc
		f.sections = append(f.sections, biquad{
			b0: wc / d0,
			b1: wc / d0,
			a1: (wc - K) / d0,
		})
	}
	return f, nil
}

// Apply runs a single causal pass over x and returns the filtered copy.
func (f *LowPassFilter) Apply(x []float64) []float64 {
	return f.run(x, false)
}

// ApplyZeroPhase filters x forward then backward, canceling the filter's
// phase response. The input is extended at both ends by an odd reflection
// of 3×order samples to suppress edge transients, matching the padding the
// filter's startup needs.
func (f *LowPassFilter) ApplyZeroPhase(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	padlen := 3 * f.order
	if padlen > n-1 {
		padlen = n - 1
	}

	ext := make([]float64, 0, n+2*padlen)
	for i := padlen; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := n - 2; i >= n-1-padlen; i-- {
		ext = append(ext, 2*x[n-1]-x[i])
	}

	fwd := f.run(ext, true)
	reverse(fwd)
	bwd := f.run(fwd, true)
	reverse(bwd)

	out := make([]float64, n)
	copy(out, bwd[padlen:padlen+n])
	return out
}

// run filters through the section cascade. When matchInitial is set, each
// section's delay state starts at its steady-state response to the first
// sample, which suppresses the step transient at the start of the pass.
func (f *LowPassFilter) run(x []float64, matchInitial bool) []float64 {
	y := make([]float64, len(x))
	copy(y, x)
	for _, s := range f.sections {
		var z1, z2 float64
		if matchInitial && len(y) > 0 {
			g := (s.b0 + s.b1 + s.b2) / (1 + s.a1 + s.a2)
			z1 = (g - s.b0) * y[0]
			z2 = (s.b2 - s.a2*g) * y[0]
		}
		for i, xi := range y {
			out := s.b0*xi + z1
			z1 = s.b1*xi - s.a1*out + z2
			z2 = s.b2*xi - s.a2*out
			y[i] = out
		}
	}
	return y
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
