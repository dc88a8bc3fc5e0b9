package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	defaultFFTSize   = 256
	defaultSmoothing = 0.8
	defaultMinDB     = -100.0
	defaultMaxDB     = -30.0
)

// AnalyzerOption configures an [Analyzer].
type AnalyzerOption func(*Analyzer)

// WithFFTSize sets the analysis window length. n must be a power of two of at
// least 32; other values are ignored.
func WithFFTSize(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n >= 32 && n&(n-1) == 0 {
			a.size = n
		}
	}
}

// WithSmoothing sets the time constant applied between successive spectra,
// in [0, 1).
func WithSmoothing(tau float64) AnalyzerOption {
	return func(a *Analyzer) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithDecibelRange sets the dB range mapped onto the byte scale.
func WithDecibelRange(minDB, maxDB float64) AnalyzerOption {
	return func(a *Analyzer) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// Analyzer meters the frequency-domain energy of an audio graph. Writers feed
// it raw samples from an audio callback; readers poll [Analyzer.Level] from
// any goroutine.
//
// Each call to Level windows the most recent FFT-size samples, smooths the
// magnitude spectrum against the previous call, maps every bin onto a byte
// scale between the configured dB bounds and returns the mean byte value
// divided by 128. The result lies in [0, ~2].
type Analyzer struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	ring     []float64
	pos      int
	fft      *fourier.FFT
	win      []float64
	seq      []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyzer returns an Analyzer with a 256-point window, 0.8 smoothing and
// a -100..-30 dB range unless overridden.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		size:      defaultFFTSize,
		smoothing: defaultSmoothing,
		minDB:     defaultMinDB,
		maxDB:     defaultMaxDB,
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]float64, a.size)
	a.seq = make([]float64, a.size)
	a.fft = fourier.NewFFT(a.size)
	a.smoothed = make([]float64, a.size/2)

	a.win = make([]float64, a.size)
	for i := range a.win {
		a.win[i] = 1
	}
	window.Blackman(a.win)
	return a
}

// Write appends samples to the analysis ring. It never blocks on readers for
// longer than a copy.
func (a *Analyzer) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// Level returns the current normalised volume in [0, ~2].
func (a *Analyzer) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.seq {
		a.seq[i] = a.ring[(a.pos+i)%a.size] * a.win[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	var sum float64
	scale := 255 / (a.maxDB - a.minDB)
	for k := range a.smoothed {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := scale * (db - a.minDB)
		switch {
		case v < 0 || math.IsInf(v, -1):
			v = 0
		case v > 255:
			v = 255
		}
		sum += math.Floor(v)
	}
	return sum / float64(len(a.smoothed)) / 128
}

// Reset clears the ring and the smoothing history.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}
