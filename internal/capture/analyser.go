package capture

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	analyserWindow = 2048 // samples per analysis window
	analyserBins   = 32
)

// Analyser keeps a sliding window of recent samples and computes a coarse
// frequency spectrum plus an overall input level. It is a naive DFT over a
// small fixed bin count, which is cheap enough at metering rates.
type Analyser struct {
	sampleRate int

	mu     sync.Mutex
	window [analyserWindow]float64
	pos    int
	filled bool
}

// NewAnalyser creates an analyser for the given sample rate.
func NewAnalyser(sampleRate int) *Analyser {
	return &Analyser{sampleRate: sampleRate}
}

// Feed appends PCM16-LE bytes to the sliding window. Odd trailing bytes are
// dropped.
func (a *Analyser) Feed(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		a.window[a.pos] = float64(s) / 32768.0
		a.pos++
		if a.pos == analyserWindow {
			a.pos = 0
			a.filled = true
		}
	}
}

// Snapshot returns the magnitude of each frequency bin, normalized to [0, 1].
func (a *Analyser) Snapshot() [analyserBins]float64 {
	samples := a.copyWindow()

	var bins [analyserBins]float64
	n := len(samples)
	if n == 0 {
		return bins
	}
	for k := 0; k < analyserBins; k++ {
		// Bin k covers frequency k+1 cycles over the window.
		freq := float64(k+1) * 2 * math.Pi / float64(n)
		var re, im float64
		for i, s := range samples {
			re += s * math.Cos(freq*float64(i))
			im -= s * math.Sin(freq*float64(i))
		}
		bins[k] = math.Min(1, 2*math.Hypot(re, im)/float64(n))
	}
	return bins
}

// Level returns the current input level in [0, 100], the mean bin magnitude
// scaled for display.
func (a *Analyser) Level() float64 {
	bins := a.Snapshot()
	var sum float64
	for _, b := range bins {
		sum += b
	}
	level := sum / analyserBins * 100 * 4 // scale: speech rarely saturates bins
	return math.Min(100, level)
}

func (a *Analyser) copyWindow() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.filled && a.pos == 0 {
		return nil
	}
	if !a.filled {
		out := make([]float64, a.pos)
		copy(out, a.window[:a.pos])
		return out
	}
	// Oldest-first order.
	out := make([]float64, analyserWindow)
	n := copy(out, a.window[a.pos:])
	copy(out[n:], a.window[:a.pos])
	return out
}
