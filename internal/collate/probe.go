package collate

import (
	"context"
	"math"

	"bookalign/internal/media"
)

// HF probe constants. The band isolates fricative/onset energy; the margins
// implement hysteresis so borderline measurements do not flap.
const (
	HfBandLow    = 3500.0  // Hz
	HfBandHigh   = 12000.0 // Hz
	HfMarginDb   = 5.0
	WeakMarginDb = 2.5
	ProbeWinSec  = 0.08
)

// Probe measures high-frequency energy around a cut point.
type Probe struct {
	BandDb float64 // band-limited RMS, dBFS
	FullDb float64 // full-band RMS, dBFS
}

// Delta is band minus full: how much of the window's energy is fricative.
func (p Probe) Delta() float64 { return p.BandDb - p.FullDb }

// Prober measures probes on the working audio. The production implementation
// decodes via the media tool; tests substitute a synthetic one.
type Prober interface {
	// ProbeAt measures a window of winSec ending at t (left side) or
	// starting at t (right side).
	ProbeAt(ctx context.Context, t float64, winSec float64, leftSide bool) (Probe, error)
}

// toolProber probes by decoding segments of a file through ffmpeg.
type toolProber struct {
	tool *media.Tool
	path string
	dur  float64
}

// NewProber builds the production prober over the given audio file.
func NewProber(tool *media.Tool, path string, durationSec float64) Prober {
	return &toolProber{tool: tool, path: path, dur: durationSec}
}

func (tp *toolProber) ProbeAt(ctx context.Context, t, winSec float64, leftSide bool) (Probe, error) {
	start := t
	if leftSide {
		start = t - winSec
	}
	if start < 0 {
		winSec += start
		start = 0
	}
	if tp.dur > 0 && start+winSec > tp.dur {
		winSec = tp.dur - start
	}
	if winSec <= 0 {
		return Probe{BandDb: dbFloorClamp, FullDb: dbFloorClamp}, nil
	}
	samples, err := tp.tool.DecodeSegment(ctx, tp.path, start, winSec)
	if err != nil {
		return Probe{}, err
	}
	return MeasureProbe(samples), nil
}

// MeasureProbe runs the band and full-band measurements over raw samples:
// low-pass at HfBandHigh, then high-pass at HfBandLow, each a two-stage
// biquad cascade, then mean dBFS.
func MeasureProbe(samples []float64) Probe {
	band := biquadFilter(samples, HfBandHigh, false)
	band = biquadFilter(band, HfBandLow, true)
	return Probe{BandDb: rmsDb(band), FullDb: rmsDb(samples)}
}

// biquadFilter applies a cascade of two Butterworth-style biquad sections
// (4th-order response) at the given cutoff. highpass selects the filter type.
func biquadFilter(samples []float64, cutoffHz float64, highpass bool) []float64 {
	out := biquadSection(samples, cutoffHz, highpass)
	return biquadSection(out, cutoffHz, highpass)
}

func biquadSection(samples []float64, cutoffHz float64, highpass bool) []float64 {
	// RBJ cookbook coefficients, Q = 1/sqrt(2).
	w0 := 2 * math.Pi * cutoffHz / float64(media.SampleRate)
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / math.Sqrt2

	var b0, b1, b2 float64
	if highpass {
		b0 = (1 + cosW0) / 2
		b1 = -(1 + cosW0)
		b2 = (1 + cosW0) / 2
	} else {
		b0 = (1 - cosW0) / 2
		b1 = 1 - cosW0
		b2 = (1 - cosW0) / 2
	}
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	b0, b1, b2 = b0/a0, b1/a0, b2/a0
	a1, a2 = a1/a0, a2/a0

	out := make([]float64, len(samples))
	var x1, x2, y1, y2 float64
	for i, x := range samples {
		y := b0*x + b1*x1 + b2*x2 - a1*y1 - a2*y2
		out[i] = y
		x2, x1 = x1, x
		y2, y1 = y1, y
	}
	return out
}

// hotState tracks hot/cold with hysteresis: a side turns hot at
// delta >= HfMarginDb, turns cold below WeakMarginDb, and holds its previous
// state in between.
type hotState struct {
	hot bool
}

func (h *hotState) update(p Probe, dbFloor float64) bool {
	delta := p.Delta()
	switch {
	case p.BandDb > dbFloor && delta >= HfMarginDb:
		h.hot = true
	case delta < WeakMarginDb || p.BandDb <= dbFloor:
		h.hot = false
	}
	return h.hot
}
