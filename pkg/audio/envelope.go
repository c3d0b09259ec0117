package audio

import (
	"math"
	"strings"
)

// Envelope turns a capture block into a fixed number of bar heights for a
// level visualiser. The zero value is not useful; start from
// [DefaultEnvelope].
type Envelope struct {
	// Bars is the number of amplitude buckets produced per block.
	Bars int

	// Height is the display height the amplitudes are scaled to.
	Height float64

	// Gain multiplies the scaled amplitude so quiet speech stays visible.
	Gain float64

	// Floor is the minimum bar height; empty buckets still render.
	Floor float64
}

// DefaultEnvelope matches a 600x96 canvas with 3px bars and 2px gaps.
var DefaultEnvelope = Envelope{Bars: 120, Height: 96, Gain: 2, Floor: 2}

// Levels samples block at an even stride and returns one height per bar:
// max(|sample| * Height * Gain, Floor). When the block is shorter than Bars
// the stride is one sample and buckets past the end sit at Floor.
func (e Envelope) Levels(block Block) []float64 {
	if e.Bars <= 0 {
		return nil
	}
	out := make([]float64, e.Bars)
	step := len(block) / e.Bars
	if step == 0 {
		step = 1
	}
	for i := range out {
		idx := i * step
		if idx >= len(block) {
			out[i] = e.Floor
			continue
		}
		v := math.Abs(float64(block[idx])) * e.Height * e.Gain
		out[i] = math.Max(v, e.Floor)
	}
	return out
}

// meterGlyphs are the eighth-block characters used by [Meter].
var meterGlyphs = []rune(" ▁▂▃▄▅▆▇█")

// Meter renders levels as a single line of block characters, scaling each
// value against height. Values at or above height render as a full block.
func Meter(levels []float64, height float64) string {
	if height <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(levels) * 3)
	top := len(meterGlyphs) - 1
	for _, l := range levels {
		idx := int(l / height * float64(top))
		if idx > top {
			idx = top
		} else if idx < 0 {
			idx = 0
		}
		b.WriteRune(meterGlyphs[idx])
	}
	return b.String()
}
