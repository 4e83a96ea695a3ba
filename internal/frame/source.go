package frame

import (
	"math/rand"

	"github.com/coreman2200/neostrip/internal/pixel"
)

// Source produces the next frame's colors. It writes every pixel of s.
type Source interface {
	Fill(s pixel.Strip)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(s pixel.Strip)

// Fill implements Source.
func (f SourceFunc) Fill(s pixel.Strip) { f(s) }

// DefaultMask keeps demo colors dim.
const DefaultMask = 0x07

// Random assigns each pixel pseudo-random channels, taking red, green and
// blue from bits 0-7, 8-15 and 16-23 of one value and masking them.
type Random struct {
	// Next returns one pseudo-random value per call. Defaults to
	// math/rand.Uint32.
	Next func() uint32
	Mask byte
}

// NewRandom returns a Random source with the given mask.
func NewRandom(mask byte) *Random {
	return &Random{Next: rand.Uint32, Mask: mask}
}

// Fill implements Source.
func (r *Random) Fill(s pixel.Strip) {
	next := r.Next
	if next == nil {
		next = rand.Uint32
	}
	for i := range s {
		d := next()
		s[i] = pixel.Pixel{
			R: byte(d) & r.Mask,
			G: byte(d>>8) & r.Mask,
			B: byte(d>>16) & r.Mask,
		}
	}
}

// Solid paints every pixel one color.
type Solid struct {
	Color pixel.Pixel
}

// Fill implements Source.
func (c Solid) Fill(s pixel.Strip) { s.Fill(c.Color) }

// Sweep lights one pixel per frame, walking the strip and wrapping around.
// Useful to check the pixel count and that no pixel is skipped.
type Sweep struct {
	Color pixel.Pixel
	step  int
}

// Fill implements Source.
func (w *Sweep) Fill(s pixel.Strip) {
	s.Fill(pixel.Black)
	if len(s) == 0 {
		return
	}
	s[w.step%len(s)] = w.Color
	w.step++
}

// ChannelCycle shows all red, all green, all blue in turn. A strip that
// shows the wrong color has a channel order mismatch.
type ChannelCycle struct {
	Level byte
	step  int
}

// Fill implements Source.
func (c *ChannelCycle) Fill(s pixel.Strip) {
	var p pixel.Pixel
	switch c.step % 3 {
	case 0:
		p.R = c.Level
	case 1:
		p.G = c.Level
	case 2:
		p.B = c.Level
	}
	s.Fill(p)
	c.step++
}

// Source names accepted by ParseSource.
const (
	SourceRandom   = "random"
	SourceSweep    = "sweep"
	SourceChannels = "channels"
	SourceSolid    = "solid"
)

// ParseSource builds a named source. color is used by solid and sweep; mask
// by random.
func ParseSource(name string, color pixel.Pixel, mask byte) (Source, bool) {
	switch name {
	case "", SourceRandom:
		return NewRandom(mask), true
	case SourceSweep:
		return &Sweep{Color: color}, true
	case SourceChannels:
		return &ChannelCycle{Level: max(color.R, color.G, color.B)}, true
	case SourceSolid:
		return Solid{Color: color}, true
	default:
		return nil, false
	}
}
