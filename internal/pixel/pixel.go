// Package pixel holds the application-level LED state: a fixed-length strip
// of RGB pixels that is overwritten in place every frame.
package pixel

import (
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"strings"
)

// Pixel is one LED's channel intensities. No alpha, no gamma.
type Pixel struct {
	R, G, B uint8
}

// Black is an unlit pixel.
var Black = Pixel{}

// NRGBA implements a conversion for image drawers.
func (p Pixel) NRGBA() color.NRGBA {
	return color.NRGBA{R: p.R, G: p.G, B: p.B, A: 255}
}

// Strip is a preallocated, fixed-length sequence of pixels. The length is set
// once by NewStrip and never changes.
type Strip []Pixel

// NewStrip creates a strip of n pixels, all black. n may be 0.
func NewStrip(n int) Strip {
	if n < 0 {
		n = 0
	}
	return make(Strip, n)
}

// Len returns the number of pixels.
func (s Strip) Len() int { return len(s) }

// Set sets the pixel at index i.
func (s Strip) Set(i int, p Pixel) {
	s[i] = p
}

// SetRange sets the pixels in [start, end) to p. The range is clipped to the
// strip.
func (s Strip) SetRange(start, end int, p Pixel) {
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	for i := start; i < end; i++ {
		s[i] = p
	}
}

// Fill sets every pixel to p.
func (s Strip) Fill(p Pixel) {
	for i := range s {
		s[i] = p
	}
}

// Draw copies other into the strip starting at start. It stops when either
// strip is exhausted and returns the number of pixels written.
func (s Strip) Draw(start int, other Strip) int {
	for i := range other {
		if start+i >= len(s) {
			return i
		}
		s[start+i] = other[i]
	}
	return len(other)
}

// RGB packs the strip as R,G,B bytes into dst and returns the written slice.
// dst is reused when it has enough capacity.
func (s Strip) RGB(dst []byte) []byte {
	if cap(dst) < 3*len(s) {
		dst = make([]byte, 3*len(s))
	}
	dst = dst[:3*len(s)]
	for i, p := range s {
		dst[3*i+0] = p.R
		dst[3*i+1] = p.G
		dst[3*i+2] = p.B
	}
	return dst
}

// Image renders the strip as a 1-pixel-high image, suitable for
// display.Drawer implementations.
func (s Strip) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, len(s), 1))
	for i, p := range s {
		img.SetNRGBA(i, 0, p.NRGBA())
	}
	return img
}

// ParseHex parses "RRGGBB", with or without a leading '#'.
func ParseHex(s string) (Pixel, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "#"))
	if err != nil || len(b) != 3 {
		return Pixel{}, fmt.Errorf("color %q is not RRGGBB", s)
	}
	return Pixel{R: b[0], G: b[1], B: b[2]}, nil
}

// Hex formats p as "rrggbb".
func (p Pixel) Hex() string {
	return hex.EncodeToString([]byte{p.R, p.G, p.B})
}
