// Package nrz encodes color bytes into the one-wire, two-symbol NRZ scheme
// spoken by WS2812-class LEDs.
//
// Each bit is a high pulse followed by a low pulse. A "1" has a long high and
// a "0" a short high. Bits are sent most significant first and channels are
// sent green, red, blue. The encoder only deals in durations; backends convert
// them into their own peripheral units.
//
// Timings follow https://wp.josh.com/2014/05/13/ws2812-neopixels-are-not-so-finicky-once-you-get-to-know-them/
package nrz

import (
	"errors"
	"fmt"
	"time"
)

// Symbol is the electrical shape of one protocol bit.
type Symbol struct {
	High time.Duration
	Low  time.Duration
}

// Period returns the full length of the symbol.
func (s Symbol) Period() time.Duration {
	return s.High + s.Low
}

func (s Symbol) String() string {
	return fmt.Sprintf("H%v/L%v", s.High, s.Low)
}

// Timing is the protocol contract shared by every backend.
type Timing struct {
	Zero Symbol
	One  Symbol
	// Reset is how long the line must idle low before the strip latches
	// the frame. Any gap this long inside a frame ends it prematurely.
	Reset time.Duration
	// Tolerance is the allowed deviation of a high pulse.
	Tolerance time.Duration
}

// WS2812 uses a 600 ns low for a zero bit instead of the datasheet's 800 ns,
// which is well inside what the parts accept.
var WS2812 = Timing{
	Zero:      Symbol{High: 350 * time.Nanosecond, Low: 600 * time.Nanosecond},
	One:       Symbol{High: 700 * time.Nanosecond, Low: 600 * time.Nanosecond},
	Reset:     50 * time.Microsecond,
	Tolerance: 150 * time.Nanosecond,
}

var errTiming = errors.New("nrz: invalid timing")

// Validate reports whether the timing describes two distinguishable symbols.
func (t Timing) Validate() error {
	for _, s := range []Symbol{t.Zero, t.One} {
		if s.High <= 0 || s.Low <= 0 {
			return fmt.Errorf("%w: non-positive duration in %v", errTiming, s)
		}
	}
	if t.One.High-t.Zero.High <= t.Tolerance {
		return fmt.Errorf("%w: one-high %v is not distinguishable from zero-high %v", errTiming, t.One.High, t.Zero.High)
	}
	if t.Reset <= t.One.Period() {
		return fmt.Errorf("%w: reset %v shorter than a symbol", errTiming, t.Reset)
	}
	if t.Tolerance < 0 {
		return fmt.Errorf("%w: negative tolerance", errTiming)
	}
	return nil
}

// Within reports whether got is within the tolerance of want.
func (t Timing) Within(got, want time.Duration) bool {
	d := got - want
	if d < 0 {
		d = -d
	}
	return d <= t.Tolerance
}

// Symbol returns the symbol for one bit.
func (t Timing) Symbol(bit bool) Symbol {
	if bit {
		return t.One
	}
	return t.Zero
}

// EncodeByte returns the eight symbols of b, most significant bit first.
func (t Timing) EncodeByte(b byte) [8]Symbol {
	var out [8]Symbol
	for i, bit := range Bits(b) {
		out[i] = t.Symbol(bit)
	}
	return out
}

// Decode classifies a measured high pulse as a one or a zero. The threshold
// sits halfway between the two nominal highs.
func (t Timing) Decode(high time.Duration) bool {
	return high > (t.Zero.High+t.One.High)/2
}

// Bits returns the bits of b, most significant first.
func Bits(b byte) [8]bool {
	var out [8]bool
	for i := range out {
		out[i] = b&(0x80>>uint(i)) != 0
	}
	return out
}
