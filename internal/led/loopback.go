package led

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/extra/devices/screen"

	"github.com/coreman2200/neostrip/internal/nrz"
	"github.com/coreman2200/neostrip/internal/pixel"
)

// ErrInjected is the default failure of loopback peripherals.
var ErrInjected = errors.New("loopback: injected failure")

// Mirror receives frames decoded by loopback peripherals.
type Mirror interface {
	Show(s pixel.Strip)
}

// Console mirrors frames to the terminal with ANSI colors.
type Console struct {
	d display.Drawer
}

// NewConsole returns a console mirror for n pixels.
func NewConsole(n int) *Console {
	return &Console{d: screen.New(n)}
}

// Show implements Mirror.
func (c *Console) Show(s pixel.Strip) {
	_ = c.d.Draw(image.Rect(0, 0, len(s), 1), s.Image(), image.Point{})
}

// Fault injects latency and a failure on a given call.
type Fault struct {
	// Latency is added to every call.
	Latency time.Duration
	// FailAt fails the n-th call (1-based). Zero never fails.
	FailAt int
	// Err is returned by the failing call. Defaults to ErrInjected.
	Err error

	calls int
}

func (f *Fault) hit(ctx context.Context) error {
	f.calls++
	if f.FailAt > 0 && f.calls == f.FailAt {
		if f.Err != nil {
			return f.Err
		}
		return ErrInjected
	}
	return sleepCtx(ctx, f.Latency)
}

// LoopbackChannel is a pulse Channel that records and decodes what it is
// given instead of driving a pin.
type LoopbackChannel struct {
	Fault
	Clock  physic.Frequency
	Timing nrz.Timing
	// Mirror, when set, receives every completed frame of Pixels pixels.
	Mirror Mirror
	Pixels int

	mu      sync.Mutex
	blocks  [][]PulseCode
	pending pixel.Strip
}

var _ FrameChannel = (*LoopbackChannel)(nil)

// Transmit implements Channel.
func (c *LoopbackChannel) Transmit(ctx context.Context, codes []PulseCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hit(ctx); err != nil {
		c.pending = c.pending[:0]
		return err
	}
	c.blocks = append(c.blocks, append([]PulseCode(nil), codes...))
	if c.Mirror != nil && c.Pixels > 0 {
		grb, err := DecodePulses(codes, c.clock(), c.timing())
		if err != nil {
			return err
		}
		for i := 0; i+2 < len(grb); i += 3 {
			c.pending = append(c.pending, nrz.FromChannels([3]byte{grb[i], grb[i+1], grb[i+2]}))
		}
		if len(c.pending) >= c.Pixels {
			c.Mirror.Show(c.pending[:c.Pixels])
			c.pending = c.pending[:0]
		}
	}
	return nil
}

// Blocks returns copies of every submitted block.
func (c *LoopbackChannel) Blocks() [][]PulseCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]PulseCode(nil), c.blocks...)
}

// Calls returns the number of Transmit calls, failed ones included.
func (c *LoopbackChannel) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// BeginFrame implements FrameChannel. Pixels of an unfinished frame are
// dropped.
func (c *LoopbackChannel) BeginFrame() {
	c.mu.Lock()
	c.pending = c.pending[:0]
	c.mu.Unlock()
}

func (c *LoopbackChannel) clock() physic.Frequency {
	if c.Clock == 0 {
		return 80 * physic.MegaHertz
	}
	return c.Clock
}

func (c *LoopbackChannel) timing() nrz.Timing {
	if c.Timing == (nrz.Timing{}) {
		return nrz.WS2812
	}
	return c.Timing
}

// DecodePulses turns pulse codes back into channel bytes, stopping at
// EndCode.
func DecodePulses(codes []PulseCode, clock physic.Frequency, t nrz.Timing) ([]byte, error) {
	hz := int64(clock / physic.Hertz)
	if hz <= 0 {
		return nil, fmt.Errorf("decode: clock %v below 1Hz", clock)
	}
	var out []byte
	var cur byte
	n := 0
	for i, c := range codes {
		if c.IsEnd() {
			break
		}
		l0, d0 := c.First()
		l1, _ := c.Second()
		if !l0 || l1 {
			return nil, fmt.Errorf("decode: code %d (%v) is not high-then-low", i, c)
		}
		high := time.Duration(int64(d0) * int64(time.Second) / hz)
		cur <<= 1
		if t.Decode(high) {
			cur |= 1
		}
		if n++; n == 8 {
			out = append(out, cur)
			cur, n = 0, 0
		}
	}
	if n != 0 {
		return nil, fmt.Errorf("decode: %d trailing bits", n)
	}
	return out, nil
}

// LoopbackConn is an spi.Conn that records writes instead of clocking them
// out. It doubles as an spi.Port.
type LoopbackConn struct {
	Fault
	// Mirror, when set, receives every decodable frame of Pixels pixels.
	Mirror Mirror
	Pixels int

	mu     sync.Mutex
	freq   physic.Frequency
	writes [][]byte
}

var _ spi.Conn = (*LoopbackConn)(nil)
var _ spi.Port = (*LoopbackConn)(nil)

func (c *LoopbackConn) String() string { return "loopback" }

// Connect implements spi.Port.
func (c *LoopbackConn) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if bits != 8 {
		return nil, fmt.Errorf("loopback: %d bits per word not supported", bits)
	}
	c.mu.Lock()
	c.freq = f
	c.mu.Unlock()
	return c, nil
}

// Halt implements conn.Resource.
func (c *LoopbackConn) Halt() error { return nil }

// Duplex implements conn.Conn.
func (c *LoopbackConn) Duplex() conn.Duplex { return conn.Half }

// Tx implements conn.Conn. Reads are not supported.
func (c *LoopbackConn) Tx(w, r []byte) error {
	if len(r) != 0 {
		return errors.New("loopback: read not supported")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hit(context.Background()); err != nil {
		return err
	}
	c.writes = append(c.writes, append([]byte(nil), w...))
	if c.Mirror != nil && c.Pixels > 0 && len(w) == c.Pixels*SerialBytesPerPixel {
		grb, err := DecodeSerial(w)
		if err != nil {
			return err
		}
		s := pixel.NewStrip(c.Pixels)
		for i := range s {
			s[i] = nrz.FromChannels([3]byte{grb[3*i], grb[3*i+1], grb[3*i+2]})
		}
		c.Mirror.Show(s)
	}
	return nil
}

// TxPackets implements spi.Conn.
func (c *LoopbackConn) TxPackets(p []spi.Packet) error {
	for _, pk := range p {
		if err := c.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

// Freq returns the clock requested by Connect.
func (c *LoopbackConn) Freq() physic.Frequency {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq
}

// Writes returns copies of every successful Tx.
func (c *LoopbackConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// DecodeSerial turns an oversampled buffer back into channel bytes. A
// pattern with two or more leading ones is a one bit.
func DecodeSerial(buf []byte) ([]byte, error) {
	if len(buf)%BytesPerChannel != 0 {
		return nil, fmt.Errorf("decode: %d bytes is not a whole number of channels", len(buf))
	}
	out := make([]byte, 0, len(buf)/BytesPerChannel)
	var cur byte
	for i, b := range buf {
		for _, nib := range [2]byte{b >> 4, b & 0xf} {
			ones := leadingOnes(nib)
			if ones == 0 {
				return nil, fmt.Errorf("decode: byte %d has a pattern without a high pulse (%04b)", i, nib)
			}
			cur <<= 1
			if ones >= 2 {
				cur |= 1
			}
		}
		if i%BytesPerChannel == BytesPerChannel-1 {
			out = append(out, cur)
			cur = 0
		}
	}
	return out, nil
}

func leadingOnes(nib byte) int {
	n := 0
	for m := byte(0x8); m != 0 && nib&m != 0; m >>= 1 {
		n++
	}
	return n
}
