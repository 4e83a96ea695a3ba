package led

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/coreman2200/neostrip/internal/nrz"
	"github.com/coreman2200/neostrip/internal/pixel"
)

const (
	// DefaultSerialFreq makes one clocked bit ~350ns. Controllers round it;
	// 80MHz/28 gives exactly 350ns.
	DefaultSerialFreq = 2857 * physic.KiloHertz
	// DefaultSettle is the hold after the priming burst. It must exceed the
	// strip's reset threshold.
	DefaultSettle = 100 * time.Microsecond

	// nibbleBits is the number of clocked bits per protocol bit.
	nibbleBits = 4
	// BytesPerChannel is the encoded size of one channel byte: 8 protocol
	// bits, two per byte.
	BytesPerChannel = 8 * nibbleBits / 8
	// SerialBytesPerPixel is the encoded size of one pixel.
	SerialBytesPerPixel = BytesPerChannel * nrz.BytesPerPixel
)

// SerialConfig configures a Serial backend.
type SerialConfig struct {
	// Freq is the serial clock. Defaults to DefaultSerialFreq.
	Freq physic.Frequency
	// Timing defaults to nrz.WS2812.
	Timing nrz.Timing
	// Settle defaults to DefaultSettle.
	Settle time.Duration
	// Yield runs before each burst, never inside one.
	Yield Yield
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

func (c *SerialConfig) defaults() {
	if c.Freq == 0 {
		c.Freq = DefaultSerialFreq
	}
	if c.Timing == (nrz.Timing{}) {
		c.Timing = nrz.WS2812
	}
	if c.Settle <= 0 {
		c.Settle = DefaultSettle
	}
	if c.Logger == nil {
		c.Logger = &log.Logger
	}
}

// Serial transmits a strip as an oversampled bit pattern in a single burst.
// Every protocol bit becomes a 4-bit duty pattern, 1000 for a zero and 1100
// for a one at ~350ns per clocked bit. With no suspension point inside the
// burst, a busy scheduler cannot corrupt the frame.
type Serial struct {
	conn   spi.Conn
	closer io.Closer
	count  int
	cfg    SerialConfig

	zero, one byte
	lut       [256][BytesPerChannel]byte
	buf       []byte

	primed bool
	sleep  func(context.Context, time.Duration) error
	closed bool
}

var _ Backend = (*Serial)(nil)
var _ Primer = (*Serial)(nil)

// OpenSerial connects to port in mode 0 at cfg.Freq and builds a serial
// backend for n pixels. If port is an io.Closer it is closed with the
// backend.
func OpenSerial(port spi.Port, n int, cfg SerialConfig) (*Serial, error) {
	cfg.defaults()
	conn, err := port.Connect(cfg.Freq, spi.Mode0, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "serial: connect %s at %s", port, cfg.Freq)
	}
	s, err := NewSerial(conn, n, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := port.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// NewSerial builds a serial backend on an already connected conn. cfg.Freq
// must be the clock conn runs at.
func NewSerial(conn spi.Conn, n int, cfg SerialConfig) (*Serial, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative pixel count %d", ErrConfig, n)
	}
	cfg.defaults()
	if err := cfg.Timing.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	s := &Serial{
		conn:  conn,
		count: n,
		cfg:   cfg,
		buf:   make([]byte, n*SerialBytesPerPixel),
		sleep: sleepCtx,
	}
	var err error
	if s.zero, err = s.nibble(cfg.Timing.Zero); err != nil {
		return nil, err
	}
	if s.one, err = s.nibble(cfg.Timing.One); err != nil {
		return nil, err
	}
	s.buildLUT()
	cfg.Logger.Debug().
		Str("backend", s.Name()).
		Int("pixels", n).
		Stringer("freq", cfg.Freq).
		Str("zero", fmt.Sprintf("%04b", s.zero)).
		Str("one", fmt.Sprintf("%04b", s.one)).
		Msg("serial backend ready")
	return s, nil
}

// nibble approximates s as leading ones in a 4-bit pattern. Highs must land
// in tolerance; the low remainder may be longer than nominal but must not
// reach the reset threshold.
func (s *Serial) nibble(sym nrz.Symbol) (byte, error) {
	hz := float64(s.cfg.Freq / physic.Hertz)
	if hz <= 0 {
		return 0, fmt.Errorf("%w: serial clock %v below 1Hz", ErrConfig, s.cfg.Freq)
	}
	bit := float64(time.Second) / hz
	units := int(math.Round(float64(sym.High) / bit))
	if units < 1 || units >= nibbleBits {
		return 0, fmt.Errorf("%w: %v high is %d clocked bits at %v", ErrConfig, sym.High, units, s.cfg.Freq)
	}
	high := time.Duration(float64(units) * bit)
	low := time.Duration(float64(nibbleBits-units) * bit)
	t := s.cfg.Timing
	if !t.Within(high, sym.High) {
		return 0, fmt.Errorf("%w: %v high quantizes to %v at %v", ErrConfig, sym.High, high, s.cfg.Freq)
	}
	if low < sym.Low-t.Tolerance || low >= t.Reset {
		return 0, fmt.Errorf("%w: %v low quantizes to %v at %v", ErrConfig, sym.Low, low, s.cfg.Freq)
	}
	return byte(0xf<<(nibbleBits-units)) & 0xf, nil
}

// buildLUT maps each channel byte to its encoded bytes. The earlier bit of a
// pair goes in the high nibble.
func (s *Serial) buildLUT() {
	for v := 0; v < 256; v++ {
		syms := s.cfg.Timing.EncodeByte(byte(v))
		for k := 0; k < BytesPerChannel; k++ {
			s.lut[v][k] = s.pattern(syms[2*k])<<4 | s.pattern(syms[2*k+1])
		}
	}
}

func (s *Serial) pattern(sym nrz.Symbol) byte {
	if sym == s.cfg.Timing.One {
		return s.one
	}
	return s.zero
}

// Name implements Backend.
func (s *Serial) Name() string { return "serial" }

// Len implements Backend. It is n*SerialBytesPerPixel bytes.
func (s *Serial) Len() int { return len(s.buf) }

// Nibbles returns the zero and one patterns.
func (s *Serial) Nibbles() (zero, one byte) { return s.zero, s.one }

// EncodeByte returns the encoded bytes of one channel byte.
func (s *Serial) EncodeByte(b byte) [BytesPerChannel]byte { return s.lut[b] }

// Bytes returns the encoded frame. The slice aliases the backend's buffer.
func (s *Serial) Bytes() []byte { return s.buf }

// Encode implements Backend.
func (s *Serial) Encode(st pixel.Strip) error {
	if err := checkLen(s.Name(), st, s.count); err != nil {
		return err
	}
	for i, px := range st {
		off := i * SerialBytesPerPixel
		for c, v := range nrz.Channels(px) {
			copy(s.buf[off+c*BytesPerChannel:], s.lut[v][:])
		}
	}
	return nil
}

// Prime drives the line low before the first frame. The engine idles high
// until its first transfer, which the strip reads as the start of a frame; a
// single zero byte followed by Settle makes the strip reset. Only the first
// call does anything.
func (s *Serial) Prime(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.primed {
		return nil
	}
	if err := s.conn.Tx([]byte{0}, nil); err != nil {
		return errors.Wrap(err, "serial: priming burst")
	}
	if err := s.sleep(ctx, s.cfg.Settle); err != nil {
		return errors.Wrap(err, "serial: settle")
	}
	s.primed = true
	s.cfg.Logger.Debug().Dur("settle", s.cfg.Settle).Msg("serial line primed")
	return nil
}

// Transmit implements Backend. The whole frame goes out in one Tx; it cannot
// be cancelled once started.
func (s *Serial) Transmit(ctx context.Context) (Stats, error) {
	if s.closed {
		return Stats{}, ErrClosed
	}
	if err := s.Prime(ctx); err != nil {
		return Stats{}, &TxError{Backend: s.Name(), Err: err}
	}
	if len(s.buf) == 0 {
		return Stats{}, nil
	}
	if s.cfg.Yield != nil {
		s.cfg.Yield()
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, &TxError{Backend: s.Name(), Err: err}
	}
	if err := s.conn.Tx(s.buf, nil); err != nil {
		return Stats{}, &TxError{Backend: s.Name(), Err: err}
	}
	return Stats{Bursts: 1}, nil
}

// Close implements Backend.
func (s *Serial) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
