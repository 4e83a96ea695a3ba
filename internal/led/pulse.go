package led

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/neostrip/internal/nrz"
	"github.com/coreman2200/neostrip/internal/pixel"
)

// PulseCode is one pulse-generator descriptor: two (level, ticks) halves
// packed as bits 0-14 first duration, bit 15 first level, bits 16-30 second
// duration, bit 31 second level. A zero duration ends the transmission.
type PulseCode uint32

const maxTicks = 0x7fff

// EndCode terminates a block of pulse codes.
const EndCode PulseCode = 0

// BlockLen is the number of slots per pixel: 24 data pulses and EndCode.
// Pulse generators typically hold fewer than two pixels, so frames are sent
// one block at a time.
const BlockLen = 8*nrz.BytesPerPixel + 1

// NewPulseCode packs two pulse halves. Durations are truncated to 15 bits.
func NewPulseCode(l0 gpio.Level, d0 uint16, l1 gpio.Level, d1 uint16) PulseCode {
	c := uint32(d0&maxTicks) | uint32(d1&maxTicks)<<16
	if l0 {
		c |= 1 << 15
	}
	if l1 {
		c |= 1 << 31
	}
	return PulseCode(c)
}

// First returns the level and length of the first half.
func (c PulseCode) First() (gpio.Level, uint16) {
	return c&(1<<15) != 0, uint16(c & maxTicks)
}

// Second returns the level and length of the second half.
func (c PulseCode) Second() (gpio.Level, uint16) {
	return c&(1<<31) != 0, uint16((c >> 16) & maxTicks)
}

// IsEnd reports whether c terminates a block.
func (c PulseCode) IsEnd() bool {
	_, d := c.First()
	return d == 0
}

func (c PulseCode) String() string {
	l0, d0 := c.First()
	l1, d1 := c.Second()
	return fmt.Sprintf("%s:%d/%s:%d", l0, d0, l1, d1)
}

// Channel is a pulse generator transmit channel (e.g. an ESP32 RMT channel).
// Transmit must emit codes in order and return once the peripheral is done
// with the buffer. It must also return promptly, with ctx's error, once ctx
// is done; PulseConfig.Timeout relies on it.
type Channel interface {
	Transmit(ctx context.Context, codes []PulseCode) error
}

// FrameChannel is a Channel that wants to know where frames begin, so that
// blocks left over from an abandoned frame are not mixed into the next one.
type FrameChannel interface {
	Channel
	BeginFrame()
}

// PulseConfig configures a Pulse backend.
type PulseConfig struct {
	// Clock is the pulse generator tick rate. Defaults to 80MHz.
	Clock physic.Frequency
	// Timing defaults to nrz.WS2812.
	Timing nrz.Timing
	// MaxGap is the longest tolerated pause between two pixels. Defaults to
	// Timing.Reset; the strip latches early past that point.
	MaxGap time.Duration
	// Timeout bounds the wait on each block. Zero waits forever.
	Timeout time.Duration
	// Yield runs between pixels.
	Yield Yield
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

func (c *PulseConfig) defaults() {
	if c.Clock == 0 {
		c.Clock = 80 * physic.MegaHertz
	}
	if c.Timing == (nrz.Timing{}) {
		c.Timing = nrz.WS2812
	}
	if c.MaxGap <= 0 {
		c.MaxGap = c.Timing.Reset
	}
	if c.Logger == nil {
		c.Logger = &log.Logger
	}
}

// Pulse transmits a strip as variable-duration pulses, one pixel per
// peripheral submission.
//
// There is a suspension point between pixels. If the task is not resumed
// within MaxGap the strip sees a reset and the rest of the frame lands on the
// wrong LEDs. Nothing on the wire reports this; Transmit can only measure the
// gaps and count them in Stats.Late. Use Serial when other tasks can hog the
// core.
type Pulse struct {
	ch    Channel
	count int
	cfg   PulseConfig

	zero, one PulseCode
	codes     []PulseCode

	now    func() time.Time
	closed bool
}

var _ Backend = (*Pulse)(nil)

// NewPulse builds a pulse backend for n pixels on ch.
func NewPulse(ch Channel, n int, cfg PulseConfig) (*Pulse, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil pulse channel", ErrConfig)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative pixel count %d", ErrConfig, n)
	}
	cfg.defaults()
	if err := cfg.Timing.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	p := &Pulse{
		ch:    ch,
		count: n,
		cfg:   cfg,
		codes: make([]PulseCode, n*BlockLen),
		now:   time.Now,
	}
	var err error
	if p.zero, err = p.symbolCode(cfg.Timing.Zero); err != nil {
		return nil, err
	}
	if p.one, err = p.symbolCode(cfg.Timing.One); err != nil {
		return nil, err
	}
	cfg.Logger.Debug().
		Str("backend", p.Name()).
		Int("pixels", n).
		Stringer("clock", cfg.Clock).
		Stringer("zero", p.zero).
		Stringer("one", p.one).
		Msg("pulse backend ready")
	return p, nil
}

// symbolCode converts a symbol to a high-then-low code at the configured
// clock and checks the quantized highs stay in tolerance.
func (p *Pulse) symbolCode(s nrz.Symbol) (PulseCode, error) {
	hi, err := p.ticks(s.High)
	if err != nil {
		return 0, err
	}
	lo, err := p.ticks(s.Low)
	if err != nil {
		return 0, err
	}
	if got := p.duration(hi); !p.cfg.Timing.Within(got, s.High) {
		return 0, fmt.Errorf("%w: %v quantizes to %v at %v", ErrConfig, s.High, got, p.cfg.Clock)
	}
	return NewPulseCode(gpio.High, hi, gpio.Low, lo), nil
}

func (p *Pulse) ticks(d time.Duration) (uint16, error) {
	hz := int64(p.cfg.Clock / physic.Hertz)
	if hz <= 0 {
		return 0, fmt.Errorf("%w: pulse clock %v below 1Hz", ErrConfig, p.cfg.Clock)
	}
	t := (int64(d)*hz + int64(time.Second)/2) / int64(time.Second)
	if t < 1 || t > maxTicks {
		return 0, fmt.Errorf("%w: %v is %d ticks at %v", ErrConfig, d, t, p.cfg.Clock)
	}
	return uint16(t), nil
}

func (p *Pulse) duration(ticks uint16) time.Duration {
	hz := int64(p.cfg.Clock / physic.Hertz)
	return time.Duration(int64(ticks) * int64(time.Second) / hz)
}

// Name implements Backend.
func (p *Pulse) Name() string { return "pulse" }

// Len implements Backend. It is n*BlockLen slots.
func (p *Pulse) Len() int { return len(p.codes) }

// Codes returns the zero and one pulse codes.
func (p *Pulse) Codes() (zero, one PulseCode) { return p.zero, p.one }

// Block returns the encoded slots of pixel i. The slice aliases the
// backend's buffer.
func (p *Pulse) Block(i int) []PulseCode {
	return p.codes[i*BlockLen : (i+1)*BlockLen : (i+1)*BlockLen]
}

// Encode implements Backend.
func (p *Pulse) Encode(s pixel.Strip) error {
	if err := checkLen(p.Name(), s, p.count); err != nil {
		return err
	}
	for i, px := range s {
		blk := p.Block(i)
		for c, v := range nrz.Channels(px) {
			for j, sym := range p.cfg.Timing.EncodeByte(v) {
				blk[8*c+j] = p.code(sym)
			}
		}
		blk[BlockLen-1] = EndCode
	}
	return nil
}

func (p *Pulse) code(s nrz.Symbol) PulseCode {
	if s == p.cfg.Timing.One {
		return p.one
	}
	return p.zero
}

// Transmit implements Backend. It stops at the first failing pixel; earlier
// pixels stay sent. Cancellation is only honoured between pixels.
func (p *Pulse) Transmit(ctx context.Context) (Stats, error) {
	var st Stats
	if p.closed {
		return st, ErrClosed
	}
	if fc, ok := p.ch.(FrameChannel); ok {
		fc.BeginFrame()
	}
	var last time.Time
	for i := 0; i < p.count; i++ {
		if i > 0 && p.cfg.Yield != nil {
			p.cfg.Yield()
		}
		if err := ctx.Err(); err != nil {
			return st, &TxError{Backend: p.Name(), Pixel: i, Err: err}
		}
		start := p.now()
		if i > 0 {
			gap := start.Sub(last)
			if gap > st.MaxGap {
				st.MaxGap = gap
			}
			if gap > p.cfg.MaxGap {
				st.Late++
			}
		}
		if err := p.send(ctx, p.Block(i)); err != nil {
			return st, &TxError{Backend: p.Name(), Pixel: i, Err: err}
		}
		st.Bursts++
		last = p.now()
	}
	if st.AtRisk() {
		p.cfg.Logger.Warn().
			Int("late", st.Late).
			Dur("max_gap", st.MaxGap).
			Dur("limit", p.cfg.MaxGap).
			Msg("pixel gap exceeded reset threshold; frame likely corrupted")
	}
	return st, nil
}

func (p *Pulse) send(ctx context.Context, blk []PulseCode) error {
	if p.cfg.Timeout <= 0 {
		return p.ch.Transmit(ctx, blk)
	}
	tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	err := p.ch.Transmit(tctx, blk)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v", ErrTimeout, p.cfg.Timeout)
	}
	return err
}

// Close implements Backend.
func (p *Pulse) Close() error {
	p.closed = true
	return nil
}
