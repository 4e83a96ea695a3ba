package led

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spitest"

	"github.com/coreman2200/neostrip/internal/nrz"
	"github.com/coreman2200/neostrip/internal/pixel"
)

const (
	zeroNib = 0b1000
	oneNib  = 0b1100
)

func newSerial(t *testing.T, c *LoopbackConn, n int, cfg SerialConfig) *Serial {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = &nopLogger
	}
	s, err := OpenSerial(c, n, cfg)
	require.NoError(t, err)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestSerialNibbles(t *testing.T) {
	s := newSerial(t, &LoopbackConn{}, 1, SerialConfig{Logger: &nopLogger})
	zero, one := s.Nibbles()
	assert.Equal(t, byte(zeroNib), zero)
	assert.Equal(t, byte(oneNib), one)
}

func TestSerialConnectsAtConfiguredClock(t *testing.T) {
	c := &LoopbackConn{}
	newSerial(t, c, 1, SerialConfig{Logger: &nopLogger})
	assert.Equal(t, DefaultSerialFreq, c.Freq())
}

func TestSerialEncodeByteScenario(t *testing.T) {
	s := newSerial(t, &LoopbackConn{}, 1, SerialConfig{Logger: &nopLogger})
	want := [4]byte{
		oneNib<<4 | zeroNib,
		oneNib<<4 | oneNib,
		zeroNib<<4 | zeroNib,
		oneNib<<4 | zeroNib,
	}
	assert.Equal(t, want, s.EncodeByte(0b10110010))
}

func TestSerialBufferLength(t *testing.T) {
	for _, n := range []int{0, 1, 16, 600} {
		s := newSerial(t, &LoopbackConn{}, n, SerialConfig{Logger: &nopLogger})
		assert.Equal(t, n*12, s.Len(), "n=%d", n)
	}
}

func TestSerialEncodeScenario(t *testing.T) {
	s := newSerial(t, &LoopbackConn{}, 1, SerialConfig{Logger: &nopLogger})
	require.NoError(t, s.Encode(pixel.Strip{{R: 7, G: 0, B: 3}}))

	assert.Equal(t, []byte{
		0x88, 0x88, 0x88, 0x88, // green 0x00
		0x88, 0x88, 0x8c, 0xcc, // red 0x07
		0x88, 0x88, 0x88, 0xcc, // blue 0x03
	}, s.Bytes())
}

func TestSerialRoundTripAllBytes(t *testing.T) {
	st := pixel.NewStrip(256)
	for i := range st {
		st[i] = pixel.Pixel{R: byte(i), G: byte(255 - i), B: byte(i) ^ 0xa5}
	}
	c := &LoopbackConn{}
	s := newSerial(t, c, len(st), SerialConfig{Logger: &nopLogger})
	require.NoError(t, s.Encode(st))

	first := append([]byte(nil), s.Bytes()...)
	require.NoError(t, s.Encode(st))
	assert.Equal(t, first, s.Bytes(), "encoding must be idempotent")

	stats, err := s.Transmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Bursts: 1}, stats)

	w := c.Writes()
	require.Len(t, w, 2)
	assert.Equal(t, []byte{0}, w[0], "first write primes the line")

	grb, err := DecodeSerial(w[1])
	require.NoError(t, err)
	for i, px := range st {
		want := nrz.Channels(px)
		assert.Equal(t, want[:], grb[3*i:3*i+3], "pixel %d", i)
	}
}

func TestSerialPrimesOnce(t *testing.T) {
	frame := bytes.Repeat([]byte{0x88}, 12)
	pb := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x00}},
				{W: frame},
				{W: frame},
			},
			DontPanic: true,
		},
	}
	s, err := OpenSerial(pb, 1, SerialConfig{Logger: &nopLogger})
	require.NoError(t, err)
	var settles []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		settles = append(settles, d)
		return nil
	}

	ctx := context.Background()
	require.NoError(t, s.Encode(pixel.NewStrip(1)))
	require.NoError(t, s.Prime(ctx))
	require.NoError(t, s.Prime(ctx))
	_, err = s.Transmit(ctx)
	require.NoError(t, err)
	_, err = s.Transmit(ctx)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{DefaultSettle}, settles)
	assert.NoError(t, s.Close(), "every recorded op must have been played")
}

func TestSerialRecordRaw(t *testing.T) {
	buf := bytes.Buffer{}
	s, err := OpenSerial(spitest.NewRecordRaw(&buf), 1, SerialConfig{Logger: &nopLogger, Settle: time.Microsecond})
	require.NoError(t, err)

	require.NoError(t, s.Encode(pixel.Strip{{G: 0xff}}))
	_, err = s.Transmit(context.Background())
	require.NoError(t, err)

	want := append([]byte{0x00}, 0xcc, 0xcc, 0xcc, 0xcc)
	want = append(want, bytes.Repeat([]byte{0x88}, 8)...)
	assert.Equal(t, want, buf.Bytes())
}

func TestSerialEmptyStrip(t *testing.T) {
	c := &LoopbackConn{}
	s := newSerial(t, c, 0, SerialConfig{Logger: &nopLogger})
	assert.Equal(t, 0, s.Len())
	require.NoError(t, s.Encode(pixel.NewStrip(0)))

	st, err := s.Transmit(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, Stats{}, st)
	assert.Equal(t, [][]byte{{0}}, c.Writes(), "only the priming burst is written")
}

func TestSerialTxError(t *testing.T) {
	c := &LoopbackConn{Fault: Fault{FailAt: 2}}
	s := newSerial(t, c, 2, SerialConfig{Logger: &nopLogger})
	require.NoError(t, s.Encode(pixel.NewStrip(2)))

	_, err := s.Transmit(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInjected))
	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "serial", txErr.Backend)

	_, err = s.Transmit(context.Background())
	assert.NoError(t, err, "a failed frame does not poison the next one")
}

func TestSerialPrimeFailure(t *testing.T) {
	c := &LoopbackConn{Fault: Fault{FailAt: 1}}
	s := newSerial(t, c, 1, SerialConfig{Logger: &nopLogger})
	err := s.Prime(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInjected))
}

func TestSerialTransmitReportsPrimeFailure(t *testing.T) {
	c := &LoopbackConn{Fault: Fault{FailAt: 1}}
	s := newSerial(t, c, 1, SerialConfig{Logger: &nopLogger})
	require.NoError(t, s.Encode(pixel.NewStrip(1)))

	_, err := s.Transmit(context.Background())
	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "serial", txErr.Backend)
	assert.True(t, errors.Is(err, ErrInjected))
	assert.Empty(t, c.Writes())

	_, err = s.Transmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0}, bytes.Repeat([]byte{0x88}, 12)}, c.Writes(), "prime is retried on the next frame")
}

func TestSerialUnaffectedByStall(t *testing.T) {
	c := &LoopbackConn{}
	s := newSerial(t, c, 8, SerialConfig{Logger: &nopLogger, Yield: func() { time.Sleep(200 * time.Microsecond) }})
	require.NoError(t, s.Encode(pixel.NewStrip(8)))

	st, err := s.Transmit(context.Background())
	require.NoError(t, err)
	assert.False(t, st.AtRisk())
	assert.Equal(t, 1, st.Bursts)
}

func TestSerialRejectsBadClock(t *testing.T) {
	_, err := OpenSerial(&LoopbackConn{}, 1, SerialConfig{Logger: &nopLogger, Freq: physic.MegaHertz})
	assert.True(t, errors.Is(err, ErrConfig), "1MHz cannot resolve 350ns")

	_, err = OpenSerial(&LoopbackConn{}, 1, SerialConfig{Logger: &nopLogger, Freq: 8 * physic.MegaHertz})
	assert.True(t, errors.Is(err, ErrConfig), "8MHz leaves too short a low")
}

func TestSerialClosesPort(t *testing.T) {
	pb := &spitest.Playback{Playback: conntest.Playback{DontPanic: true}}
	s, err := OpenSerial(pb, 0, SerialConfig{Logger: &nopLogger})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Transmit(context.Background())
	assert.Equal(t, ErrClosed, err)
}
