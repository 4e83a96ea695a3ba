package led

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/devices/v3/nrzled"

	"github.com/coreman2200/neostrip/internal/pixel"
)

// NRZ hands frames to periph's nrzled driver, which does its own 3-bit
// expansion over a Linux spidev bus. Useful on single-board computers where
// the 4-bit Serial clock is not available.
type NRZ struct {
	dev    *nrzled.Dev
	closer io.Closer
	count  int
	rgb    []byte
}

var _ Backend = (*NRZ)(nil)

// OpenNRZ opens an nrzled device for n pixels. freq defaults to 2.5MHz.
func OpenNRZ(port spi.Port, n int, freq physic.Frequency) (*NRZ, error) {
	if freq == 0 {
		freq = 2500 * physic.KiloHertz
	}
	dev, err := nrzled.NewSPI(port, &nrzled.Opts{
		NumPixels: n,
		Channels:  3,
		Freq:      freq,
	})
	if err != nil {
		return nil, errors.Wrap(err, "nrzled: open")
	}
	d := &NRZ{dev: dev, count: n, rgb: make([]byte, 3*n)}
	if c, ok := port.(io.Closer); ok {
		d.closer = c
	}
	return d, nil
}

// Name implements Backend.
func (d *NRZ) Name() string { return "nrzled" }

// Len implements Backend. nrzled encodes internally; this is the raw RGB size.
func (d *NRZ) Len() int { return len(d.rgb) }

// Encode implements Backend.
func (d *NRZ) Encode(s pixel.Strip) error {
	if err := checkLen(d.Name(), s, d.count); err != nil {
		return err
	}
	d.rgb = s.RGB(d.rgb)
	return nil
}

// Transmit implements Backend.
func (d *NRZ) Transmit(ctx context.Context) (Stats, error) {
	if d.dev == nil {
		return Stats{}, ErrClosed
	}
	if len(d.rgb) == 0 {
		return Stats{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, &TxError{Backend: d.Name(), Err: err}
	}
	if _, err := d.dev.Write(d.rgb); err != nil {
		return Stats{}, &TxError{Backend: d.Name(), Err: err}
	}
	return Stats{Bursts: 1}, nil
}

// Close implements Backend. It blanks the strip first.
func (d *NRZ) Close() error {
	if d.dev == nil {
		return nil
	}
	err := d.dev.Halt()
	d.dev = nil
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
