// Package led transmits pixel strips over a WS2812-class data line.
//
// Two backends share the nrz encoder: Pulse drives a pulse generator one pixel
// at a time, Serial clocks an oversampled bit pattern out of an SPI/DMA engine
// in one burst. NRZ hands the strip to periph's nrzled driver.
package led

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreman2200/neostrip/internal/pixel"
)

// Backend abstracts an LED output sink. Encode and Transmit must not be
// called concurrently; the caller owns the backend for its whole lifetime.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Len is the size of the encoded frame in the backend's native units.
	Len() int
	// Encode refreshes the backend's encoded buffer from s. len(s) must
	// match the configured pixel count.
	Encode(s pixel.Strip) error
	// Transmit sends the last encoded frame.
	Transmit(ctx context.Context) (Stats, error)
	// Close releases resources.
	Close() error
}

// Primer is implemented by backends that need a one-off line correction
// before the first frame.
type Primer interface {
	Prime(ctx context.Context) error
}

// Yield is called at each cooperative suspension point of a transmission.
// Schedulers use it to hand the core to other tasks; tests use it to inject
// stalls.
type Yield func()

// Stats describes one transmitted frame.
type Stats struct {
	// Bursts is the number of peripheral submissions.
	Bursts int
	// MaxGap is the longest idle gap observed between two submissions.
	MaxGap time.Duration
	// Late counts gaps longer than the strip's reset threshold. Each one is
	// a premature latch on the wire.
	Late int
}

// AtRisk reports whether the frame was likely corrupted by a late resume.
func (s Stats) AtRisk() bool { return s.Late > 0 }

var (
	// ErrConfig reports a backend that cannot produce valid timings or
	// buffers. It is fatal at startup.
	ErrConfig = errors.New("led: invalid configuration")
	// ErrTimeout is returned when a peripheral does not complete in time.
	ErrTimeout = errors.New("led: transmit timeout")
	// ErrClosed is returned by backends used after Close.
	ErrClosed = errors.New("led: backend closed")
)

// TxError is a failed frame. Pixels before Pixel were already sent.
type TxError struct {
	Backend string
	Pixel   int
	Err     error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s: transmit failed at pixel %d: %v", e.Backend, e.Pixel, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func checkLen(name string, s pixel.Strip, n int) error {
	if len(s) != n {
		return fmt.Errorf("%s: strip length %d does not match count %d", name, len(s), n)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
