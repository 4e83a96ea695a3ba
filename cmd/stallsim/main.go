// Command stallsim runs the pulse and serial backends on loopback peripherals
// while a busy neighbour task steals the CPU between pixels, and reports
// which backend would have corrupted the strip.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/coreman2200/neostrip/internal/frame"
	"github.com/coreman2200/neostrip/internal/led"
	"github.com/coreman2200/neostrip/internal/nrz"
	"github.com/coreman2200/neostrip/internal/pixel"
)

func main() {
	var (
		pixels = flag.IntP("pixels", "n", 16, "number of pixels")
		frames = flag.IntP("frames", "f", 5, "frames per backend")
		stall  = flag.Duration("stall", 200*time.Microsecond, "time stolen at each suspension point")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	yield := func() { busy(*stall) }

	pulse, err := led.NewPulse(&led.LoopbackChannel{}, *pixels, led.PulseConfig{Yield: yield, Logger: &logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("pulse backend")
	}
	serial, err := led.OpenSerial(&led.LoopbackConn{}, *pixels, led.SerialConfig{Yield: yield, Logger: &logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("serial backend")
	}

	fmt.Printf("stall %v per suspension point, reset threshold %v\n", *stall, nrz.WS2812.Reset)
	ctx := context.Background()
	for _, b := range []led.Backend{pulse, serial} {
		c, maxGap, err := run(ctx, b, *pixels, *frames)
		if err != nil {
			logger.Fatal().Err(err).Str("backend", b.Name()).Msg("prime failed")
		}
		verdict := "OK"
		if c.Late > 0 {
			verdict = "AT RISK"
		}
		fmt.Printf("%-7s frames=%d failures=%d late=%d max_gap=%v  %s\n",
			b.Name(), c.Frames, c.Failures, c.Late, maxGap, verdict)
		_ = b.Close()
	}
}

func run(ctx context.Context, b led.Backend, n, frames int) (frame.Counters, time.Duration, error) {
	var maxGap time.Duration
	s := frame.New(b, n, frame.Options{
		Observers: []frame.Observer{frame.ObserverFunc(func(r frame.Result, _ pixel.Strip) {
			if r.Stats.MaxGap > maxGap {
				maxGap = r.Stats.MaxGap
			}
		})},
	})
	if p, ok := b.(led.Primer); ok {
		if err := p.Prime(ctx); err != nil {
			return frame.Counters{}, 0, err
		}
	}
	for i := 0; i < frames; i++ {
		_, _ = s.Step(ctx)
	}
	return s.Counters(), maxGap, nil
}

// busy spins instead of sleeping, like a task that does not give the CPU back.
func busy(d time.Duration) {
	for t := time.Now(); time.Since(t) < d; {
	}
}
