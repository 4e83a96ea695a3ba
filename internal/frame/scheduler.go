// Package frame drives the refresh loop: fill the strip, encode it, transmit
// it, wait.
package frame

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreman2200/neostrip/internal/led"
	"github.com/coreman2200/neostrip/internal/pixel"
)

// DefaultPeriod is the pause between two frames.
const DefaultPeriod = time.Second

// Result describes one frame.
type Result struct {
	ID       uint64
	Start    time.Time
	Encode   time.Duration
	Transmit time.Duration
	Stats    led.Stats
	Err      error
}

// Observer is told about every frame after it was sent. It must not keep s.
type Observer interface {
	Observe(r Result, s pixel.Strip)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r Result, s pixel.Strip)

// Observe implements Observer.
func (f ObserverFunc) Observe(r Result, s pixel.Strip) { f(r, s) }

// Options configures a Scheduler.
type Options struct {
	// Period defaults to DefaultPeriod.
	Period time.Duration
	// Source defaults to NewRandom(DefaultMask).
	Source Source
	// Logger defaults to a disabled logger.
	Logger    *zerolog.Logger
	Observers []Observer
}

// Counters are running totals since the scheduler started.
type Counters struct {
	Frames   uint64
	Failures uint64
	Late     uint64
}

// Scheduler owns a strip and a backend. Nothing else may touch either while
// Run is active; frames are encoded and sent strictly one after the other.
type Scheduler struct {
	backend led.Backend
	strip   pixel.Strip
	period  time.Duration
	log     zerolog.Logger
	obs     []Observer

	mu       sync.Mutex
	src      Source
	counters Counters
}

// New creates a scheduler for n pixels on b.
func New(b led.Backend, n int, opts Options) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Source == nil {
		opts.Source = NewRandom(DefaultMask)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Scheduler{
		backend: b,
		strip:   pixel.NewStrip(n),
		period:  opts.Period,
		log:     logger.With().Str("backend", b.Name()).Logger(),
		obs:     opts.Observers,
		src:     opts.Source,
	}
}

// SetSource replaces the color source from the next frame on. It is safe to
// call while Run is active.
func (s *Scheduler) SetSource(src Source) {
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

// Counters returns the running totals.
func (s *Scheduler) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Len returns the number of pixels.
func (s *Scheduler) Len() int { return len(s.strip) }

// Backend returns the backend name.
func (s *Scheduler) Backend() string { return s.backend.Name() }

// Step produces and sends one frame. The returned error is the backend's;
// it is also in Result.Err.
func (s *Scheduler) Step(ctx context.Context) (Result, error) {
	s.mu.Lock()
	src := s.src
	s.counters.Frames++
	r := Result{ID: s.counters.Frames, Start: time.Now()}
	s.mu.Unlock()

	src.Fill(s.strip)
	if err := s.backend.Encode(s.strip); err != nil {
		r.Err = err
		return s.finish(r), err
	}
	r.Encode = time.Since(r.Start)

	t := time.Now()
	r.Stats, r.Err = s.backend.Transmit(ctx)
	r.Transmit = time.Since(t)
	return s.finish(r), r.Err
}

func (s *Scheduler) finish(r Result) Result {
	s.mu.Lock()
	if r.Err != nil {
		s.counters.Failures++
	}
	s.counters.Late += uint64(r.Stats.Late)
	s.mu.Unlock()

	for _, o := range s.obs {
		o.Observe(r, s.strip)
	}
	return r
}

// Run primes the backend and refreshes the strip every period until ctx is
// done. A failed prime is returned; failed frames are logged and skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	if p, ok := s.backend.(led.Primer); ok {
		if err := p.Prime(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	s.log.Info().Int("pixels", len(s.strip)).Dur("period", s.period).Msg("refresh loop started")

	t := time.NewTimer(s.period)
	if !t.Stop() {
		<-t.C
	}
	for {
		r, err := s.Step(ctx)
		switch {
		case err == nil:
			ev := s.log.Debug()
			if r.Stats.AtRisk() {
				ev = s.log.Warn()
			}
			ev.Uint64("frame", r.ID).
				Int("bursts", r.Stats.Bursts).
				Int("late", r.Stats.Late).
				Dur("max_gap", r.Stats.MaxGap).
				Dur("transmit", r.Transmit).
				Msg("frame sent")
		case ctx.Err() != nil:
			return nil
		default:
			var txErr *led.TxError
			s.log.Error().
				Err(err).
				Uint64("frame", r.ID).
				Bool("transmit", errors.As(err, &txErr)).
				Msg("frame dropped")
		}

		t.Reset(s.period)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
