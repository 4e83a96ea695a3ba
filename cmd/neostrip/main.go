package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/coreman2200/neostrip/internal/config"
	"github.com/coreman2200/neostrip/internal/frame"
	"github.com/coreman2200/neostrip/internal/led"
	"github.com/coreman2200/neostrip/internal/ws"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to a .yaml or .toml config")
		backend    = flag.StringP("backend", "b", config.BackendSim, "backend: pulse | serial | nrzled | sim")
		pixels     = flag.IntP("pixels", "n", 16, "number of pixels on the strip")
		period     = flag.Duration("period", time.Second, "pause between frames")
		source     = flag.String("source", frame.SourceRandom, "frame source: random | sweep | channels | solid")
		color      = flag.String("color", "ffffff", "RRGGBB color for solid, sweep and channels")
		mask       = flag.Int("mask", frame.DefaultMask, "channel mask for the random source")
		spiDev     = flag.String("spi", "", "spireg bus name; empty picks the first")
		addr       = flag.String("addr", "", "HTTP listen address for the preview hub; empty disables it")
		mirror     = flag.Bool("mirror", false, "draw loopback frames on the terminal")
		writeCfg   = flag.String("write-config", "", "write the effective config to this path and exit")
		verbose    = flag.BoolP("verbose", "v", false, "log every frame")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	cfg := config.Default()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
		}
		cfg = c
	}

	// Flags given explicitly win over the file.
	set := func(name string, apply func()) {
		if flag.CommandLine.Changed(name) || *configPath == "" {
			apply()
		}
	}
	set("backend", func() { cfg.Backend = *backend })
	set("pixels", func() { cfg.Pixels = *pixels })
	set("period", func() { cfg.PeriodMs = int(*period / time.Millisecond) })
	set("source", func() { cfg.Source = *source })
	set("color", func() { cfg.Color = *color })
	set("mask", func() { cfg.Mask = *mask })
	set("spi", func() { cfg.SPI.Dev = *spiDev })
	set("addr", func() { cfg.Addr = *addr })
	set("mirror", func() { cfg.Mirror = *mirror })
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if *writeCfg != "" {
		if err := config.Save(*writeCfg, cfg); err != nil {
			log.Fatal().Err(err).Str("path", *writeCfg).Msg("write config")
		}
		log.Info().Str("path", *writeCfg).Msg("config written")
		return
	}

	b, err := openBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("backend init failed")
	}
	defer b.Close()

	fill, _ := cfg.ColorPixel()
	src, ok := frame.ParseSource(cfg.Source, fill, byte(cfg.Mask))
	if !ok {
		log.Warn().Str("source", cfg.Source).Msg("unknown source; using random")
		src = frame.NewRandom(byte(cfg.Mask))
	}

	hub := ws.NewHub(cfg.Source, fill, byte(cfg.Mask))
	sched := frame.New(b, cfg.Pixels, frame.Options{
		Period:    cfg.Period(),
		Source:    src,
		Logger:    &log.Logger,
		Observers: []frame.Observer{hub},
	})
	hub.Attach(sched)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	if cfg.Addr != "" {
		srv := &http.Server{
			Addr:         cfg.Addr,
			Handler:      withCORS(hub.Mux()),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Addr).Str("backend", b.Name()).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "http server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("stopped")
	}
	c := sched.Counters()
	log.Info().
		Uint64("frames", c.Frames).
		Uint64("failures", c.Failures).
		Uint64("late", c.Late).
		Msg("shutting down")
}

// openBackend builds the configured backend. Hardware that cannot be opened
// is replaced by a loopback peripheral so the rest of the pipeline still runs.
func openBackend(cfg *config.Config) (led.Backend, error) {
	var mirror led.Mirror
	if cfg.Mirror {
		mirror = led.NewConsole(cfg.Pixels)
	}
	timing := cfg.NRZTiming()
	serialCfg := led.SerialConfig{
		Freq:   cfg.SPIFreq(),
		Timing: timing,
		Settle: time.Duration(cfg.SPI.SettleUs) * time.Microsecond,
	}
	loopback := &led.LoopbackConn{Mirror: mirror, Pixels: cfg.Pixels}

	switch cfg.Backend {
	case config.BackendPulse:
		log.Info().Msg("no pulse generator on this host; using the loopback channel")
		ch := &led.LoopbackChannel{Clock: cfg.PulseClock(), Timing: timing, Mirror: mirror, Pixels: cfg.Pixels}
		return led.NewPulse(ch, cfg.Pixels, led.PulseConfig{
			Clock:   cfg.PulseClock(),
			Timing:  timing,
			MaxGap:  time.Duration(cfg.Pulse.MaxGapUs) * time.Microsecond,
			Timeout: time.Duration(cfg.Pulse.TimeoutMs) * time.Millisecond,
		})

	case config.BackendSerial:
		port, err := openSPI(cfg.SPI.Dev)
		if err != nil {
			log.Warn().Err(err).
				Str("backend", cfg.Backend).
				Str("dev", cfg.SPI.Dev).
				Int64("speed_hz", cfg.SPI.SpeedHz).
				Msg("SPI init failed; falling back to loopback")
			port = loopback
		}
		return led.OpenSerial(port, cfg.Pixels, serialCfg)

	case config.BackendNRZ:
		port, err := openSPI(cfg.SPI.Dev)
		if err != nil {
			log.Warn().Err(err).Str("backend", cfg.Backend).Msg("SPI init failed; falling back to SIM")
			return led.OpenSerial(loopback, cfg.Pixels, serialCfg)
		}
		return led.OpenNRZ(port, cfg.Pixels, 0)

	default:
		return led.OpenSerial(loopback, cfg.Pixels, serialCfg)
	}
}

func openSPI(dev string) (spi.Port, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "host init")
	}
	p, err := spireg.Open(dev)
	if err != nil {
		return nil, errors.Wrapf(err, "open spi %q", dev)
	}
	return p, nil
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
