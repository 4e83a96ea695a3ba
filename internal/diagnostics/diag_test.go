package diagnostics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/neostrip/internal/frame"
	"github.com/coreman2200/neostrip/internal/led"
	"github.com/coreman2200/neostrip/internal/pixel"
)

func TestFromResult(t *testing.T) {
	_, ok := FromResult(frame.Result{ID: 1})
	assert.False(t, ok, "clean frame")

	d, ok := FromResult(frame.Result{ID: 2, Stats: led.Stats{Bursts: 16, Late: 3, MaxGap: 200 * time.Microsecond}})
	assert.True(t, ok)
	assert.Equal(t, CodeTimingLate, d.Code)
	assert.Equal(t, Warn, d.Severity)
	assert.Equal(t, int64(200), d.Evidence["max_gap_us"])

	d, ok = FromResult(frame.Result{ID: 3, Err: &led.TxError{Backend: "pulse", Pixel: 2, Err: led.ErrInjected}})
	assert.True(t, ok)
	assert.Equal(t, CodeTxFail, d.Code)
	assert.Equal(t, 2, d.Evidence["pixel"])

	d, _ = FromResult(frame.Result{ID: 4, Err: &led.TxError{Backend: "pulse", Err: led.ErrTimeout}})
	assert.Equal(t, CodeTxTimeout, d.Code)

	d, _ = FromResult(frame.Result{ID: 5, Err: errors.New("strip has 3 pixels, backend 4")})
	assert.Equal(t, CodeEncodeFail, d.Code)
	assert.Equal(t, Err, d.Severity)
}

func TestFromResultSerialPrimeFailure(t *testing.T) {
	nop := zerolog.Nop()
	s, err := led.OpenSerial(&led.LoopbackConn{Fault: led.Fault{FailAt: 1}}, 1, led.SerialConfig{Logger: &nop})
	require.NoError(t, err)
	require.NoError(t, s.Encode(pixel.NewStrip(1)))

	_, err = s.Transmit(context.Background())
	d, ok := FromResult(frame.Result{ID: 1, Err: err})
	assert.True(t, ok)
	assert.Equal(t, CodeTxFail, d.Code)
	assert.Equal(t, "serial", d.Evidence["backend"])
}
