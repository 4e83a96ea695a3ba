// Package diagnostics turns frame outcomes into operator-facing messages.
package diagnostics

import (
	"errors"

	"github.com/coreman2200/neostrip/internal/frame"
	"github.com/coreman2200/neostrip/internal/led"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

const (
	CodeTxFail        = "TX.FAIL"
	CodeTxTimeout     = "TX.TIMEOUT"
	CodeEncodeFail    = "ENCODE.FAIL"
	CodeTimingLate    = "TIMING.LATE"
	CodeSourceChanged = "SOURCE.CHANGED"
	CodeSourceUnknown = "SOURCE.UNKNOWN"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// FromResult reports whether r deserves a diagnostic and builds it.
// Clean frames produce none.
func FromResult(r frame.Result) (Diagnostic, bool) {
	var txErr *led.TxError
	switch {
	case r.Err == nil && r.Stats.AtRisk():
		return Diagnostic{
			Severity: Warn,
			Code:     CodeTimingLate,
			Summary:  "Gap between pixel bursts reached the reset threshold",
			LikelyCauses: []string{
				"CPU busy with other work between pixels",
				"per-pixel submission on a preemptive scheduler",
			},
			SuggestedFixes: []string{"use the serial backend", "shorten the strip per channel"},
			Evidence: map[string]any{
				"frame":      r.ID,
				"late":       r.Stats.Late,
				"max_gap_us": r.Stats.MaxGap.Microseconds(),
			},
		}, true
	case r.Err == nil:
		return Diagnostic{}, false
	case errors.Is(r.Err, led.ErrTimeout):
		return Diagnostic{
			Severity:       Err,
			Code:           CodeTxTimeout,
			Summary:        "Peripheral did not finish a burst in time",
			Detail:         r.Err.Error(),
			SuggestedFixes: []string{"check the peripheral clock", "raise pulse.timeout_ms"},
			Evidence:       map[string]any{"frame": r.ID},
		}, true
	case errors.As(r.Err, &txErr):
		return Diagnostic{
			Severity: Err,
			Code:     CodeTxFail,
			Summary:  "Frame transmission failed",
			Detail:   r.Err.Error(),
			Evidence: map[string]any{"frame": r.ID, "backend": txErr.Backend, "pixel": txErr.Pixel},
		}, true
	default:
		return Diagnostic{
			Severity: Err,
			Code:     CodeEncodeFail,
			Summary:  "Frame could not be encoded",
			Detail:   r.Err.Error(),
			Evidence: map[string]any{"frame": r.ID},
		}, true
	}
}
