package model

import (
	"fmt"
	"math"
)

// TrimWindow is the fractional region of a buffer that is played.
// 0 <= Start < End <= 1.
type TrimWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// FullWindow plays the whole buffer
func FullWindow() TrimWindow {
	return TrimWindow{Start: 0, End: 1}
}

func (w TrimWindow) Validate() error {
	if math.IsNaN(w.Start) || math.IsNaN(w.End) || math.IsInf(w.Start, 0) || math.IsInf(w.End, 0) {
		return fmt.Errorf("%w: non-finite bound", ErrInvalidTrim)
	}
	if w.Start < 0 || w.End > 1 {
		return fmt.Errorf("%w: [%g,%g] outside [0,1]", ErrInvalidTrim, w.Start, w.End)
	}
	if w.Start >= w.End {
		return fmt.Errorf("%w: start %g not before end %g", ErrInvalidTrim, w.Start, w.End)
	}
	return nil
}

// Offsets resolves the window against a buffer of the given duration
// (seconds) and returns the start offset and the length to play.
func (w TrimWindow) Offsets(duration float64) (start, length float64) {
	return duration * w.Start, duration * (w.End - w.Start)
}

// Mirror returns the same region as seen in the time-reversed twin of a
// buffer: [0.25,0.5] of the original is [0.5,0.75] of the reversed one.
func (w TrimWindow) Mirror() TrimWindow {
	return TrimWindow{Start: 1 - w.End, End: 1 - w.Start}
}

// Length is the fraction of the buffer covered
func (w TrimWindow) Length() float64 {
	return w.End - w.Start
}
