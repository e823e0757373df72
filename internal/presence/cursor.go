package presence

import (
	"fmt"
	"math"
	"time"
)

// DefaultIdleThreshold is the freshness window applied when none is configured.
const DefaultIdleThreshold = 5 * time.Second

// cursorObservation is the outcome of recording one position sample.
type cursorObservation struct {
	Cursor      Cursor
	Kind        ChangeKind
	FirstSample bool
	Elapsed     time.Duration
	Fresh       bool
}

// observeCursor records a sample against the prior cursor and decides whether
// the gap since the previous sample keeps the client active. The first sample
// has no baseline and is always fresh. A negative gap counts as fresh.
func observeCursor(previous *Cursor, identity Identity, x, y float64, now time.Time, threshold time.Duration) cursorObservation {
	next := Cursor{
		Identity:    identity,
		X:           x,
		Y:           y,
		LastUpdated: now,
	}
	if previous == nil {
		return cursorObservation{
			Cursor:      next,
			Kind:        ChangeInsert,
			FirstSample: true,
			Fresh:       true,
		}
	}
	elapsed := now.Sub(previous.LastUpdated)
	return cursorObservation{
		Cursor:  next,
		Kind:    ChangeUpdate,
		Elapsed: elapsed,
		Fresh:   elapsed <= threshold,
	}
}

func validatePosition(x, y float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidPosition, x, y)
	}
	return nil
}
