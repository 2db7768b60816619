// Package projection defines the 12-month projection value and the pure
// compounding function that produces it.
package projection

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Size is the number of points in a projection (one per calendar month).
const Size = 12

// Months are the fixed point labels. Order never changes.
var Months = [Size]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// ErrInvalidProjection is returned when a projection is not exactly 12 finite values.
var ErrInvalidProjection = errors.New("invalid projection")

// Projection is an ordered series of monthly values, positionally tagged by Months.
type Projection []float64

// Validate checks the 12-element / finite-number contract.
func (p Projection) Validate() error {
	if len(p) != Size {
		return fmt.Errorf("%w: got %d values, want %d", ErrInvalidProjection, len(p), Size)
	}
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s value is not finite", ErrInvalidProjection, Months[i])
		}
	}
	return nil
}

// Compute returns start*(1+growth)^i for i = 0..11.
//
// growth is a fraction (5% is 0.05). The closed form is used instead of
// month-over-month accumulation so every point is independent of rounding in
// the previous one.
func Compute(start, growth float64) Projection {
	out := make(Projection, Size)
	for i := range out {
		out[i] = start * math.Pow(1+growth, float64(i))
	}
	return out
}

// Snapshot is a point-in-time copy of the stored projection.
//
// Set is false before the first write ("unset"). Values is an array so a
// Snapshot copies by value and can never alias the store's state.
type Snapshot struct {
	Seq       uint64
	Set       bool
	Values    [Size]float64
	UpdatedAt time.Time
}

// Equal compares by content (Set + Values), ignoring Seq and UpdatedAt, so a
// republish of identical values is treated as no change.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Set == o.Set && s.Values == o.Values
}

// Projection returns the values as a slice, or nil when unset.
func (s Snapshot) Projection() Projection {
	if !s.Set {
		return nil
	}
	out := make(Projection, Size)
	copy(out, s.Values[:])
	return out
}

// Round2 rounds v to 2 decimals (payload precision).
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
