package types

import (
	"errors"
	"fmt"
	"math"
)

// Capacity is a count of indivisible currency units. All arithmetic is
// overflow-checked; fees and rewards surface overflow as an error
// rather than clamp.
type Capacity uint64

// ErrCapacityOverflow is returned when capacity arithmetic overflows.
var ErrCapacityOverflow = errors.New("capacity overflow")

// SafeAdd returns c + other, or an error on overflow.
func (c Capacity) SafeAdd(other Capacity) (Capacity, error) {
	if c > math.MaxUint64-other {
		return 0, fmt.Errorf("%w: %d + %d", ErrCapacityOverflow, c, other)
	}
	return c + other, nil
}

// SafeSub returns c - other, or an error on underflow.
func (c Capacity) SafeSub(other Capacity) (Capacity, error) {
	if other > c {
		return 0, fmt.Errorf("%w: %d - %d", ErrCapacityOverflow, c, other)
	}
	return c - other, nil
}

// SafeMul returns c * factor, or an error on overflow.
func (c Capacity) SafeMul(factor uint64) (Capacity, error) {
	if factor != 0 && uint64(c) > math.MaxUint64/factor {
		return 0, fmt.Errorf("%w: %d * %d", ErrCapacityOverflow, c, factor)
	}
	return c * Capacity(factor), nil
}

// SafeMulRatio returns c * r.Num / r.Den, checking the intermediate
// product for overflow. The ratio must have a non-zero denominator.
func (c Capacity) SafeMulRatio(r Ratio) (Capacity, error) {
	if r.Den == 0 {
		return 0, fmt.Errorf("ratio with zero denominator")
	}
	product, err := c.SafeMul(r.Num)
	if err != nil {
		return 0, err
	}
	return product / Capacity(r.Den), nil
}

// Ratio is an exact rational number. Consensus parameters that the
// protocol treats as fractions (proposer reward ratio, orphan rate
// target) are carried this way so no float truncation leaks into
// consensus arithmetic.
type Ratio struct {
	Num uint64 `json:"num"`
	Den uint64 `json:"den"`
}
