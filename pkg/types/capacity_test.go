package types

import (
	"errors"
	"math"
	"testing"
)

func TestCapacitySafeAdd(t *testing.T) {
	sum, err := Capacity(100).SafeAdd(Capacity(23))
	if err != nil {
		t.Fatalf("SafeAdd: %v", err)
	}
	if sum != 123 {
		t.Errorf("sum = %d, want 123", sum)
	}

	_, err = Capacity(math.MaxUint64).SafeAdd(1)
	if !errors.Is(err, ErrCapacityOverflow) {
		t.Errorf("overflow add error = %v, want ErrCapacityOverflow", err)
	}
}

func TestCapacitySafeSub(t *testing.T) {
	diff, err := Capacity(100).SafeSub(40)
	if err != nil {
		t.Fatalf("SafeSub: %v", err)
	}
	if diff != 60 {
		t.Errorf("diff = %d, want 60", diff)
	}

	_, err = Capacity(40).SafeSub(100)
	if !errors.Is(err, ErrCapacityOverflow) {
		t.Errorf("underflow sub error = %v, want ErrCapacityOverflow", err)
	}
}

func TestCapacitySafeMul(t *testing.T) {
	product, err := Capacity(1000).SafeMul(8)
	if err != nil {
		t.Fatalf("SafeMul: %v", err)
	}
	if product != 8000 {
		t.Errorf("product = %d, want 8000", product)
	}

	_, err = Capacity(math.MaxUint64 / 2).SafeMul(3)
	if !errors.Is(err, ErrCapacityOverflow) {
		t.Errorf("overflow mul error = %v, want ErrCapacityOverflow", err)
	}
}

func TestCapacitySafeMulRatio(t *testing.T) {
	tests := []struct {
		name  string
		c     Capacity
		ratio Ratio
		want  Capacity
	}{
		{"forty percent", 10, Ratio{Num: 4, Den: 10}, 4},
		{"whole", 250, Ratio{Num: 1, Den: 1}, 250},
		{"zero numerator", 250, Ratio{Num: 0, Den: 10}, 0},
		{"rounds down", 7, Ratio{Num: 1, Den: 2}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.c.SafeMulRatio(tt.ratio)
			if err != nil {
				t.Fatalf("SafeMulRatio: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := Capacity(1).SafeMulRatio(Ratio{Num: 1, Den: 0}); err == nil {
		t.Error("zero denominator should error")
	}
}
