package calculator

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPctChange(t *testing.T) {
	tests := []struct {
		current, reference string
		want               string
	}{
		{"95.2", "100", "-4.8"},
		{"95.5", "100", "-4.5"},
		{"96.6", "100", "-3.4"},
		{"47650", "50000", "-4.7"},
		{"110", "100", "10"},
		{"100", "100", "0"},
	}
	for _, tt := range tests {
		got, err := PctChange(decimal.RequireFromString(tt.current), decimal.RequireFromString(tt.reference))
		if err != nil {
			t.Fatalf("%s vs %s: unexpected error: %v", tt.current, tt.reference, err)
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("%s vs %s: expected %s, got %s", tt.current, tt.reference, tt.want, got)
		}
	}
}

func TestPctChange_NonPositiveReference(t *testing.T) {
	for _, ref := range []int64{0, -5} {
		_, err := PctChange(decimal.NewFromInt(10), decimal.NewFromInt(ref))
		if !errors.Is(err, ErrNonPositiveReference) {
			t.Errorf("reference %d: expected ErrNonPositiveReference, got %v", ref, err)
		}
	}
}

func TestPctChangeFloat(t *testing.T) {
	got, err := PctChangeFloat(96.8, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != -3.2 {
		t.Errorf("expected -3.2, got %v", got)
	}
}
