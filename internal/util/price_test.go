package util

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{
			name:     "basic rounding down",
			x:        "1.2345",
			tick:     "0.01",
			expected: "1.23",
		},
		{
			name:     "tie rounds away from zero",
			x:        "1.235",
			tick:     "0.01",
			expected: "1.24",
		},
		{
			name:     "negative tie rounds away from zero",
			x:        "-1.235",
			tick:     "0.01",
			expected: "-1.24",
		},
		{
			name:     "nickel tick",
			x:        "2.13",
			tick:     "0.05",
			expected: "2.15",
		},
		{
			name:     "zero tick returns input",
			x:        "1.2345",
			tick:     "0",
			expected: "1.2345",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(decimal.RequireFromString(tt.x), decimal.RequireFromString(tt.tick))
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("RoundToTick(%s, %s) = %s, expected %s", tt.x, tt.tick, got, tt.expected)
			}
		})
	}
}

func TestContractPremium(t *testing.T) {
	got := ContractPremium(decimal.RequireFromString("1.25"), decimal.NewFromInt(2))
	if !got.Equal(decimal.NewFromInt(250)) {
		t.Errorf("ContractPremium = %s, expected 250", got)
	}
}
