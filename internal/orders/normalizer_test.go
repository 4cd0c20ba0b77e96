package orders

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/rollchain/internal/models"
)

func decodeRaw(t *testing.T, s string) models.RawOrder {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw models.RawOrder
	require.NoError(t, dec.Decode(&raw))
	return raw
}

func TestNormalize_RobinhoodStyleRecord(t *testing.T) {
	raw := decodeRaw(t, `{
		"id": "ord-1",
		"chain_symbol": "tsla",
		"created_at": "2024-03-01T15:04:05.123456Z",
		"state": "filled",
		"direction": "credit",
		"processed_premium": "245.00",
		"long_strategy_code": "L1",
		"form_source": "strategy_roll",
		"legs": [
			{"strike_price": "45.0000", "option_type": "put", "expiration_date": "2024-03-15",
			 "side": "sell", "position_effect": "open", "quantity": "2.00000", "short_strategy_code": "S1"}
		]
	}`)

	d := models.NewDiagnostics(nil)
	o, err := NewNormalizer(d).Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "ord-1", o.ID)
	assert.Equal(t, "TSLA", o.Symbol)
	assert.True(t, o.IsFilled())
	assert.Equal(t, models.DirectionCredit, o.Direction)
	assert.True(t, o.Premium.Equal(decimal.NewFromInt(245)))
	assert.Equal(t, "strategy_roll", o.FormSource)
	assert.Equal(t, []string{"L1", "S1"}, o.StrategyCodes())
	assert.Equal(t, 2024, o.CreatedAt.Year())

	require.Len(t, o.Legs, 1)
	leg := o.Legs[0]
	assert.Equal(t, models.OptionTypePut, leg.OptionType)
	assert.Equal(t, models.SideSell, leg.Side)
	assert.Equal(t, models.EffectOpen, leg.PositionEffect)
	assert.True(t, leg.Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "45 put 2024-03-15", leg.Key().String())
	assert.Empty(t, d.Entries())
}

func TestNormalize_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"missing id", `{"created_at": "2024-01-01T00:00:00Z", "legs": []}`, ErrMissingID},
		{"missing timestamp", `{"id": "x", "legs": []}`, ErrMissingTimestamp},
		{"bad timestamp", `{"id": "x", "created_at": "yesterday"}`, ErrMissingTimestamp},
		{"no legs", `{"id": "x", "created_at": "2024-01-01T00:00:00Z", "legs": []}`, ErrNoLegs},
		{"only malformed legs", `{"id": "x", "created_at": "2024-01-01T00:00:00Z",
			"legs": [{"strike_price": "abc", "expiration_date": "2024-01-19"}]}`, ErrNoLegs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNormalizer(nil).Normalize(decodeRaw(t, tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalize_DegradedFieldsAreRecorded(t *testing.T) {
	raw := models.RawOrder{
		"id":                "x",
		"created_at":        "2024-01-02T10:00:00Z",
		"state":             "filled",
		"processed_premium": "n/a",
		"legs": []map[string]any{
			{"strike": 50.0, "type": "CALL", "expiration": "2024-02-16", "side": "buy_to_close", "quantity": "?"},
		},
	}
	d := models.NewDiagnostics(nil)
	o, err := NewNormalizer(d).Normalize(raw)
	require.NoError(t, err)

	assert.True(t, o.Premium.IsZero())
	require.Len(t, o.Legs, 1)
	assert.Equal(t, models.SideBuy, o.Legs[0].Side)
	assert.Equal(t, models.EffectClose, o.Legs[0].PositionEffect)
	assert.Equal(t, models.OptionTypeCall, o.Legs[0].OptionType)
	assert.True(t, o.Legs[0].Quantity.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 3, d.Count(models.DiagParseDefault)) // premium, quantity, missing symbol
}

func TestNormalize_LabelConflictIsFlagged(t *testing.T) {
	raw := models.RawOrder{
		"id":         "x",
		"symbol":     "SPY",
		"created_at": "2024-01-02T10:00:00Z",
		"state":      "filled",
		"strategy":   "SELL PUT",
		"legs": []any{
			map[string]any{"strike_price": "400", "option_type": "put", "expiration_date": "2024-02-16",
				"side": "buy", "position_effect": "close", "quantity": 1},
		},
	}
	d := models.NewDiagnostics(nil)
	o, err := NewNormalizer(d).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, models.EffectClose, o.Legs[0].PositionEffect, "position_effect stays authoritative")
	assert.Equal(t, 1, d.Count(models.DiagLabelConflict))
}

func TestNormalizeAll_FiltersAndSorts(t *testing.T) {
	leg := map[string]any{"strike_price": "10", "option_type": "put", "expiration_date": "2024-02-16",
		"side": "sell", "position_effect": "open", "quantity": 1}
	raws := []models.RawOrder{
		{"id": "late", "symbol": "A", "created_at": "2024-01-03T00:00:00Z", "state": "filled", "legs": []any{leg}},
		{"id": "early", "symbol": "A", "created_at": "2024-01-01T00:00:00Z", "state": "filled", "legs": []any{leg}},
		{"id": "cancelled", "symbol": "A", "created_at": "2024-01-02T00:00:00Z", "state": "cancelled", "legs": []any{leg}},
		{"id": "broken", "symbol": "A", "created_at": "2024-01-02T00:00:00Z", "state": "filled"},
		{"id": "early", "symbol": "A", "created_at": "2024-01-01T00:00:00Z", "state": "filled", "legs": []any{leg}},
	}
	d := models.NewDiagnostics(nil)
	out := NormalizeAll(raws, d)

	assert.Equal(t, []string{"early", "late"}, models.OrderIDs(out))
	assert.Equal(t, 1, d.Count(models.DiagSkippedState))
	assert.Equal(t, 1, d.Count(models.DiagMalformedOrder))
	assert.True(t, out[0].CreatedAt.Before(out[1].CreatedAt))
	assert.Equal(t, time.UTC, out[0].CreatedAt.Location())
}
