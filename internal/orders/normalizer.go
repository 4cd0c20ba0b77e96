// Package orders turns raw brokerage order records into normalized orders and classifies
// their legs by position effect.
package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
)

var (
	// ErrMissingID is returned when a raw order has no identifier
	ErrMissingID = errors.New("order has no id")
	// ErrMissingTimestamp is returned when no creation timestamp can be parsed
	ErrMissingTimestamp = errors.New("order has no usable timestamp")
	// ErrNoLegs is returned when a raw order has no parseable legs
	ErrNoLegs = errors.New("order has no legs")
	// ErrNotFilled is returned by NormalizeAll bookkeeping for orders that are not filled
	ErrNotFilled = errors.New("order is not filled")
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	models.ExpirationLayout,
}

// Normalizer converts RawOrder records into models.Order. Field-level parse failures are
// degraded to documented defaults and recorded in the diagnostics sink.
type Normalizer struct {
	diag *models.Diagnostics
}

// NewNormalizer creates a normalizer recording into diag (may be nil).
func NewNormalizer(diag *models.Diagnostics) *Normalizer {
	return &Normalizer{diag: diag}
}

// Normalize converts one raw record.
func (n *Normalizer) Normalize(raw models.RawOrder) (models.Order, error) {
	var o models.Order

	o.ID = firstString(raw, "id", "order_id")
	if o.ID == "" {
		return o, ErrMissingID
	}

	ts, ok := n.parseTimestamp(raw, o.ID, "created_at", "updated_at", "last_transaction_at")
	if !ok {
		return o, fmt.Errorf("order %s: %w", o.ID, ErrMissingTimestamp)
	}
	o.CreatedAt = ts

	o.Symbol = strings.ToUpper(firstString(raw, "chain_symbol", "underlying_symbol", "symbol"))
	o.State = models.OrderState(strings.ToLower(firstString(raw, "state", "status")))
	o.Direction = parseDirection(firstString(raw, "direction"))
	o.Premium = n.decimalField(raw, o.ID, decimal.Zero, "processed_premium", "premium", "net_amount").Abs()
	o.LongStrategyCode = firstString(raw, "long_strategy_code")
	o.ShortStrategyCode = firstString(raw, "short_strategy_code")
	o.FormSource = firstString(raw, "form_source")
	o.StrategyLabel = firstString(raw, "strategy", "opening_strategy", "closing_strategy")

	for i, rl := range legList(raw["legs"]) {
		legMap, ok := asMap(rl)
		if !ok {
			n.diag.Record(models.DiagMalformedLeg, o.ID, "leg %d is not an object", i)
			continue
		}
		leg, err := n.normalizeLeg(o.ID, i, legMap)
		if err != nil {
			n.diag.Record(models.DiagMalformedLeg, o.ID, "leg %d: %v", i, err)
			continue
		}
		o.Legs = append(o.Legs, leg)
	}
	if len(o.Legs) == 0 {
		return o, fmt.Errorf("order %s: %w", o.ID, ErrNoLegs)
	}

	if o.Symbol == "" {
		n.diag.Record(models.DiagParseDefault, o.ID, "missing symbol")
	}
	n.checkLabel(o)
	return o, nil
}

func (n *Normalizer) normalizeLeg(orderID string, idx int, raw map[string]any) (models.Leg, error) {
	var leg models.Leg

	strike, ok := rawDecimal(firstValue(raw, "strike_price", "strike"))
	if !ok || !strike.IsPositive() {
		return leg, fmt.Errorf("missing or invalid strike")
	}
	leg.Strike = strike

	expStr := firstString(raw, "expiration_date", "expiration")
	exp, err := parseDate(expStr)
	if err != nil {
		return leg, fmt.Errorf("invalid expiration %q", expStr)
	}
	leg.Expiration = exp

	leg.OptionType = models.OptionType(strings.ToLower(firstString(raw, "option_type", "type")))
	leg.Side, leg.PositionEffect = parseSideAndEffect(
		firstString(raw, "side"), firstString(raw, "position_effect"))

	qty, ok := rawDecimal(firstValue(raw, "quantity"))
	if !ok || !qty.IsPositive() {
		n.diag.Record(models.DiagParseDefault, orderID, "leg %d quantity defaulted to 1", idx)
		qty = decimal.NewFromInt(1)
	}
	leg.Quantity = qty

	if v := firstValue(raw, "price", "average_price"); v != nil {
		price, ok := rawDecimal(v)
		if !ok {
			n.diag.Record(models.DiagParseDefault, orderID, "leg %d price unparseable, ignored", idx)
		} else {
			leg.Price = price.Abs()
		}
	}

	leg.LongStrategyCode = firstString(raw, "long_strategy_code")
	leg.ShortStrategyCode = firstString(raw, "short_strategy_code")
	return leg, nil
}

func (n *Normalizer) parseTimestamp(raw models.RawOrder, orderID string, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		s := firstString(raw, k)
		if s == "" {
			continue
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		n.diag.Record(models.DiagParseDefault, orderID, "unparseable %s %q", k, s)
	}
	return time.Time{}, false
}

func (n *Normalizer) decimalField(raw models.RawOrder, orderID string, def decimal.Decimal, keys ...string) decimal.Decimal {
	v := firstValue(raw, keys...)
	if v == nil {
		return def
	}
	d, ok := rawDecimal(v)
	if !ok {
		n.diag.Record(models.DiagParseDefault, orderID, "unparseable %s value %v, using %s", keys[0], v, def)
		return def
	}
	return d
}

// checkLabel compares the advisory free-text strategy label with the authoritative leg
// position effects and records a conflict when they disagree.
func (n *Normalizer) checkLabel(o models.Order) {
	if !labelSuggestsOpen(o.StrategyLabel) {
		return
	}
	for _, leg := range o.Legs {
		if leg.PositionEffect == models.EffectOpen {
			return
		}
	}
	n.diag.Record(models.DiagLabelConflict, o.ID,
		"strategy label %q suggests an opening order but no leg has position_effect=open", o.StrategyLabel)
}

// NormalizeAll normalizes a batch, skipping malformed and non-filled records, and returns
// the result sorted chronologically.
func NormalizeAll(raws []models.RawOrder, diag *models.Diagnostics) []models.Order {
	n := NewNormalizer(diag)
	out := make([]models.Order, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		o, err := n.Normalize(raw)
		if err != nil {
			diag.Record(models.DiagMalformedOrder, o.ID, "%v", err)
			continue
		}
		if !o.IsFilled() {
			diag.Record(models.DiagSkippedState, o.ID, "%v: state %q", ErrNotFilled, o.State)
			continue
		}
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		out = append(out, o)
	}
	models.SortOrders(out)
	return out
}

func labelSuggestsOpen(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return false
	}
	l = strings.NewReplacer("_", " ", "-", " ").Replace(l)
	if !strings.Contains(l, "put") && !strings.Contains(l, "call") {
		return false
	}
	return strings.HasPrefix(l, "sell ") || strings.HasPrefix(l, "short ")
}

func parseDirection(s string) models.Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "credit":
		return models.DirectionCredit
	case "debit":
		return models.DirectionDebit
	default:
		return ""
	}
}

// parseSideAndEffect accepts plain sides ("sell") and combined broker forms
// ("sell_to_open") where the effect is embedded in the side.
func parseSideAndEffect(side, effect string) (models.Side, models.PositionEffect) {
	s := strings.ToLower(strings.TrimSpace(side))
	e := strings.ToLower(strings.TrimSpace(effect))
	if parts := strings.SplitN(s, "_to_", 2); len(parts) == 2 {
		s = parts[0]
		if e == "" {
			e = parts[1]
		}
	}
	switch e {
	case "opening":
		e = "open"
	case "closing":
		e = "close"
	}
	return models.Side(s), models.PositionEffect(e)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) >= len(models.ExpirationLayout) {
		if t, err := time.Parse(models.ExpirationLayout, s[:len(models.ExpirationLayout)]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing date %q", s)
}

func firstValue(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func rawDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func legList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	default:
		return nil
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case models.RawOrder:
		return m, true
	default:
		return nil, false
	}
}
