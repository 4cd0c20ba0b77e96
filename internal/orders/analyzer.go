package orders

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// Kind classifies an order by the position effects of its valid legs.
type Kind int

const (
	// KindEmpty has no valid legs and is discarded
	KindEmpty Kind = iota
	// KindOpener only opens positions
	KindOpener
	// KindCloser only closes positions
	KindCloser
	// KindRoll closes and opens in the same order
	KindRoll
)

func (k Kind) String() string {
	switch k {
	case KindOpener:
		return "opener"
	case KindCloser:
		return "closer"
	case KindRoll:
		return "roll"
	default:
		return "empty"
	}
}

// LegRef is a validated leg reduced to what position tracking needs.
type LegRef struct {
	Key      models.ContractKey
	Side     models.Side
	Quantity decimal.Decimal
	Index    int
}

// Effects splits an order's valid legs into opens and closes.
type Effects struct {
	OrderID string
	Opens   []LegRef
	Closes  []LegRef
}

// Kind returns the order classification.
func (e Effects) Kind() Kind {
	switch {
	case len(e.Opens) > 0 && len(e.Closes) > 0:
		return KindRoll
	case len(e.Opens) > 0:
		return KindOpener
	case len(e.Closes) > 0:
		return KindCloser
	default:
		return KindEmpty
	}
}

// ValidateLeg checks that a leg can take part in position tracking.
func ValidateLeg(l models.Leg) error {
	var errs []error
	if !l.OptionType.Valid() {
		errs = append(errs, fmt.Errorf("option type %q", l.OptionType))
	}
	if !l.Side.Valid() {
		errs = append(errs, fmt.Errorf("side %q", l.Side))
	}
	if !l.PositionEffect.Valid() {
		errs = append(errs, fmt.Errorf("position effect %q", l.PositionEffect))
	}
	if !l.Strike.IsPositive() {
		errs = append(errs, fmt.Errorf("strike %s", l.Strike))
	}
	if l.Expiration.IsZero() {
		errs = append(errs, errors.New("missing expiration"))
	}
	if !l.Quantity.IsPositive() {
		errs = append(errs, fmt.Errorf("quantity %s", l.Quantity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid leg: %w", errors.Join(errs...))
	}
	return nil
}

// Analyze classifies every leg of o. Malformed legs are skipped and recorded in d.
func Analyze(o models.Order, d *models.Diagnostics) Effects {
	eff := Effects{OrderID: o.ID}
	for i, leg := range o.Legs {
		if err := ValidateLeg(leg); err != nil {
			d.Record(models.DiagMalformedLeg, o.ID, "leg %d: %v", i, err)
			continue
		}
		ref := LegRef{Key: leg.Key(), Side: leg.Side, Quantity: leg.Quantity, Index: i}
		if leg.PositionEffect == models.EffectOpen {
			eff.Opens = append(eff.Opens, ref)
		} else {
			eff.Closes = append(eff.Closes, ref)
		}
	}
	return eff
}

// Analysis caches Effects per order id for one detection run.
type Analysis struct {
	diag    *models.Diagnostics
	effects map[string]Effects
}

// NewAnalysis creates an empty per-run cache.
func NewAnalysis(d *models.Diagnostics) *Analysis {
	return &Analysis{diag: d, effects: make(map[string]Effects)}
}

// Of returns the effects of o, analyzing it on first use.
func (a *Analysis) Of(o models.Order) Effects {
	if eff, ok := a.effects[o.ID]; ok {
		return eff
	}
	eff := Analyze(o, a.diag)
	a.effects[o.ID] = eff
	return eff
}
