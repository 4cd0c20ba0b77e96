package chains

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

var (
	// ErrEmptyChain is returned when a candidate has no orders
	ErrEmptyChain = errors.New("chain has no orders")
	// ErrBadStart is returned when the first order cannot start a chain
	ErrBadStart = errors.New("chain does not start with an opening order")
	// ErrUnmatchedClose is returned when a close leg does not reverse a tracked open position
	ErrUnmatchedClose = errors.New("close does not match an open position")
	// ErrNoClose is returned when an order after the start closes nothing
	ErrNoClose = errors.New("order after the start closes nothing")
	// ErrClosedEarly is returned when orders follow a fully closed chain
	ErrClosedEarly = errors.New("orders follow a fully closed chain")
)

// Validate checks a chronologically ordered candidate against the chain grammar
//
//	open, [close+open]*, close?
//
// The first order must be a pure opener; each later order must close something currently
// open and may open a replacement. A pure closer may appear before the end only while
// exposure remains (e.g. one side of a strangle closed first). With partial set, the
// first order may itself be a roll whose closes refer to positions outside the chain.
func Validate(chain []models.Order, a *orders.Analysis, partial bool) error {
	if len(chain) == 0 {
		return ErrEmptyChain
	}

	bk := newBook()
	first := a.Of(chain[0])
	switch first.Kind() {
	case orders.KindOpener:
	case orders.KindRoll:
		if !partial {
			return fmt.Errorf("order %s is a roll: %w", chain[0].ID, ErrBadStart)
		}
	default:
		return fmt.Errorf("order %s is a %s: %w", chain[0].ID, first.Kind(), ErrBadStart)
	}
	bk.add(chain[0].ID, first.Opens)

	for _, o := range chain[1:] {
		if bk.empty() {
			return fmt.Errorf("order %s: %w", o.ID, ErrClosedEarly)
		}
		eff := a.Of(o)
		if len(eff.Closes) == 0 {
			return fmt.Errorf("order %s: %w", o.ID, ErrNoClose)
		}
		if !bk.canClose(eff.Closes) {
			return fmt.Errorf("order %s: %w", o.ID, ErrUnmatchedClose)
		}
		bk.remove(eff.Closes)
		bk.add(o.ID, eff.Opens)
	}
	return nil
}

// HasOpenAndClose is the relaxed presence check: at least one open leg and at least one
// close leg somewhere in the candidate.
func HasOpenAndClose(chain []models.Order, a *orders.Analysis) bool {
	var opens, closes bool
	for _, o := range chain {
		eff := a.Of(o)
		opens = opens || len(eff.Opens) > 0
		closes = closes || len(eff.Closes) > 0
	}
	return opens && closes
}

// replay runs the chain's legs through a book, ignoring closes that match nothing, and
// returns what is still open at the end.
func replay(chain []models.Order, a *orders.Analysis) *book {
	bk := newBook()
	for _, o := range chain {
		eff := a.Of(o)
		bk.remove(eff.Closes)
		bk.add(o.ID, eff.Opens)
	}
	return bk
}

// DetermineStatus derives a chain's status. Closed wins when close legs outnumber open
// legs or the last order only closes. Otherwise the chain is expired when a position
// still held at the end expired strictly before today's date, and active if not.
func DetermineStatus(chain []models.Order, a *orders.Analysis, now time.Time) models.ChainStatus {
	if len(chain) == 0 {
		return models.ChainClosed
	}
	var opens, closes int
	for _, o := range chain {
		eff := a.Of(o)
		opens += len(eff.Opens)
		closes += len(eff.Closes)
	}
	if closes > opens || a.Of(chain[len(chain)-1]).Kind() == orders.KindCloser {
		return models.ChainClosed
	}

	today := now.UTC().Format(models.ExpirationLayout)
	for _, p := range replay(chain, a).positions() {
		if p.Key.Expiration < today {
			return models.ChainExpired
		}
	}
	return models.ChainActive
}
