package mock

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

var start = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func TestHistoryGenerator_ChainShape(t *testing.T) {
	g := NewHistoryGenerator(start)
	raws, want := g.Chain("SPY", 0, 3, true, 0)

	if len(raws) != 5 {
		t.Fatalf("Expected opener, 3 rolls and a close, got %d orders", len(raws))
	}
	if len(want.OrderIDs) != 5 || !want.Closed {
		t.Errorf("Unexpected ground truth: %+v", want)
	}

	diag := models.NewDiagnostics(nil)
	normalized := orders.NormalizeAll(raws, diag)
	if len(normalized) != 5 {
		t.Fatalf("Expected every generated order to normalize, got %d (diagnostics: %v)", len(normalized), diag.Entries())
	}

	net := decimal.Zero
	for i, o := range normalized {
		if o.ID != want.OrderIDs[i] {
			t.Errorf("Order %d: expected %s, got %s", i, want.OrderIDs[i], o.ID)
		}
		net = net.Add(o.SignedPremium())
		if !o.Premium.Equal(o.Premium.Round(2)) {
			t.Errorf("Order %s premium %s is not on a penny tick", o.ID, o.Premium)
		}
	}
	if !net.Equal(want.NetPremium) {
		t.Errorf("Expected net premium %s, got %s", want.NetPremium, net)
	}

	a := orders.NewAnalysis(diag)
	if a.Of(normalized[0]).Kind() != orders.KindOpener {
		t.Error("First order should be a pure opener")
	}
	for _, o := range normalized[1:4] {
		if a.Of(o).Kind() != orders.KindRoll {
			t.Errorf("Order %s should be a roll", o.ID)
		}
	}
	if a.Of(normalized[4]).Kind() != orders.KindCloser {
		t.Error("Last order should be a pure closer")
	}
}

func TestHistoryGenerator_History(t *testing.T) {
	g := NewHistoryGenerator(start)
	raws, want := g.History([]string{"SPY", "QQQ"}, 3, 10)

	if len(want) != 6 {
		t.Fatalf("Expected 6 chains, got %d", len(want))
	}
	total := 0
	seen := make(map[string]bool)
	for i, w := range want {
		total += len(w.OrderIDs)
		if len(w.OrderIDs) < 2 || len(w.OrderIDs) > 8 {
			t.Errorf("Chain %d has %d orders", i, len(w.OrderIDs))
		}
		if i%3 != 2 && !w.Closed {
			t.Errorf("Chain %d is not the last of its symbol and must be closed", i)
		}
		for _, id := range w.OrderIDs {
			if seen[id] {
				t.Errorf("Order id %s generated twice", id)
			}
			seen[id] = true
		}
	}
	if total != len(raws) {
		t.Errorf("Expected %d raw orders, got %d", total, len(raws))
	}
}
