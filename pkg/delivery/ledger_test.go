package delivery

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLedgerCostCap(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger(clk, 1.0, 0)

	if !l.Allows(0.4) {
		t.Fatalf("first charge rejected")
	}
	l.Charge(0.4)
	l.Charge(0.4)
	if l.Allows(0.4) {
		t.Fatalf("charge past the cap allowed")
	}
	if cost, _ := l.Today(); cost != 0.8 {
		t.Fatalf("cost = %v", cost)
	}
}

func TestLedgerMessageCap(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger(clk, 0, 2)
	l.Charge(0)
	l.Charge(0)
	if l.Allows(0) {
		t.Fatalf("third metered message allowed with cap 2")
	}
}

func TestLedgerMidnightRollover(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))
	l := NewLedger(clk, 1.0, 0)
	l.Charge(1.0)
	if l.Allows(0.5) {
		t.Fatalf("cap not enforced")
	}
	reset := l.NextReset()
	if !reset.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("next reset = %v", reset)
	}

	clk.Set(reset.Add(time.Minute))
	if !l.Allows(0.5) {
		t.Fatalf("ledger did not roll over at midnight")
	}
	if cost, msgs := l.Today(); cost != 0 || msgs != 0 {
		t.Fatalf("residue after rollover: %v %v", cost, msgs)
	}
}

func TestLedgerUncapped(t *testing.T) {
	clk := clock.NewMock()
	l := NewLedger(clk, 0, 0)
	for i := 0; i < 1000; i++ {
		if !l.Allows(10) {
			t.Fatalf("uncapped ledger refused")
		}
		l.Charge(10)
	}
}
