package delivery

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Ledger tracks metered spend per calendar day. NORMAL and below defer
// when a send would break the daily cap; CRITICAL ignores it entirely.
type Ledger struct {
	clk clock.Clock

	maxCost float64 // 0 = uncapped
	maxMsgs int     // 0 = uncapped

	day  time.Time // midnight of the day being accounted
	cost float64
	msgs int
}

func NewLedger(clk clock.Clock, maxCost float64, maxMsgs int) *Ledger {
	l := &Ledger{clk: clk, maxCost: maxCost, maxMsgs: maxMsgs}
	l.day = midnight(clk.Now())
	return l
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (l *Ledger) roll() {
	if today := midnight(l.clk.Now()); today.After(l.day) {
		l.day = today
		l.cost = 0
		l.msgs = 0
	}
}

// Allows reports whether a metered send with the projected cost fits under
// today's caps.
func (l *Ledger) Allows(projected float64) bool {
	l.roll()
	if l.maxCost > 0 && l.cost+projected > l.maxCost {
		return false
	}
	if l.maxMsgs > 0 && l.msgs+1 > l.maxMsgs {
		return false
	}
	return true
}

// Charge records one sent message's cost.
func (l *Ledger) Charge(cost float64) {
	l.roll()
	l.cost += cost
	l.msgs++
}

// Today returns the running spend and message count.
func (l *Ledger) Today() (cost float64, msgs int) {
	l.roll()
	return l.cost, l.msgs
}

// NextReset returns the next midnight, when deferred sends become
// eligible again.
func (l *Ledger) NextReset() time.Time {
	l.roll()
	return l.day.AddDate(0, 0, 1)
}
