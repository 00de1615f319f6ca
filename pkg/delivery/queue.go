package delivery

import (
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
)

// sendQueue is a bounded 5-level priority queue: strict priority between
// levels, FIFO within a level. Entries deferred by the cost ledger stay in
// place with a future eligibility time and are skipped until it passes.
type sendQueue struct {
	lvls [protocol.NumPriorities][]*transmission
	size int
	cap  int
}

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &sendQueue{cap: capacity}
}

func (q *sendQueue) len() int { return q.size }

func (q *sendQueue) full() bool { return q.size >= q.cap }

// push appends the transmission to its level. Callers check full() first;
// push on a full queue reports false.
func (q *sendQueue) push(t *transmission) bool {
	if q.full() {
		return false
	}
	q.lvls[t.priority] = append(q.lvls[t.priority], t)
	q.size++
	return true
}

// requeue re-admits a transmission that already passed the capacity gate
// at Submit; internal rescheduling must never strand an accepted entry.
func (q *sendQueue) requeue(t *transmission) {
	q.lvls[t.priority] = append(q.lvls[t.priority], t)
	q.size++
}

// popEligible removes and returns the highest-priority transmission whose
// eligibility time has passed, scanning levels CRITICAL→BACKGROUND and
// preserving FIFO order within each level.
func (q *sendQueue) popEligible(now time.Time) (*transmission, bool) {
	for lvl := int(protocol.PriorityCritical); lvl >= 0; lvl-- {
		for i, t := range q.lvls[lvl] {
			if t.state.Terminal() {
				// cancelled while queued; drop in place
				q.lvls[lvl] = append(q.lvls[lvl][:i], q.lvls[lvl][i+1:]...)
				q.size--
				return q.popEligible(now)
			}
			if t.notBefore.After(now) {
				continue
			}
			q.lvls[lvl] = append(q.lvls[lvl][:i], q.lvls[lvl][i+1:]...)
			q.size--
			return t, true
		}
	}
	return nil, false
}

// peekPriority returns the priority of the best eligible entry.
func (q *sendQueue) peekPriority(now time.Time) (protocol.Priority, bool) {
	for lvl := int(protocol.PriorityCritical); lvl >= 0; lvl-- {
		for _, t := range q.lvls[lvl] {
			if !t.state.Terminal() && !t.notBefore.After(now) {
				return protocol.Priority(lvl), true
			}
		}
	}
	return 0, false
}

// remove drops a transmission from whatever level holds it.
func (q *sendQueue) remove(id uint32) bool {
	for lvl := range q.lvls {
		for i, t := range q.lvls[lvl] {
			if t.id == id {
				q.lvls[lvl] = append(q.lvls[lvl][:i], q.lvls[lvl][i+1:]...)
				q.size--
				return true
			}
		}
	}
	return false
}

// nextEligibleAt returns the earliest future eligibility time across
// deferred entries, for the wake-deadline computation.
func (q *sendQueue) nextEligibleAt(now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for lvl := range q.lvls {
		for _, t := range q.lvls[lvl] {
			if t.state.Terminal() || !t.notBefore.After(now) {
				continue
			}
			if !found || t.notBefore.Before(best) {
				best = t.notBefore
				found = true
			}
		}
	}
	return best, found
}
