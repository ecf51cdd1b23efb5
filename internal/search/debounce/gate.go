// Package debounce suppresses a search that repeats the immediately
// preceding one within a short cooldown.
package debounce

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
)

// DefaultCooldown is the minimum spacing between two dispatches of the same
// query text.
const DefaultCooldown = time.Second

// Gate remembers the last admitted query. It is not safe for concurrent use;
// the coordinator owns it from its event loop.
type Gate struct {
	cooldown time.Duration
	last     query.Query
	lastTime time.Time
	admitted bool
}

// NewGate returns a Gate with the given cooldown. A non-positive cooldown
// falls back to DefaultCooldown.
func NewGate(cooldown time.Duration) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Gate{cooldown: cooldown}
}

// Admit reports whether q may be dispatched at now. A rejection leaves the
// gate unchanged; an admission records q and now.
func (g *Gate) Admit(q query.Query, now time.Time) bool {
	if g.admitted && q.SameText(g.last) && now.Sub(g.lastTime) < g.cooldown {
		return false
	}
	g.last = q
	g.lastTime = now
	g.admitted = true
	return true
}

// HasAdmitted reports whether any query has passed the gate yet.
func (g *Gate) HasAdmitted() bool {
	return g.admitted
}
