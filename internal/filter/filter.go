package filter

import (
	"path/filepath"
	"strings"

	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/pkg/broker"
)

// Criteria defines filtering criteria for queues and change events.
// All filters are ANDed together - an item must match ALL criteria to pass.
type Criteria struct {
	World       string // Queue names must start with "<World>.", empty = no filter
	NameGlob    string // Glob pattern for the queue or Global name, empty = no filter
	SkipDefault bool   // Drop events carrying a default value
	SkipSelf    bool   // Drop events caused by this process
}

// MatchesQueue returns true if the queue matches all filter criteria.
func (c *Criteria) MatchesQueue(q broker.QueueInfo) bool {
	if c.World != "" && !strings.HasPrefix(q.Name, c.World+".") {
		return false
	}
	return c.matchGlob(q.Name)
}

// MatchesEvent returns true if the change event matches all filter criteria.
func (c *Criteria) MatchesEvent(e printer.EventLine) bool {
	if c.World != "" && e.World != c.World {
		return false
	}
	if c.SkipDefault && e.Default {
		return false
	}
	if c.SkipSelf && e.FromSelf {
		return false
	}
	return c.matchGlob(e.Name)
}

func (c *Criteria) matchGlob(name string) bool {
	if c.NameGlob == "" {
		return true
	}
	matched, err := filepath.Match(c.NameGlob, name)
	return err == nil && matched
}

// Queues returns the queues matching c, preserving order.
func (c *Criteria) Queues(queues []broker.QueueInfo) []broker.QueueInfo {
	var out []broker.QueueInfo
	for _, q := range queues {
		if c.MatchesQueue(q) {
			out = append(out, q)
		}
	}
	return out
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.World != "" ||
		c.NameGlob != "" ||
		c.SkipDefault ||
		c.SkipSelf
}
