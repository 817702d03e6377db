package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/pkg/broker"
)

func TestMatchesQueue(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		queue    string
		want     bool
	}{
		{"no filters", Criteria{}, "anything", true},
		{"world prefix", Criteria{World: "W"}, "W.ctr.init", true},
		{"other world", Criteria{World: "W"}, "Wx.ctr.init", false},
		{"glob", Criteria{NameGlob: "*.init"}, "W.ctr.init", true},
		{"glob miss", Criteria{NameGlob: "*.init"}, "W.ctr.1234", false},
		{"world and glob", Criteria{World: "W", NameGlob: "W.ctr.*"}, "W.ctr.init", true},
		{"malformed glob", Criteria{NameGlob: "["}, "W.ctr.init", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.MatchesQueue(broker.QueueInfo{Name: tt.queue}))
		})
	}
}

func TestMatchesEvent(t *testing.T) {
	base := printer.EventLine{World: "W", Name: "ctr"}

	def := base
	def.Default = true
	self := base
	self.FromSelf = true

	assert.True(t, (&Criteria{}).MatchesEvent(def))
	assert.False(t, (&Criteria{SkipDefault: true}).MatchesEvent(def))
	assert.True(t, (&Criteria{SkipDefault: true}).MatchesEvent(base))
	assert.False(t, (&Criteria{SkipSelf: true}).MatchesEvent(self))
	assert.False(t, (&Criteria{World: "Other"}).MatchesEvent(base))
	assert.True(t, (&Criteria{NameGlob: "c*"}).MatchesEvent(base))
}

func TestQueues(t *testing.T) {
	c := Criteria{World: "W"}
	in := []broker.QueueInfo{{Name: "W.a.init"}, {Name: "X.a.init"}, {Name: "W.b.1"}}

	out := c.Queues(in)
	assert.Equal(t, []broker.QueueInfo{{Name: "W.a.init"}, {Name: "W.b.1"}}, out)
	assert.Nil(t, c.Queues(nil))
}

func TestHasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{SkipSelf: true}).HasFilters())
	assert.True(t, (&Criteria{NameGlob: "*"}).HasFilters())
}
