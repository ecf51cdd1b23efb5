package debounce

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
)

func TestGateSuppressesRepeatWithinCooldown(t *testing.T) {
	mock := clock.NewMock()
	g := NewGate(time.Second)
	abc := query.Parse("abc")

	assert.True(t, g.Admit(abc, mock.Now()))

	mock.Add(500 * time.Millisecond)
	assert.False(t, g.Admit(abc, mock.Now()))

	mock.Add(700 * time.Millisecond)
	assert.True(t, g.Admit(abc, mock.Now()), "1.2s after the first admission")
}

func TestGateRejectionDoesNotRefreshTimestamp(t *testing.T) {
	mock := clock.NewMock()
	g := NewGate(time.Second)
	abc := query.Parse("abc")

	assert.True(t, g.Admit(abc, mock.Now()))
	mock.Add(900 * time.Millisecond)
	assert.False(t, g.Admit(abc, mock.Now()))

	mock.Add(100 * time.Millisecond)
	assert.True(t, g.Admit(abc, mock.Now()), "exactly one cooldown later")
}

func TestGateAdmitsDifferentText(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewGate(time.Second)

	assert.True(t, g.Admit(query.Parse("abc"), now))
	assert.True(t, g.Admit(query.Parse("abd"), now))
	assert.True(t, g.Admit(query.Parse("abc"), now), "previous text is now abd")
}

func TestGateComparesTextNotTags(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewGate(time.Second)

	assert.True(t, g.Admit(query.Parse("abc", "iso"), now))
	assert.False(t, g.Admit(query.Parse("abc", "video"), now), "same text, different tag filter")
	assert.True(t, g.Admit(query.Parse("abc "), now), "trailing space is different text")
}

func TestGateFirstQueryAtZeroTime(t *testing.T) {
	g := NewGate(0)
	assert.False(t, g.HasAdmitted())
	assert.True(t, g.Admit(query.Parse(""), time.Time{}))
	assert.True(t, g.HasAdmitted())
}
