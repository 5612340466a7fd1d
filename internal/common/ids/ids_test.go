package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	m := NewMapper("")
	for _, id := range []string{"1234", "100", "A12", "stop-9"} {
		feed := m.ToFeedID(id)
		assert.Equal(t, "1_"+id, feed)
		assert.Equal(t, id, m.ToScheduleID(feed))
	}
}

func TestIdempotent(t *testing.T) {
	m := NewMapper("1")
	assert.Equal(t, "1_55", m.ToFeedID(m.ToFeedID("55")))
	assert.Equal(t, "55", m.ToScheduleID(m.ToScheduleID("1_55")))
	assert.Equal(t, "55", m.ToScheduleID("55"))
	assert.Equal(t, "", m.ToFeedID(""))
}

func TestOtherAgency(t *testing.T) {
	m := NewMapper("40")
	assert.Equal(t, "40_7", m.ToFeedID("7"))
	assert.Equal(t, "1_7", m.ToScheduleID("1_7"))
}

func TestToScheduleIDs(t *testing.T) {
	m := NewMapper("1")
	assert.Equal(t, []string{"10", "20"}, m.ToScheduleIDs([]string{"1_10", "10", "", "1_20"}))
}
