package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGranularity_PeriodKey(t *testing.T) {
	ts := time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, "2026-03-14", Daily.PeriodKey(ts))
	assert.Equal(t, "2026-03", Monthly.PeriodKey(ts))

	// Keys are always UTC.
	tokyo := time.FixedZone("JST", 9*3600)
	local := time.Date(2026, 4, 1, 8, 0, 0, 0, tokyo)
	assert.Equal(t, "2026-03-31", Daily.PeriodKey(local))
	assert.Equal(t, "2026-03", Monthly.PeriodKey(local))
}

func TestGranularity_PreviousPeriodKey(t *testing.T) {
	cases := []struct {
		g    Granularity
		now  time.Time
		want string
	}{
		{Daily, time.Date(2026, 3, 14, 0, 5, 0, 0, time.UTC), "2026-03-13"},
		{Daily, time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC), "2026-02-28"},
		{Daily, time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC), "2024-02-29"},
		{Daily, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "2026-12-31"},
		{Monthly, time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC), "2026-02"},
		{Monthly, time.Date(2027, 1, 1, 0, 5, 0, 0, time.UTC), "2026-12"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.g.PreviousPeriodKey(tc.now), "%s at %s", tc.g, tc.now)
	}
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("monthly")
	assert.NoError(t, err)
	assert.Equal(t, Monthly, g)

	_, err = ParseGranularity("hourly")
	assert.Error(t, err)
}
