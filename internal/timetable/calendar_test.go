package timetable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandWorkingDays(t *testing.T) {
	// 2025-09-01 is a Monday.
	rules := CalendarRules{
		RestDays:  []time.Weekday{time.Saturday, time.Sunday},
		Holidays:  []time.Time{day(2)},
		ShortDays: []time.Time{day(4).Add(9 * time.Hour)},
	}

	days := ExpandWorkingDays(day(0), day(7), rules)

	require.Len(t, days, 5)
	assert.Equal(t, day(0), days[0].Date)
	assert.Equal(t, day(1), days[1].Date)
	assert.Equal(t, day(3), days[2].Date)
	assert.Equal(t, day(4), days[3].Date)
	assert.True(t, days[3].Short)
	assert.Equal(t, day(7), days[4].Date)
	assert.False(t, days[4].Short)
}

func TestExpandWorkingDaysEmptyRange(t *testing.T) {
	assert.Nil(t, ExpandWorkingDays(day(3), day(1), CalendarRules{}))
}
