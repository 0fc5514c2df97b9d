package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, 2024, d.Year())
	assert.Equal(t, time.January, d.Month())
	assert.Equal(t, 15, d.Day())
	assert.Equal(t, time.UTC, d.Location())

	_, err = ParseDate("15/01/2024")
	assert.Error(t, err)

	_, err = ParseDate("")
	assert.Error(t, err)
}

func TestFormatDate(t *testing.T) {
	d := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-05", FormatDate(d))
}

func TestIsWeekday(t *testing.T) {
	// 2024-01-06 is a Saturday, 2024-01-08 a Monday
	sat, _ := ParseDate("2024-01-06")
	sun, _ := ParseDate("2024-01-07")
	mon, _ := ParseDate("2024-01-08")

	assert.False(t, IsWeekday(sat))
	assert.False(t, IsWeekday(sun))
	assert.True(t, IsWeekday(mon))
}

func TestDaysBetween(t *testing.T) {
	a, _ := ParseDate("2024-01-10")
	b, _ := ParseDate("2024-01-20")

	assert.Equal(t, 10, DaysBetween(a, b))
	assert.Equal(t, -10, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a))
}

func TestMinMaxDate(t *testing.T) {
	a, _ := ParseDate("2024-01-10")
	b, _ := ParseDate("2024-01-20")

	assert.Equal(t, a, MinDate(a, b))
	assert.Equal(t, b, MaxDate(a, b))
}
