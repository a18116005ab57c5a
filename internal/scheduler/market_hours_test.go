package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eastern(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestMarketOpenDuringCoreSession(t *testing.T) {
	svc := NewMarketHoursService(zerolog.Nop())
	loc := eastern(t)

	// Tuesday midday
	assert.True(t, svc.IsOpen(time.Date(2026, 9, 1, 12, 0, 0, 0, loc)))

	// Exactly at the open and one minute before the close
	assert.True(t, svc.IsOpen(time.Date(2026, 9, 1, 9, 30, 0, 0, loc)))
	assert.True(t, svc.IsOpen(time.Date(2026, 9, 1, 15, 59, 0, 0, loc)))
}

func TestMarketClosedOutsideSession(t *testing.T) {
	svc := NewMarketHoursService(zerolog.Nop())
	loc := eastern(t)

	// Before the open and at the close
	assert.False(t, svc.IsOpen(time.Date(2026, 9, 1, 9, 29, 0, 0, loc)))
	assert.False(t, svc.IsOpen(time.Date(2026, 9, 1, 16, 0, 0, 0, loc)))

	// Weekend
	assert.False(t, svc.IsOpen(time.Date(2026, 9, 5, 12, 0, 0, 0, loc)))
	assert.False(t, svc.IsOpen(time.Date(2026, 9, 6, 12, 0, 0, 0, loc)))
}

func TestMarketClosedOnHolidays(t *testing.T) {
	svc := NewMarketHoursService(zerolog.Nop())
	loc := eastern(t)

	// Labor Day and Thanksgiving 2026 land on weekdays
	assert.False(t, svc.IsOpen(time.Date(2026, 9, 7, 12, 0, 0, 0, loc)))
	assert.False(t, svc.IsOpen(time.Date(2026, 11, 26, 12, 0, 0, 0, loc)))
}

func TestMarketOpenHandlesUTCInput(t *testing.T) {
	svc := NewMarketHoursService(zerolog.Nop())

	// 18:00 UTC on a September weekday is 14:00 Eastern
	assert.True(t, svc.IsOpen(time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)))

	// 02:00 UTC is the previous evening in New York
	assert.False(t, svc.IsOpen(time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC)))
}
