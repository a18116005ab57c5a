package scheduler

import (
	"time"

	"github.com/rs/zerolog"
)

// MarketHoursService answers whether US equity markets are open for the
// trigger cycles. Order submission itself is not gated here since the
// gateway queues market orders placed outside trading hours.
type MarketHoursService struct {
	location *time.Location
	holidays map[string]bool
	log      zerolog.Logger
}

// NewMarketHoursService creates a market hours service for NYSE/NASDAQ
func NewMarketHoursService(log zerolog.Logger) *MarketHoursService {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
		log.Warn().Err(err).Msg("America/New_York tzdata unavailable, falling back to UTC")
	}

	s := &MarketHoursService{
		location: loc,
		holidays: make(map[string]bool),
		log:      log.With().Str("component", "market_hours").Logger(),
	}

	// Full-day US market holidays. Early-close half days are treated as
	// regular sessions; the conservative window below already excludes the
	// late afternoon.
	for _, d := range []string{
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03",
		"2026-05-25", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
		"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26",
		"2027-05-31", "2027-07-05", "2027-09-06", "2027-11-25", "2027-12-24",
	} {
		s.holidays[d] = true
	}
	return s
}

// IsOpen reports whether the market is in its core trading window at t.
// The window is 09:30 to 16:00 Eastern on non-holiday weekdays.
func (s *MarketHoursService) IsOpen(t time.Time) bool {
	local := t.In(s.location)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	if s.holidays[local.Format("2006-01-02")] {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// IsOpenNow reports whether the market is open at the current time
func (s *MarketHoursService) IsOpenNow() bool {
	return s.IsOpen(time.Now())
}
