package scheduler

import (
	"time"

	"github.com/cadencehq/cadence/internal/domain"
)

// sendLocation resolves the timezone a lead's send window is evaluated in:
// the lead's own timezone when known, else the window's configured zone,
// else UTC. Unparseable names fall through rather than blocking the send.
func sendLocation(lead *domain.Lead, bh *domain.BusinessHours) *time.Location {
	if tz, ok := lead.Metadata["timezone"].(string); ok && tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if bh != nil && bh.Timezone != "" {
		if loc, err := time.LoadLocation(bh.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// withinHours reports whether t falls inside the campaign's send window,
// judged by t's own wall clock. A nil window means always.
func withinHours(bh *domain.BusinessHours, t time.Time) bool {
	if bh == nil {
		return true
	}
	if len(bh.AllowedDays) > 0 && !dayAllowed(bh, t.Weekday()) {
		return false
	}
	h := t.Hour()
	return h >= bh.StartHour && h < bh.EndHour
}

// nextWindow returns the earliest time at or after t inside the window.
func nextWindow(bh *domain.BusinessHours, t time.Time) time.Time {
	if bh == nil {
		return t
	}
	// Walk at most a week of day candidates.
	for i := 0; i < 8; i++ {
		day := t.AddDate(0, 0, i)
		if len(bh.AllowedDays) > 0 && !dayAllowed(bh, day.Weekday()) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), bh.StartHour, 0, 0, 0, t.Location())
		if i == 0 && t.Hour() >= bh.StartHour && t.Hour() < bh.EndHour {
			return t
		}
		if open.After(t) {
			return open
		}
	}
	return t
}

func dayAllowed(bh *domain.BusinessHours, d time.Weekday) bool {
	for _, allowed := range bh.AllowedDays {
		if time.Weekday(allowed) == d {
			return true
		}
	}
	return false
}
