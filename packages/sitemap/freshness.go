package sitemap

import "time"

// FreshnessPolicy decides whether a child sitemap is worth descending into,
// given every date resolved from its entries.
type FreshnessPolicy interface {
	Fresh(dates []time.Time, now time.Time) bool
}

type FreshnessPolicyFunc func(dates []time.Time, now time.Time) bool

func (f FreshnessPolicyFunc) Fresh(dates []time.Time, now time.Time) bool { return f(dates, now) }

// WindowPolicy treats a sitemap as fresh when any one date falls inside the
// trailing window.
type WindowPolicy struct {
	Months int
}

func (p WindowPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, -p.Months, 0)
}

func (p WindowPolicy) Fresh(dates []time.Time, now time.Time) bool {
	cutoff := p.Cutoff(now)
	for _, d := range dates {
		if !d.Before(cutoff) {
			return true
		}
	}
	return false
}
