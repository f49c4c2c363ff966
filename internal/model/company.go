package model

import "time"

// Limit is a nullable send limit. A nil limit means unlimited; a value of
// zero or below means sending is disabled entirely.
type Limit *int

// LimitOf returns a Limit holding n.
func LimitOf(n int) Limit {
	return &n
}

// LimitValue unwraps a Limit, reporting whether it is set.
func LimitValue(l Limit) (int, bool) {
	if l == nil {
		return 0, false
	}
	return *l, true
}

// Company is the owning account for campaigns, routes and provider
// configurations. Send limits are enforced per company by the rate limiter.
type Company struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"cid,omitempty"`
	Name         string     `json:"name"`
	Paid         bool       `json:"paid"`
	Paused       bool       `json:"paused"`
	Banned       bool       `json:"banned"`
	InReview     bool       `json:"inreview"`
	TrialEnd     *time.Time `json:"trialend,omitempty"`
	TZOffsetMins int        `json:"tzoffset"`

	MinuteLimit  Limit `json:"minlimit,omitempty"`
	HourLimit    Limit `json:"hourlimit,omitempty"`
	DayLimit     Limit `json:"daylimit,omitempty"`
	MonthLimit   Limit `json:"monthlimit,omitempty"`
	PerSendLimit Limit `json:"persendlimit,omitempty"`

	Routes []string `json:"routes,omitempty"`
}

// LocalSendDay returns the day-of-month bucket used for daily counters.
// The accounting day rolls over at 07:00 company-local time, so early-morning
// sends are charged against the previous day.
func (c *Company) LocalSendDay(now time.Time) time.Time {
	local := now.UTC().Add(time.Duration(c.TZOffsetMins) * time.Minute)
	if local.Hour() < 7 {
		local = local.AddDate(0, 0, -1)
	}
	return local
}

// TrialExpired reports whether an unpaid company's trial has ended.
func (c *Company) TrialExpired(now time.Time) bool {
	if c.Paid || c.TrialEnd == nil {
		return false
	}
	return c.TrialEnd.Before(now.UTC())
}
