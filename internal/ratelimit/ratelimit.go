// Package ratelimit enforces per-company send limits across minute, hour,
// day and month windows, with optional per-domain throttles and a paid-plan
// credit balance. All accounting lives in the shared counter store so every
// drainer instance sees the same windows.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/counter"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// Window TTLs. Bucket names repeat (minute 0-59, day 1-31), so expiry is what
// keeps a stale bucket from bleeding into the next period.
const (
	minuteTTL = time.Minute
	hourTTL   = time.Hour
	dayTTL    = 24 * time.Hour
	monthTTL  = 31 * 24 * time.Hour
)

// Limiter grants send allowances against the shared counters.
type Limiter struct {
	counters counter.Store
	logger   *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// New creates a Limiter on the given counter store.
func New(counters counter.Store) *Limiter {
	return &Limiter{
		counters: counters,
		logger:   slog.Default().With("component", "ratelimit"),
		now:      time.Now,
	}
}

// windows is the per-field resolution of domain throttles for one
// (route, domain) pair.
type domainLimits struct {
	minute model.Limit
	hour   model.Limit
	day    model.Limit
}

// resolveThrottles reduces the active throttles matching the route and
// domain to one limit per window. Exact-domain matches take precedence over
// glob matches; within a class the lowest set value wins per field.
func resolveThrottles(throttles []model.DomainThrottle, routeID, domain string) domainLimits {
	var globbed, exact domainLimits
	for i := range throttles {
		dt := &throttles[i]
		if !dt.Active || dt.RouteID != routeID {
			continue
		}
		exactMatch, globMatch := false, false
		for _, p := range dt.Patterns() {
			if p == domain {
				exactMatch = true
			}
			if model.MatchDomain(p, domain) {
				globMatch = true
			}
		}
		if exactMatch {
			exact.minute = lower(exact.minute, dt.MinuteLimit)
			exact.hour = lower(exact.hour, dt.HourLimit)
			exact.day = lower(exact.day, dt.DayLimit)
		}
		if globMatch {
			globbed.minute = lower(globbed.minute, dt.MinuteLimit)
			globbed.hour = lower(globbed.hour, dt.HourLimit)
			globbed.day = lower(globbed.day, dt.DayLimit)
		}
	}
	if exact.minute != nil {
		globbed.minute = exact.minute
	}
	if exact.hour != nil {
		globbed.hour = exact.hour
	}
	if exact.day != nil {
		globbed.day = exact.day
	}
	return globbed
}

// lower keeps the smaller of two limits, treating nil as unset.
func lower(a, b model.Limit) model.Limit {
	if b == nil {
		return a
	}
	if a == nil || *b < *a {
		return b
	}
	return a
}

func disabled(l model.Limit) bool {
	v, ok := model.LimitValue(l)
	return ok && v <= 0
}

// CheckSendLimit returns how many of the requested sends the company may make
// right now, and debits every applicable window by that amount in a single
// transaction. A zero return with nil error means sending is currently not
// allowed; no counters are touched in that case.
func (l *Limiter) CheckSendLimit(ctx context.Context, company *model.Company, routeID, domain string, throttles []model.DomainThrottle, requested int) (int, error) {
	cid := company.ID
	dl := resolveThrottles(throttles, routeID, domain)

	if disabled(company.MinuteLimit) || disabled(company.HourLimit) ||
		disabled(company.DayLimit) || disabled(company.MonthLimit) ||
		disabled(dl.minute) || disabled(dl.hour) || disabled(dl.day) ||
		company.Paused || company.Banned {
		l.logger.Debug("limit zero or company paused/banned", "cid", cid)
		return 0, nil
	}
	if company.InReview {
		l.logger.Debug("company in review", "cid", cid)
		return 0, nil
	}
	now := l.now()
	if company.TrialExpired(now) {
		l.logger.Debug("trial ended", "cid", cid)
		return 0, nil
	}

	local := now.UTC().Add(time.Duration(company.TZOffsetMins) * time.Minute)
	if local.Hour() < 7 {
		local = local.AddDate(0, 0, -1)
	}

	minKey := fmt.Sprintf("sendratemin-%s:%d", cid, local.Minute())
	hourKey := fmt.Sprintf("sendratehour-%s:%d", cid, local.Hour())
	dayKey := fmt.Sprintf("sendrateday-%s:%d", cid, local.Day())
	monthKey := fmt.Sprintf("sendratemonth-%s:%d", cid, int(local.Month()))
	domainMinKey := fmt.Sprintf("sendratemin-%s-%s-%s:%d", cid, routeID, domain, local.Minute())
	domainHourKey := fmt.Sprintf("sendratehour-%s-%s-%s:%d", cid, routeID, domain, local.Hour())
	domainDayKey := fmt.Sprintf("sendrateday-%s-%s-%s:%d", cid, routeID, domain, local.Day())
	limitHitKey := fmt.Sprintf("limithit-%s:%d", cid, local.Day())
	creditsKey := fmt.Sprintf("credits-%s", cid)
	creditsExpireKey := fmt.Sprintf("credits_expire-%s", cid)

	keys := []string{minKey, hourKey, dayKey, monthKey}
	if dl.minute != nil {
		keys = append(keys, domainMinKey)
	}
	if dl.hour != nil {
		keys = append(keys, domainHourKey)
	}
	if dl.day != nil {
		keys = append(keys, domainDayKey)
	}
	if company.Paid {
		keys = append(keys, creditsKey, creditsExpireKey)
	}

	granted := 0
	err := l.counters.Update(ctx, keys, func(view map[string]int64) (map[string]counter.Op, error) {
		granted = 0
		minCnt := int(view[minKey])
		hourCnt := int(view[hourKey])
		dayCnt := int(view[dayKey])
		monthCnt := int(view[monthKey])
		credits := int(view[creditsKey])
		creditsExpire := int(view[creditsExpireKey])

		dayBelowLimit := false
		if v, ok := model.LimitValue(company.DayLimit); ok {
			dayBelowLimit = dayCnt < v
		}

		type window struct {
			limit model.Limit
			used  int
		}
		windows := []window{
			{company.MinuteLimit, minCnt},
			{company.HourLimit, hourCnt},
			{company.DayLimit, dayCnt},
			{company.MonthLimit, monthCnt},
			{dl.minute, int(view[domainMinKey])},
			{dl.hour, int(view[domainHourKey])},
			{dl.day, int(view[domainDayKey])},
		}

		allowed := requested
		for _, w := range windows {
			v, ok := model.LimitValue(w.limit)
			if !ok {
				continue
			}
			if w.used >= v {
				return nil, nil
			}
			if head := v - w.used; head < allowed {
				allowed = head
			}
		}
		if company.Paid {
			if credits+creditsExpire <= 0 {
				return nil, nil
			}
			if total := credits + creditsExpire; total < allowed {
				allowed = total
			}
		}
		if v, ok := model.LimitValue(company.PerSendLimit); ok && v < allowed {
			allowed = v
		}
		if allowed <= 0 {
			// a +0 write would still refresh the window TTLs
			return nil, nil
		}
		granted = allowed

		writes := map[string]counter.Op{
			minKey:   {Value: int64(minCnt + allowed), TTL: minuteTTL},
			hourKey:  {Value: int64(hourCnt + allowed), TTL: hourTTL},
			dayKey:   {Value: int64(dayCnt + allowed), TTL: dayTTL},
			monthKey: {Value: int64(monthCnt + allowed), TTL: monthTTL},
		}
		if dl.minute != nil {
			writes[domainMinKey] = counter.Op{Value: view[domainMinKey] + int64(allowed), TTL: minuteTTL}
		}
		if dl.hour != nil {
			writes[domainHourKey] = counter.Op{Value: view[domainHourKey] + int64(allowed), TTL: hourTTL}
		}
		if dl.day != nil {
			writes[domainDayKey] = counter.Op{Value: view[domainDayKey] + int64(allowed), TTL: dayTTL}
		}
		if company.Paid {
			// debit the current pool first, then the expiring one
			credits -= allowed
			if credits < 0 {
				creditsExpire += credits
				credits = 0
			}
			writes[creditsKey] = counter.Op{Value: int64(credits)}
			writes[creditsExpireKey] = counter.Op{Value: int64(creditsExpire)}
		}
		if v, ok := model.LimitValue(company.DayLimit); ok && dayBelowLimit && dayCnt+allowed >= v {
			writes[limitHitKey] = counter.Op{Value: now.UTC().Unix(), TTL: dayTTL}
		}
		return writes, nil
	})
	if err != nil {
		return 0, fmt.Errorf("ratelimit: check %s: %w", cid, err)
	}
	if granted > 0 {
		l.logger.Debug("granted", "cid", cid, "domain", domain, "requested", requested, "granted", granted)
	}
	return granted, nil
}

// Usage reports the company's current daily send count and whether the day
// limit was hit during the current accounting day.
func (l *Limiter) Usage(ctx context.Context, company *model.Company) (int, bool, error) {
	local := company.LocalSendDay(l.now())
	dayKey := fmt.Sprintf("sendrateday-%s:%d", company.ID, local.Day())
	limitHitKey := fmt.Sprintf("limithit-%s:%d", company.ID, local.Day())

	sent, _, err := l.counters.Get(ctx, dayKey)
	if err != nil {
		return 0, false, err
	}
	_, hit, err := l.counters.Get(ctx, limitHitKey)
	if err != nil {
		return 0, false, err
	}
	return int(sent), hit, nil
}

// AddCredits tops up a company's credit pools. Expiring credits are granted
// with an expectation of periodic replenishment; current credits roll over.
func (l *Limiter) AddCredits(ctx context.Context, cid string, current, expiring int) error {
	creditsKey := fmt.Sprintf("credits-%s", cid)
	creditsExpireKey := fmt.Sprintf("credits_expire-%s", cid)
	return l.counters.Update(ctx, []string{creditsKey, creditsExpireKey}, func(view map[string]int64) (map[string]counter.Op, error) {
		return map[string]counter.Op{
			creditsKey:       {Value: view[creditsKey] + int64(current)},
			creditsExpireKey: {Value: view[creditsExpireKey] + int64(expiring)},
		}, nil
	})
}
