package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/counter"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// fixed at 15:00 UTC so the local accounting day is stable in every test
var testNow = time.Date(2025, 6, 15, 15, 0, 0, 0, time.UTC)

func newTestLimiter() (*Limiter, *counter.Memory) {
	mem := counter.NewMemory()
	mem.Now = func() time.Time { return testNow }
	l := New(mem)
	l.now = func() time.Time { return testNow }
	return l, mem
}

func company(mut ...func(*model.Company)) *model.Company {
	c := &model.Company{ID: "c1"}
	for _, f := range mut {
		f(c)
	}
	return c
}

func TestCheckSendLimitUnlimited(t *testing.T) {
	l, _ := newTestLimiter()
	got, err := l.CheckSendLimit(context.Background(), company(), "r1", "gmail.com", nil, 500)
	require.NoError(t, err)
	assert.Equal(t, 500, got)
}

func TestCheckSendLimitWindows(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()
	c := company(func(c *model.Company) {
		c.HourLimit = model.LimitOf(100)
	})

	got, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 70)
	require.NoError(t, err)
	assert.Equal(t, 70, got)

	got, err = l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 70)
	require.NoError(t, err)
	assert.Equal(t, 30, got, "second grant limited to remaining headroom")

	got, err = l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 70)
	require.NoError(t, err)
	assert.Equal(t, 0, got, "window exhausted")
}

func TestCheckSendLimitShortCircuits(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLimiter()

	cases := []struct {
		name string
		c    *model.Company
	}{
		{"paused", company(func(c *model.Company) { c.Paused = true })},
		{"banned", company(func(c *model.Company) { c.Banned = true })},
		{"in review", company(func(c *model.Company) { c.InReview = true })},
		{"zero day limit", company(func(c *model.Company) { c.DayLimit = model.LimitOf(0) })},
		{"expired trial", company(func(c *model.Company) {
			end := testNow.Add(-time.Hour)
			c.TrialEnd = &end
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.CheckSendLimit(ctx, tc.c, "r1", "gmail.com", nil, 10)
			require.NoError(t, err)
			assert.Equal(t, 0, got)

			_, ok, err := mem.Get(ctx, "sendrateday-c1:15")
			require.NoError(t, err)
			assert.False(t, ok, "short circuit must not touch counters")
		})
	}
}

func TestCheckSendLimitPerSendCap(t *testing.T) {
	l, _ := newTestLimiter()
	c := company(func(c *model.Company) {
		c.PerSendLimit = model.LimitOf(25)
	})
	got, err := l.CheckSendLimit(context.Background(), c, "r1", "gmail.com", nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 25, got)

	t.Run("zero cap leaves windows untouched", func(t *testing.T) {
		ctx := context.Background()
		l, mem := newTestLimiter()
		c := company(func(c *model.Company) {
			c.PerSendLimit = model.LimitOf(0)
		})
		got, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 100)
		require.NoError(t, err)
		assert.Equal(t, 0, got)

		_, ok, err := mem.Get(ctx, "sendratemin-c1:0")
		require.NoError(t, err)
		assert.False(t, ok, "zero grant must not write counters")
	})
}

func TestCheckSendLimitCredits(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLimiter()
	c := company(func(c *model.Company) { c.Paid = true })

	t.Run("no credits means no sends", func(t *testing.T) {
		got, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, got)
	})

	require.NoError(t, l.AddCredits(ctx, "c1", 30, 50))

	t.Run("capped by total balance", func(t *testing.T) {
		got, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 100)
		require.NoError(t, err)
		assert.Equal(t, 80, got)
	})

	t.Run("current pool debited first then expiring", func(t *testing.T) {
		cur, _, err := mem.Get(ctx, "credits-c1")
		require.NoError(t, err)
		exp, _, err := mem.Get(ctx, "credits_expire-c1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), cur)
		assert.Equal(t, int64(0), exp)
	})
}

func TestCheckSendLimitCreditOverflow(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLimiter()
	c := company(func(c *model.Company) { c.Paid = true })
	require.NoError(t, l.AddCredits(ctx, "c1", 10, 40))

	got, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 25)
	require.NoError(t, err)
	assert.Equal(t, 25, got)

	cur, _, _ := mem.Get(ctx, "credits-c1")
	exp, _, _ := mem.Get(ctx, "credits_expire-c1")
	assert.Equal(t, int64(0), cur)
	assert.Equal(t, int64(25), exp)
}

func TestCheckSendLimitDomainThrottle(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()
	c := company()
	throttles := []model.DomainThrottle{
		{RouteID: "r1", Active: true, Domains: "yahoo.* aol.com", HourLimit: model.LimitOf(10)},
	}

	t.Run("matching domain throttled", func(t *testing.T) {
		got, err := l.CheckSendLimit(ctx, c, "r1", "yahoo.fr", throttles, 50)
		require.NoError(t, err)
		assert.Equal(t, 10, got)
	})

	t.Run("other domains unaffected", func(t *testing.T) {
		got, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", throttles, 50)
		require.NoError(t, err)
		assert.Equal(t, 50, got)
	})

	t.Run("other routes unaffected", func(t *testing.T) {
		got, err := l.CheckSendLimit(ctx, c, "r2", "yahoo.fr", throttles, 50)
		require.NoError(t, err)
		assert.Equal(t, 50, got)
	})
}

func TestResolveThrottles(t *testing.T) {
	throttles := []model.DomainThrottle{
		{RouteID: "r1", Active: true, Domains: "*.com", HourLimit: model.LimitOf(100), DayLimit: model.LimitOf(1000)},
		{RouteID: "r1", Active: true, Domains: "*.com", HourLimit: model.LimitOf(60)},
		{RouteID: "r1", Active: true, Domains: "gmail.com", HourLimit: model.LimitOf(200)},
		{RouteID: "r1", Active: false, Domains: "gmail.com", HourLimit: model.LimitOf(1)},
	}

	t.Run("exact overrides lower glob", func(t *testing.T) {
		dl := resolveThrottles(throttles, "r1", "gmail.com")
		v, ok := model.LimitValue(dl.hour)
		require.True(t, ok)
		assert.Equal(t, 200, v)
	})

	t.Run("glob class takes the most restrictive", func(t *testing.T) {
		dl := resolveThrottles(throttles, "r1", "example.com")
		v, ok := model.LimitValue(dl.hour)
		require.True(t, ok)
		assert.Equal(t, 60, v)
	})

	t.Run("exact class inherits unset fields from glob", func(t *testing.T) {
		dl := resolveThrottles(throttles, "r1", "gmail.com")
		v, ok := model.LimitValue(dl.day)
		require.True(t, ok)
		assert.Equal(t, 1000, v)
	})

	t.Run("inactive throttles ignored", func(t *testing.T) {
		dl := resolveThrottles(throttles[3:], "r1", "gmail.com")
		assert.Nil(t, dl.hour)
	})
}

func TestCheckSendLimitDayLimitHitMarker(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()
	c := company(func(c *model.Company) { c.DayLimit = model.LimitOf(40) })

	_, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 40)
	require.NoError(t, err)

	_, hit, err := l.Usage(ctx, c)
	require.NoError(t, err)
	assert.True(t, hit, "crossing the day limit records the limit-hit marker")
}

func TestUsage(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()
	c := company()

	_, err := l.CheckSendLimit(ctx, c, "r1", "gmail.com", nil, 12)
	require.NoError(t, err)

	sent, hit, err := l.Usage(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 12, sent)
	assert.False(t, hit)
}
