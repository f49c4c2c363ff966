package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalSendDay(t *testing.T) {
	c := &Company{ID: "c1", TZOffsetMins: -300} // UTC-5

	t.Run("after rollover", func(t *testing.T) {
		// 13:00 UTC = 08:00 local, counts to the same day
		now := time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)
		assert.Equal(t, 10, c.LocalSendDay(now).Day())
	})

	t.Run("before rollover", func(t *testing.T) {
		// 10:00 UTC = 05:00 local, still the previous accounting day
		now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
		assert.Equal(t, 9, c.LocalSendDay(now).Day())
	})

	t.Run("month boundary", func(t *testing.T) {
		now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		d := c.LocalSendDay(now)
		assert.Equal(t, time.February, d.Month())
		assert.Equal(t, 28, d.Day())
	})
}

func TestTrialExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	assert.False(t, (&Company{Paid: true, TrialEnd: &past}).TrialExpired(now))
	assert.False(t, (&Company{TrialEnd: &future}).TrialExpired(now))
	assert.False(t, (&Company{}).TrialExpired(now))
	assert.True(t, (&Company{TrialEnd: &past}).TrialExpired(now))
}

func TestMatchDomain(t *testing.T) {
	cases := []struct {
		pattern, domain string
		want            bool
	}{
		{"gmail.com", "gmail.com", true},
		{"gmail.com", "GMAIL.COM", true},
		{"*.co.uk", "btinternet.co.uk", true},
		{"yahoo.*", "yahoo.fr", true},
		{"*", "anything.example", true},
		{"gmail.com", "hotmail.com", false},
		{"*.co.uk", "gmail.com", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchDomain(tc.pattern, tc.domain),
			"pattern %q domain %q", tc.pattern, tc.domain)
	}
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "gmail.com", EmailDomain("Bob@GMail.com"))
	assert.Equal(t, "", EmailDomain("not-an-address"))
	assert.Equal(t, "", EmailDomain("trailing@"))
}

func TestNormalizeWeights(t *testing.T) {
	t.Run("already 100", func(t *testing.T) {
		assert.Equal(t, []int{60, 40}, NormalizeWeights([]int{60, 40}))
	})
	t.Run("scales up with ceil", func(t *testing.T) {
		assert.Equal(t, []int{34, 67}, NormalizeWeights([]int{1, 2}))
	})
	t.Run("all zero", func(t *testing.T) {
		assert.Equal(t, []int{0, 0}, NormalizeWeights([]int{0, 0}))
	})
	t.Run("negative treated as zero", func(t *testing.T) {
		assert.Equal(t, []int{0, 100}, NormalizeWeights([]int{-5, 10}))
	})
}

func TestCumulativeThresholds(t *testing.T) {
	t.Run("covers the full range", func(t *testing.T) {
		ranges := CumulativeThresholds([]int{34, 67})
		assert.Equal(t, [2]int{0, 34}, ranges[0])
		assert.Equal(t, [2]int{34, 100}, ranges[1])
	})
	t.Run("short total stretched to 100", func(t *testing.T) {
		ranges := CumulativeThresholds([]int{50, 40})
		assert.Equal(t, [2]int{0, 50}, ranges[0])
		assert.Equal(t, [2]int{50, 100}, ranges[1])
	})
	t.Run("zero weight gets empty range", func(t *testing.T) {
		ranges := CumulativeThresholds([]int{0, 100})
		assert.Equal(t, ranges[0][0], ranges[0][1])
		assert.Equal(t, [2]int{0, 100}, ranges[1])
	})
}

func TestPercentBucket(t *testing.T) {
	b := PercentBucket("someone@example.com")
	assert.GreaterOrEqual(t, b, 0)
	assert.Less(t, b, 100)
	assert.Equal(t, b, PercentBucket("someone@example.com"), "bucket must be stable")
}

func TestAllSinksDrained(t *testing.T) {
	assert.False(t, (&Campaign{}).AllSinksDrained())
	assert.False(t, (&Campaign{SinkStatus: map[string]bool{"a": true, "b": false}}).AllSinksDrained())
	assert.True(t, (&Campaign{SinkStatus: map[string]bool{"a": true, "b": true}}).AllSinksDrained())
}

func TestProviderKindBatchable(t *testing.T) {
	assert.True(t, ProviderBulkAPI.Batchable())
	assert.True(t, ProviderTransactional.Batchable())
	assert.True(t, ProviderSink.Batchable())
	assert.False(t, ProviderCloudMailer.Batchable())
	assert.False(t, ProviderRelayAPI.Batchable())
	assert.False(t, ProviderSMTPRelay.Batchable())
}
