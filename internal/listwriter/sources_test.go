package listwriter

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

func writeContactList(t *testing.T, rows []model.Recipient) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw, err := objstore.NewRecipientWriter(&buf, []string{"FirstName"})
	require.NoError(t, err)
	for i := range rows {
		require.NoError(t, bw.Write(&rows[i]))
	}
	require.NoError(t, bw.Flush())
	return buf.Bytes()
}

func TestListSegments(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	objects := objstore.NewMemory()

	list1 := writeContactList(t, []model.Recipient{
		{Email: "a@gmail.com", Fields: map[string]string{"FirstName": "Ann"}},
		{Email: "sup@yahoo.com"},
		{Email: "b@gmail.com"},
	})
	list2 := writeContactList(t, []model.Recipient{
		{Email: "  A@GMAIL.COM "},
		{Email: "c@outlook.com"},
	})
	require.NoError(t, objects.Write(ctx, "data", "contacts/c1/list1.csv", list1))
	require.NoError(t, objects.Write(ctx, "data", "contacts/c1/list2.csv", list2))
	require.NoError(t, st.UpsertSuppression(ctx, "c1", "sup@yahoo.com", model.EventUnsubscribe, time.Now()))

	seg := NewListSegments(st, objects, "data")
	camp := &model.Campaign{ID: "camp1", CompanyID: "c1", Lists: []string{"list1", "list2"}}

	rows, err := seg.Recipients(ctx, "c1", camp, 0, 1)
	require.NoError(t, err)

	emails := make([]string, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, r.Email)
	}
	assert.Equal(t, []string{"a@gmail.com", "b@gmail.com", "c@outlook.com"}, emails,
		"addresses deduplicate case-insensitively and suppressed rows drop")
	assert.Equal(t, "Ann", rows[0].Fields["FirstName"])

	t.Run("shards are disjoint and cover the population", func(t *testing.T) {
		seen := map[string]int{}
		for shard := 0; shard < 4; shard++ {
			part, err := seg.Recipients(ctx, "c1", camp, shard, 4)
			require.NoError(t, err)
			for _, r := range part {
				seen[r.Email]++
			}
		}
		assert.Len(t, seen, 3)
		for email, n := range seen {
			assert.Equal(t, 1, n, email)
		}
	})

	t.Run("missing list fails the partition", func(t *testing.T) {
		bad := &model.Campaign{ID: "camp2", CompanyID: "c1", Lists: []string{"nope"}}
		_, err := seg.Recipients(ctx, "c1", bad, 0, 1)
		assert.Error(t, err)
	})
}

func TestTrackedTemplate(t *testing.T) {
	ctx := context.Background()
	objects := objstore.NewMemory()

	body := `<html><body><p>Hi {{FirstName,default=Friend}}</p>` +
		`<a href="https://example.com/offer?ref={{Ref}}">Go</a>` +
		`<a href="{{!!viewinbrowser}}">View online</a>` +
		`</body></html>`
	require.NoError(t, objects.Write(ctx, "data", "templates/src/c1/camp1.html", []byte(body)))

	r := NewTrackedTemplate(objects, "data")
	html, links, err := r.Render(ctx, &model.Campaign{ID: "camp1", CompanyID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/offer?ref={{Ref}}"}, links)
	assert.Contains(t, html,
		`href="{{!!webroot}}/l?t=a&r={{!!trackingid}}&c=camp1&u={{!!uid}}&l=0&p={{Ref}}"`,
		"body link rewritten to a tracked redirect carrying its parameter")
	assert.Contains(t, html, `href="{{!!viewinbrowser}}"`, "tag-only targets stay untouched")
	assert.NotContains(t, html, `href="https://example.com`, "raw target no longer reachable directly")

	pixelAt := strings.Index(html, `<img src="{{!!webroot}}/l?t=b`)
	require.GreaterOrEqual(t, pixelAt, 0, "open pixel appended")
	assert.Less(t, pixelAt, strings.Index(html, "</body>"), "pixel sits inside the body")
	assert.Contains(t, html, `height="1" width="1"`)

	t.Run("missing template is an error", func(t *testing.T) {
		_, _, err := r.Render(ctx, &model.Campaign{ID: "other", CompanyID: "c1"})
		assert.Error(t, err)
	})
}
