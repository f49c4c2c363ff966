package listwriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// ListSegments resolves a campaign's recipients from uploaded contact list
// blocks, one CSV block per list id under contacts/<company>/<list>.csv.
// Rows are deduplicated by address, suppression-filtered and sharded by the
// stable percentage hash, so every shard sees a disjoint slice of the same
// population.
type ListSegments struct {
	store   store.Store
	objects objstore.Store
	bucket  string
}

// NewListSegments creates a Segmenter reading contact lists from the given
// bucket.
func NewListSegments(st store.Store, objects objstore.Store, bucket string) *ListSegments {
	return &ListSegments{store: st, objects: objects, bucket: bucket}
}

func (s *ListSegments) Recipients(ctx context.Context, cid string, camp *model.Campaign, shard, shards int) ([]model.Recipient, error) {
	seen := make(map[string]bool)
	var out []model.Recipient
	for _, listID := range camp.Lists {
		rows, err := s.readList(ctx, cid, listID, shard, shards, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *ListSegments) readList(ctx context.Context, cid, listID string, shard, shards int, seen map[string]bool) ([]model.Recipient, error) {
	key := fmt.Sprintf("contacts/%s/%s.csv", cid, listID)
	rc, err := s.objects.ReadStream(ctx, s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("listwriter: read list %s: %w", listID, err)
	}
	defer rc.Close()

	rr, err := objstore.NewRecipientReader(rc)
	if err != nil {
		return nil, err
	}

	var out []model.Recipient
	for {
		rec, err := rr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		email := strings.ToLower(strings.TrimSpace(rec.Email))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		if shards > 1 && model.PercentBucket(email)*shards/100 != shard {
			continue
		}

		sup, err := s.store.GetSuppression(ctx, cid, email)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("listwriter: suppression lookup: %w", err)
		}
		if sup != nil && (sup.Unsubscribed || sup.Complained || sup.Bounced) {
			continue
		}

		rec.Email = email
		out = append(out, rec)
	}
	return out, nil
}

// TrackedTemplate renders the campaign body from its authored HTML source
// at templates/src/<company>/<campaign>.html: body links are rewritten to
// tracked redirects and an open pixel is appended. The original link URLs
// are returned in index order so click redirects can resolve them, with any
// {{Param}} merge tags carried onto the tracking URL as p parameters.
type TrackedTemplate struct {
	objects objstore.Store
	bucket  string
}

// NewTrackedTemplate creates a Renderer reading authored bodies from the
// given bucket.
func NewTrackedTemplate(objects objstore.Store, bucket string) *TrackedTemplate {
	return &TrackedTemplate{objects: objects, bucket: bucket}
}

var (
	hrefRe      = regexp.MustCompile(`href="([^"]+)"`)
	linkParamRe = regexp.MustCompile(`\{\{[^\}]+\}\}`)
)

func (r *TrackedTemplate) Render(ctx context.Context, camp *model.Campaign) (string, []string, error) {
	key := fmt.Sprintf("templates/src/%s/%s.html", camp.CompanyID, camp.ID)
	data, err := r.objects.Read(ctx, r.bucket, key)
	if err != nil {
		return "", nil, fmt.Errorf("listwriter: read template: %w", err)
	}

	var links []string
	html := hrefRe.ReplaceAllStringFunc(string(data), func(m string) string {
		url := m[len(`href="`) : len(m)-1]
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			// merge-tag, mailto and anchor targets pass through untouched
			return m
		}
		idx := len(links)
		links = append(links, url)

		var b strings.Builder
		fmt.Fprintf(&b, `{{%s}}/l?t=%c&r={{%s}}&c=%s&u={{%s}}&l=%d`,
			provider.TagWebRoot, model.ClickLetters[idx%len(model.ClickLetters)],
			provider.TagTrackingID, camp.ID, provider.TagUID, idx)
		for _, p := range linkParamRe.FindAllString(url, -1) {
			b.WriteString("&p=")
			b.WriteString(p)
		}
		return `href="` + b.String() + `"`
	})

	pixel := fmt.Sprintf(`<img src="{{%s}}/l?t=%c&r={{%s}}&c=%s&u={{%s}}" height="1" width="1" />`,
		provider.TagWebRoot, model.OpenLetters[0], provider.TagTrackingID, camp.ID, provider.TagUID)
	if i := strings.LastIndex(html, "</body>"); i >= 0 {
		html = html[:i] + pixel + html[i:]
	} else {
		html += pixel
	}
	return html, links, nil
}
