package listwriter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
)

// Partition is one unit of list-writing work: one shard of the recipient
// population for one routing rule.
type Partition struct {
	CompanyID  string `json:"cid"`
	CampaignID string `json:"campid"`
	Shard      int    `json:"shard"`
	Shards     int    `json:"shards"`

	GatherID     string `json:"gatherid"`
	MainGatherID string `json:"maingatherid"`

	// Groups are the rule's preceding domain-group pattern lists plus its
	// own as the last element. A nil element matches every domain. A row
	// belongs to this rule only when the first group it matches is the
	// last one, so earlier rules claim their domains first.
	Groups [][]string `json:"groups"`

	// StartPct and EndPct bound the rule split's percentage bucket; a row
	// is included when its stable email hash bucket falls in [start, end).
	StartPct int `json:"startpct"`
	EndPct   int `json:"endpct"`

	Sinks         []SinkTarget `json:"sinks"`
	SettingsID    string       `json:"settingsid"`
	PolicyDomains []string     `json:"policydomains"`
}

// WritePartition filters and orders one shard of the campaign's recipients,
// splits them across the partition's sinks by cumulative percentage, writes
// one list block per sink and completes the rule's gather barrier. The last
// partition of the last rule finalizes the campaign. Any failure marks the
// campaign finished with an error.
func (w *Writer) WritePartition(ctx context.Context, p Partition) error {
	if err := w.writePartition(ctx, p); err != nil {
		w.logger.Error("partition failed", "campaign", p.CampaignID, "shard", p.Shard, "error", err)
		w.failCampaign(ctx, p.CompanyID, p.CampaignID, err)
		return err
	}
	return nil
}

func (w *Writer) writePartition(ctx context.Context, p Partition) error {
	camp, err := w.store.GetCampaign(ctx, p.CompanyID, p.CampaignID)
	if err != nil {
		return fmt.Errorf("listwriter: load campaign: %w", err)
	}

	rows, err := w.segments.Recipients(ctx, p.CompanyID, camp, p.Shard, p.Shards)
	if err != nil {
		return fmt.Errorf("listwriter: resolve segment: %w", err)
	}

	orderRows(rows, camp.Randomize, camp.NewestFirst)
	rows = p.filterRows(rows)

	result := partResult{CountsBySend: make(map[string]map[string]int)}
	domainTotals := make(map[string]int)

	if len(rows) > 0 {
		fields := fieldNames(rows)
		total := len(rows)
		cnt := 0
		weights := make([]int, len(p.Sinks))
		for i := range p.Sinks {
			weights[i] = p.Sinks[i].Pct
		}
		// The thresholds cover [0, 100) even when the weights round short,
		// so the tail rows always land in the last sink's slice.
		ranges := model.CumulativeThresholds(weights)
		for i, sink := range p.Sinks {
			pct := ranges[i][1]
			sendID := uuid.NewString()

			var buf bytes.Buffer
			bw, err := objstore.NewRecipientWriter(&buf, fields)
			if err != nil {
				return err
			}

			byDomain := make(map[string]int)
			for cnt < total && float64(cnt)/float64(total)*100 < float64(pct) {
				r := &rows[cnt]
				if err := bw.Write(r); err != nil {
					return err
				}
				byDomain[r.Domain()]++
				domainTotals[r.Domain()]++
				cnt++
			}
			if err := bw.Flush(); err != nil {
				return err
			}

			key := fmt.Sprintf("lists/%s-%s/%s-%s-%d-%08d.blk",
				p.CampaignID, p.GatherID, sink.ID, sendID, bw.Count(), p.Shard)
			if err := w.objects.Write(ctx, w.cfg.DataBucket, key, buf.Bytes()); err != nil {
				return fmt.Errorf("listwriter: write block: %w", err)
			}

			if bw.Count() > 0 {
				result.Blocks = append(result.Blocks, blockRef{
					SinkID: sink.ID, SendID: sendID, Key: key, Count: bw.Count(),
				})
				result.CountsBySend[sendID] = byDomain
			}
			if pct >= 100 {
				break
			}
		}
	}

	if len(domainTotals) > 0 {
		if err := w.store.UpsertCampaignDomains(ctx, p.CompanyID, p.CampaignID, domainTotals); err != nil {
			return fmt.Errorf("listwriter: record domain counts: %w", err)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("listwriter: encode partition result: %w", err)
	}
	done, payloads, err := w.store.CompleteGather(ctx, p.GatherID, string(payload))
	if err != nil {
		return fmt.Errorf("listwriter: complete partition gather: %w", err)
	}
	if !done {
		return nil
	}
	return w.completeRule(ctx, p, payloads)
}

// completeRule merges the rule's partition results and completes the
// campaign-level gather; the last rule to finish triggers finalization.
func (w *Writer) completeRule(ctx context.Context, p Partition, payloads []string) error {
	rr := ruleResult{
		TaskID:       p.GatherID,
		SettingsID:   p.SettingsID,
		Sinks:        p.Sinks,
		CountsBySend: make(map[string]map[string]int),
	}
	for _, raw := range payloads {
		var part partResult
		if err := json.Unmarshal([]byte(raw), &part); err != nil {
			return fmt.Errorf("listwriter: decode partition result: %w", err)
		}
		rr.Blocks = append(rr.Blocks, part.Blocks...)
		for sendID, byDomain := range part.CountsBySend {
			rr.CountsBySend[sendID] = byDomain
		}
	}

	payload, err := json.Marshal(rr)
	if err != nil {
		return fmt.Errorf("listwriter: encode rule result: %w", err)
	}
	done, rulePayloads, err := w.store.CompleteGather(ctx, p.MainGatherID, string(payload))
	if err != nil {
		return fmt.Errorf("listwriter: complete campaign gather: %w", err)
	}
	if !done {
		return nil
	}
	return w.Finalize(ctx, p.CompanyID, p.CampaignID, rulePayloads)
}

// filterRows keeps the rows this partition owns: first domain-group match
// must be the rule's own group, stable percentage bucket within the split's
// range, and domain allowed by the policy.
func (p *Partition) filterRows(rows []model.Recipient) []model.Recipient {
	out := rows[:0:0]
	for _, r := range rows {
		domain := r.Domain()
		if domain == "" {
			continue
		}

		first := -1
		for i, g := range p.Groups {
			if g == nil || model.MatchAnyDomain(g, domain) {
				first = i
				break
			}
		}
		if first != len(p.Groups)-1 {
			continue
		}

		bucket := model.PercentBucket(r.Email)
		if bucket < p.StartPct || bucket >= p.EndPct {
			continue
		}

		if !model.MatchAnyDomain(p.PolicyDomains, domain) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// orderRows applies the campaign's ordering mode: engagement recency by
// default, newest subscription first, or shuffled.
func orderRows(rows []model.Recipient, randomize, newestFirst bool) {
	switch {
	case randomize:
		rand.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	case newestFirst:
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].AddedAt.After(rows[j].AddedAt)
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return engagedAt(&rows[i]).After(engagedAt(&rows[j]))
		})
	}
}

func engagedAt(r *model.Recipient) time.Time {
	if r.LastEngaged != nil {
		return *r.LastEngaged
	}
	return time.Time{}
}

// fieldNames collects the union of merge field names across rows.
func fieldNames(rows []model.Recipient) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range rows {
		for f := range rows[i].Fields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
