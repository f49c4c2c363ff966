package listwriter

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// Finalize runs once every routing rule's partition tasks have completed:
// it records grand totals, renders and persists the body, and converts
// every list block into durable queue entries. A canceled campaign aborts
// here without side effects.
func (w *Writer) Finalize(ctx context.Context, cid, campID string, rulePayloads []string) error {
	canceled, err := w.store.IsCanceled(ctx, cid, campID)
	if err != nil {
		return fmt.Errorf("listwriter: check cancellation: %w", err)
	}
	if canceled {
		w.logger.Info("campaign canceled, skipping finalize", "campaign", campID)
		return nil
	}

	rules := make([]ruleResult, 0, len(rulePayloads))
	for _, raw := range rulePayloads {
		var rr ruleResult
		if err := json.Unmarshal([]byte(raw), &rr); err != nil {
			return fmt.Errorf("listwriter: decode rule result: %w", err)
		}
		rules = append(rules, rr)
	}

	total := 0
	domains := make(map[string]bool)
	for _, rr := range rules {
		for _, byDomain := range rr.CountsBySend {
			for domain, n := range byDomain {
				total += n
				domains[domain] = true
			}
		}
	}

	camp, err := w.store.GetCampaign(ctx, cid, campID)
	if err != nil {
		return fmt.Errorf("listwriter: load campaign: %w", err)
	}

	html, linkURLs, err := w.render.Render(ctx, camp)
	if err != nil {
		return fmt.Errorf("listwriter: render body: %w", err)
	}
	bodyKey := fmt.Sprintf("templates/camp/%s/%s-%x.html", cid, campID, md5.Sum([]byte(html)))
	if err := w.objects.Write(ctx, w.cfg.DataBucket, bodyKey, []byte(html)); err != nil {
		return fmt.Errorf("listwriter: persist body: %w", err)
	}

	params := senderParams(camp)
	params.BodyKey = bodyKey

	sinkStatus := make(map[string]bool)
	var entries []model.QueueEntry
	for _, rr := range rules {
		blocksBySink := make(map[string][]blockRef)
		for _, blk := range rr.Blocks {
			blocksBySink[blk.SinkID] = append(blocksBySink[blk.SinkID], blk)
		}
		for _, sink := range rr.Sinks {
			blocks := blocksBySink[sink.ID]
			if len(blocks) == 0 {
				continue
			}
			sinkStatus[sink.ID] = false
			for _, blk := range blocks {
				entries = append(entries, w.blockEntries(cid, campID, rr, sink, blk, params)...)
			}
		}
	}

	if err := w.store.SetCampaignLinks(ctx, cid, campID, linkURLs); err != nil {
		return fmt.Errorf("listwriter: record links: %w", err)
	}
	if err := w.store.SetCampaignTotals(ctx, cid, campID, total, len(domains), bodyKey, sinkStatus); err != nil {
		return fmt.Errorf("listwriter: record totals: %w", err)
	}
	if len(entries) > 0 {
		if err := w.store.InsertQueueEntries(ctx, entries); err != nil {
			return fmt.Errorf("listwriter: queue entries: %w", err)
		}
	}
	if total == 0 {
		if err := w.store.FinishCampaign(ctx, cid, campID); err != nil {
			return fmt.Errorf("listwriter: finish empty campaign: %w", err)
		}
	}

	w.logger.Info("campaign queued",
		"campaign", campID, "recipients", total,
		"domains", len(domains), "entries", len(entries))
	return nil
}

// blockEntries converts one list block into queue entries, one per
// destination domain. A non-batch provider's per-domain slice is split
// into bounded sub-entries with continuous offsets so no recipient is sent
// twice or skipped.
func (w *Writer) blockEntries(cid, campID string, rr ruleResult, sink SinkTarget, blk blockRef, base model.SendParams) []model.QueueEntry {
	var out []model.QueueEntry
	for domain, n := range rr.CountsBySend[blk.SendID] {
		step := n
		if !sink.Provider.Batchable() && step > w.cfg.MaxBatch {
			step = w.cfg.MaxBatch
		}
		for offset := 0; offset < n; offset += step {
			count := step
			if offset+count > n {
				count = n - offset
			}
			params := base
			params.Provider = sink.Provider
			params.SinkID = sink.ID
			params.SettingsID = rr.SettingsID
			params.ListKey = blk.Key
			params.Offset = offset
			out = append(out, model.QueueEntry{
				CompanyID:  cid,
				CampaignID: campID,
				SendID:     blk.SendID,
				Domain:     domain,
				Count:      count,
				Remaining:  count,
				Params:     params,
			})
		}
	}
	return out
}

// senderParams derives the shared envelope fields from the campaign.
func senderParams(camp *model.Campaign) model.SendParams {
	returnPath := camp.ReturnPath
	if returnPath == "" {
		returnPath = camp.FromEmail
	}
	fromEmail := camp.FromEmail
	if fromEmail == "" {
		fromEmail = camp.ReturnPath
	}
	replyTo := camp.ReplyTo
	if replyTo == "" {
		replyTo = fromEmail
	}

	addr := mail.Address{Name: cleanHeader(camp.FromName), Address: cleanHeader(fromEmail)}
	return model.SendParams{
		From:       addr.String(),
		FromDomain: model.EmailDomain(returnPath),
		ReturnPath: returnPath,
		ReplyTo:    cleanHeader(replyTo),
		Subject:    cleanHeader(camp.Subject),
	}
}

var headerCleaner = strings.NewReplacer("\r", "", "\n", "")

func cleanHeader(s string) string {
	return headerCleaner.Replace(s)
}
