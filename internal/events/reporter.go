package events

import (
	"context"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
)

// RecordSend implements provider.Reporter. A successful submission becomes
// a send confirmation, which records the tracking row and replays buffered
// engagement events.
func (in *Ingestor) RecordSend(ctx context.Context, r provider.SendRecord) error {
	return in.Record(ctx, &model.Event{
		Kind:       model.EventSend,
		CompanyID:  r.CompanyID,
		CampaignID: r.CampaignID,
		TxnTag:     r.TxnTag,
		Email:      r.Email,
		TrackingID: r.TrackingID,
		SinkID:     r.SinkID,
		SettingsID: r.SettingsID,
	})
}

// RecordFailure implements provider.Reporter. A recipient the provider
// would not take counts as a soft bounce.
func (in *Ingestor) RecordFailure(ctx context.Context, r provider.SendRecord, msg string) error {
	return in.Record(ctx, &model.Event{
		Kind:       model.EventSoftBounce,
		CompanyID:  r.CompanyID,
		CampaignID: r.CampaignID,
		TxnTag:     r.TxnTag,
		Email:      r.Email,
		TrackingID: r.TrackingID,
		SinkID:     r.SinkID,
		SettingsID: r.SettingsID,
		Message:    msg,
	})
}
