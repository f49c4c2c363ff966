package model

import "time"

// EventKind is the canonical delivery-event taxonomy. Provider webhook
// payloads are classified into these kinds at the ingestion boundary; all
// internal accounting speaks only this vocabulary.
type EventKind string

const (
	// EventSend is an accepted submission; EventDelivered is the
	// provider's confirmation of it. Both account as a successful send.
	EventSend        EventKind = "send"
	EventDelivered   EventKind = "delivered"
	EventSoftBounce  EventKind = "soft"
	EventHardBounce  EventKind = "hard"
	EventDeferred    EventKind = "defer"
	EventOpen        EventKind = "open"
	EventClick       EventKind = "click"
	EventComplaint   EventKind = "complaint"
	EventUnsubscribe EventKind = "unsub"
)

// Suppressing reports whether the event kind marks the recipient as
// undeliverable or opted out for future sends.
func (k EventKind) Suppressing() bool {
	switch k {
	case EventHardBounce, EventComplaint, EventUnsubscribe:
		return true
	default:
		return false
	}
}

// Event is one delivery event attributed to a recipient of a campaign or a
// transactional tag.
type Event struct {
	Kind       EventKind `json:"cmd"`
	CompanyID  string    `json:"cid"`
	CampaignID string    `json:"campid,omitempty"`
	TxnTag     string    `json:"tag,omitempty"`
	Email      string    `json:"email"`
	Timestamp  time.Time `json:"ts"`

	// Domain is the destination domain. Derived from Email when empty;
	// aggregate outcome events may carry a domain without an address.
	Domain string `json:"domain,omitempty"`
	// Count scales volume accounting for aggregate outcome events.
	// Zero means one.
	Count int `json:"n,omitempty"`

	TrackingID string `json:"trackingid,omitempty"`
	SinkID     string `json:"sinkid,omitempty"`
	SettingsID string `json:"settingsid,omitempty"`
	SendingIP  string `json:"ip,omitempty"`

	// LinkIndex is the clicked link's position in the campaign body, valid
	// for click events only. -1 means no link attribution.
	LinkIndex int `json:"link,omitempty"`

	// Message is the provider's diagnostic text (bounce reason, SMTP reply).
	Message string `json:"msg,omitempty"`

	// ProviderEventID is the provider's native event id, used to drop
	// webhook redeliveries where the provider supplies one.
	ProviderEventID string `json:"eventid,omitempty"`
}

// Transactional reports whether the event belongs to tag-keyed transactional
// mail rather than a campaign.
func (e *Event) Transactional() bool {
	return e.CampaignID == "" && e.TxnTag != ""
}
