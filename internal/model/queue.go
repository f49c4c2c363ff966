package model

import "time"

// QueueEntry is one drainable unit of queued campaign work: a batch of
// recipients for a single destination domain on a single sink. Remaining
// counts down as the drainer grants sends; the entry is deleted at zero.
type QueueEntry struct {
	ID         int64     `json:"id"`
	CompanyID  string    `json:"cid"`
	CampaignID string    `json:"campid"`
	SendID     string    `json:"sendid"`
	Domain     string    `json:"domain"`
	Count      int       `json:"count"`
	Remaining  int       `json:"remaining"`
	CreatedAt  time.Time `json:"created_at"`

	Params SendParams `json:"data"`
}

// SendParams carries everything a provider adapter needs to submit the
// entry's recipients. It is stored as the queue row's data payload.
type SendParams struct {
	Provider   ProviderKind `json:"policytype"`
	SinkID     string       `json:"sinkid"`
	SettingsID string       `json:"settingsid,omitempty"`

	From       string `json:"from"`
	FromDomain string `json:"fromdomain"`
	ReturnPath string `json:"returnpath,omitempty"`
	ReplyTo    string `json:"replyto,omitempty"`
	Subject    string `json:"subject"`

	BodyKey string `json:"template"`
	ListKey string `json:"listkey"`

	// Offset is the entry's starting position within the list block's
	// stream of rows for its destination domain. Non-batch providers get
	// their block split across several entries with continuous offsets.
	Offset int `json:"offset,omitempty"`
}

// SendTask is one unit of dispatch work produced by the drainer: send up to
// Count recipients of the queue entry's list, starting at Offset rows in.
type SendTask struct {
	Entry  QueueEntry `json:"entry"`
	Offset int        `json:"offset"`
	Count  int        `json:"count"`
}

// QueueGroup is the drainer's aggregation unit: all pending entries for one
// (company, campaign, domain) triple with their summed remaining count.
type QueueGroup struct {
	CompanyID  string `json:"cid"`
	CampaignID string `json:"campid"`
	Domain     string `json:"domain"`
	Remaining  int    `json:"remaining"`
}

// Cursor is the keyset-pagination position over queue groups. The zero value
// starts from the beginning.
type Cursor struct {
	CompanyID  string
	CampaignID string
	Domain     string
}

// IsZero reports whether the cursor is at the start position.
func (c Cursor) IsZero() bool {
	return c.CompanyID == "" && c.CampaignID == "" && c.Domain == ""
}
