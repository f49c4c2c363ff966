package model

import "time"

// Campaign is a broadcast unit. It is activated exactly once (SentAt is
// guarded by a conditional update in the store) and finished exactly once,
// either by normal completion when every sink has drained, or by
// cancellation or a fatal send error.
type Campaign struct {
	ID        string `json:"id"`
	CompanyID string `json:"cid"`

	FromName   string `json:"fromname"`
	FromEmail  string `json:"fromemail"`
	ReturnPath string `json:"returnpath,omitempty"`
	ReplyTo    string `json:"replyto,omitempty"`
	Subject    string `json:"subject"`
	RouteID    string `json:"route"`

	Lists            []string `json:"lists,omitempty"`
	Segments         []string `json:"segments,omitempty"`
	SuppressionLists []string `json:"supplists,omitempty"`
	SuppressionTags  []string `json:"supptags,omitempty"`

	Randomize   bool `json:"randomize"`
	NewestFirst bool `json:"newestfirst"`

	OpenAddTags  []string `json:"openaddtags,omitempty"`
	OpenRemTags  []string `json:"openremtags,omitempty"`
	ClickAddTags []string `json:"clickaddtags,omitempty"`
	ClickRemTags []string `json:"clickremtags,omitempty"`

	Started    bool       `json:"started"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	Canceled   bool       `json:"canceled"`
	Error      string     `json:"error,omitempty"`

	// SinkStatus maps sink id to "drained". The campaign finishes when
	// every value flips to true.
	SinkStatus map[string]bool `json:"sinkstatus,omitempty"`

	Count       int `json:"count"`
	DomainCount int `json:"domaincount"`

	Counters CampaignCounters `json:"counters"`

	BodyKey    string   `json:"viewtemplate,omitempty"`
	LinkURLs   []string `json:"linkurls,omitempty"`
	LinkClicks []int    `json:"linkclicks,omitempty"`
}

// CampaignCounters are the aggregate delivery statistics for one campaign.
// The unique counters advance at most once per (campaign, recipient, event);
// the _all counters advance on every occurrence.
type CampaignCounters struct {
	Delivered    int `json:"delivered"`
	Send         int `json:"send"`
	Soft         int `json:"soft"`
	Hard         int `json:"hard"`
	Opened       int `json:"opened"`
	OpenedAll    int `json:"opened_all"`
	Clicked      int `json:"clicked"`
	ClickedAll   int `json:"clicked_all"`
	Complained   int `json:"complained"`
	Unsubscribed int `json:"unsubscribed"`
	Deferred     int `json:"defercnt"`
}

// AllSinksDrained reports whether every sink in the status map has drained.
// A campaign with no sink status entries is not considered drained.
func (c *Campaign) AllSinksDrained() bool {
	if len(c.SinkStatus) == 0 {
		return false
	}
	for _, done := range c.SinkStatus {
		if !done {
			return false
		}
	}
	return true
}

// Finished reports whether the campaign reached a terminal state.
func (c *Campaign) Finished() bool {
	return c.FinishedAt != nil
}
