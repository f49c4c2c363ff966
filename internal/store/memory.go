package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// Memory implements Store in process, for tests and single-node development.
// Seed configuration through the Put helpers.
type Memory struct {
	mu sync.Mutex

	companies    map[string]*model.Company
	routes       map[string]*model.Route
	policies     map[string]*model.Policy
	domainGroups map[string]*model.DomainGroup
	throttles    map[string][]model.DomainThrottle

	providerSettings map[string]*ProviderSettings

	campaigns map[string]*model.Campaign
	links     map[string][]linkRow

	queue     map[int64]*model.QueueEntry
	nextQueue int64

	gathers map[string]*gatherRow
	locks   map[string]bool

	campLogs map[string]*model.Event
	txnLogs  map[string]*model.Event

	suppressions map[string]*Suppression
	campDomains  map[string]map[string]int
	hourStats    map[string]*HourStat
	txnStats     map[string]*TxnStat
	statMsgs     map[string]int

	tracking       map[string]*Tracking
	providerEvents map[string]bool
	contactTags    map[string]map[string]bool
	webhooks       map[string][]Webhook

	// Now is overridable in tests.
	Now func() time.Time
}

type linkRow struct {
	url    string
	clicks int
}

type gatherRow struct {
	count     int
	completed int
	parts     []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		companies:        make(map[string]*model.Company),
		routes:           make(map[string]*model.Route),
		policies:         make(map[string]*model.Policy),
		domainGroups:     make(map[string]*model.DomainGroup),
		throttles:        make(map[string][]model.DomainThrottle),
		providerSettings: make(map[string]*ProviderSettings),
		campaigns:        make(map[string]*model.Campaign),
		links:            make(map[string][]linkRow),
		queue:            make(map[int64]*model.QueueEntry),
		gathers:          make(map[string]*gatherRow),
		locks:            make(map[string]bool),
		campLogs:         make(map[string]*model.Event),
		txnLogs:          make(map[string]*model.Event),
		suppressions:     make(map[string]*Suppression),
		campDomains:      make(map[string]map[string]int),
		hourStats:        make(map[string]*HourStat),
		txnStats:         make(map[string]*TxnStat),
		statMsgs:         make(map[string]int),
		tracking:         make(map[string]*Tracking),
		providerEvents:   make(map[string]bool),
		contactTags:      make(map[string]map[string]bool),
		webhooks:         make(map[string][]Webhook),
		Now:              time.Now,
	}
}

func key2(a, b string) string       { return a + "\x00" + b }
func key3(a, b, c string) string    { return a + "\x00" + b + "\x00" + c }
func key4(a, b, c, d string) string { return a + "\x00" + b + "\x00" + c + "\x00" + d }

// Put helpers for seeding configuration.

func (m *Memory) PutCompany(c *model.Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies[c.ID] = c
}

func (m *Memory) PutRoute(cid string, r *model.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[key2(cid, r.ID)] = r
}

func (m *Memory) PutPolicy(cid string, p *model.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[key2(cid, p.ID)] = p
}

func (m *Memory) PutDomainGroup(cid string, g *model.DomainGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainGroups[key2(cid, g.ID)] = g
}

func (m *Memory) PutDomainThrottle(cid string, t model.DomainThrottle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttles[cid] = append(m.throttles[cid], t)
}

func (m *Memory) PutProviderSettings(ps *ProviderSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerSettings[key2(ps.CompanyID, ps.ID)] = ps
}

func (m *Memory) PutCampaign(c *model.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[key2(c.CompanyID, c.ID)] = c
}

func (m *Memory) PutWebhook(w Webhook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.CompanyID] = append(m.webhooks[w.CompanyID], w)
}

func (m *Memory) GetCompany(_ context.Context, id string) (*model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetRoute(_ context.Context, cid, routeID string) (*model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[key2(cid, routeID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) GetPolicy(_ context.Context, cid, policyID string) (*model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[key2(cid, policyID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetDomainGroup(_ context.Context, cid, groupID string) (*model.DomainGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.domainGroups[key2(cid, groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) DomainThrottles(_ context.Context, cid string) ([]model.DomainThrottle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DomainThrottle, len(m.throttles[cid]))
	copy(out, m.throttles[cid])
	return out, nil
}

func (m *Memory) GetProviderSettings(_ context.Context, cid, id string) (*ProviderSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.providerSettings[key2(cid, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ps
	return &cp, nil
}

func (m *Memory) campaign(cid, campID string) (*model.Campaign, error) {
	c, ok := m.campaigns[key2(cid, campID)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetCampaign(_ context.Context, cid, campID string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return nil, err
	}
	cp := *c
	cp.SinkStatus = make(map[string]bool, len(c.SinkStatus))
	for k, v := range c.SinkStatus {
		cp.SinkStatus[k] = v
	}
	return &cp, nil
}

func (m *Memory) ActivateCampaign(_ context.Context, cid, campID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return false, err
	}
	if c.SentAt != nil {
		return false, nil
	}
	now := m.Now()
	c.SentAt = &now
	c.Started = true
	return true, nil
}

func (m *Memory) SetCampaignTotals(_ context.Context, cid, campID string, count, domainCount int, bodyKey string, sinkStatus map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return err
	}
	c.Count = count
	c.DomainCount = domainCount
	c.BodyKey = bodyKey
	c.SinkStatus = make(map[string]bool, len(sinkStatus))
	for k, v := range sinkStatus {
		c.SinkStatus[k] = v
	}
	return nil
}

func (m *Memory) FinishCampaign(_ context.Context, cid, campID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return err
	}
	if c.FinishedAt == nil {
		now := m.Now()
		c.FinishedAt = &now
	}
	return nil
}

func (m *Memory) FailCampaign(_ context.Context, cid, campID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return err
	}
	if c.FinishedAt == nil {
		now := m.Now()
		c.FinishedAt = &now
		c.Error = errMsg
	}
	return nil
}

func (m *Memory) IsCanceled(_ context.Context, cid, campID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return false, err
	}
	return c.Canceled, nil
}

func (m *Memory) MarkSinkDrained(_ context.Context, cid, campID, sinkID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return false, err
	}
	if c.SinkStatus == nil {
		c.SinkStatus = make(map[string]bool)
	}
	c.SinkStatus[sinkID] = true
	return c.AllSinksDrained(), nil
}

func (m *Memory) AddCampaignCounters(_ context.Context, cid, campID string, d model.CampaignCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.campaign(cid, campID)
	if err != nil {
		return err
	}
	c.Counters.Delivered += d.Delivered
	c.Counters.Send += d.Send
	c.Counters.Soft += d.Soft
	c.Counters.Hard += d.Hard
	c.Counters.Opened += d.Opened
	c.Counters.OpenedAll += d.OpenedAll
	c.Counters.Clicked += d.Clicked
	c.Counters.ClickedAll += d.ClickedAll
	c.Counters.Complained += d.Complained
	c.Counters.Unsubscribed += d.Unsubscribed
	return nil
}

func (m *Memory) SetCampaignLinks(_ context.Context, cid, campID string, urls []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]linkRow, len(urls))
	for i, u := range urls {
		rows[i] = linkRow{url: u}
	}
	m.links[key2(cid, campID)] = rows
	if c, err := m.campaign(cid, campID); err == nil {
		now := m.Now()
		c.UpdatedAt = &now
	}
	return nil
}

func (m *Memory) CampaignLinks(_ context.Context, cid, campID string) ([]string, []int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.links[key2(cid, campID)]
	urls := make([]string, len(rows))
	clicks := make([]int, len(rows))
	for i, r := range rows {
		urls[i] = r.url
		clicks[i] = r.clicks
	}
	return urls, clicks, nil
}

func (m *Memory) IncrementLinkClick(_ context.Context, cid, campID string, index int, eventTS time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.links[key2(cid, campID)]
	if index < 0 || index >= len(rows) {
		return false, nil
	}
	if c, err := m.campaign(cid, campID); err == nil {
		if c.UpdatedAt != nil && !c.UpdatedAt.Before(eventTS) {
			return false, nil
		}
	}
	rows[index].clicks++
	return true, nil
}

func (m *Memory) InsertQueueEntries(_ context.Context, entries []model.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entries {
		m.nextQueue++
		e := entries[i]
		e.ID = m.nextQueue
		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.Now()
		}
		m.queue[e.ID] = &e
	}
	return nil
}

func (m *Memory) QueueGroups(_ context.Context, after model.Cursor, limit int) ([]model.QueueGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := make(map[string]*model.QueueGroup)
	for _, e := range m.queue {
		if e.Remaining <= 0 {
			continue
		}
		k := key3(e.CompanyID, e.CampaignID, e.Domain)
		g, ok := agg[k]
		if !ok {
			g = &model.QueueGroup{CompanyID: e.CompanyID, CampaignID: e.CampaignID, Domain: e.Domain}
			agg[k] = g
		}
		g.Remaining += e.Remaining
	}

	groups := make([]model.QueueGroup, 0, len(agg))
	for _, g := range agg {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.CompanyID != b.CompanyID {
			return a.CompanyID < b.CompanyID
		}
		if a.CampaignID != b.CampaignID {
			return a.CampaignID < b.CampaignID
		}
		return a.Domain < b.Domain
	})

	out := make([]model.QueueGroup, 0, limit)
	for _, g := range groups {
		if !cursorLess(after, g) {
			continue
		}
		out = append(out, g)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cursorLess(after model.Cursor, g model.QueueGroup) bool {
	if after.CompanyID != g.CompanyID {
		return after.CompanyID < g.CompanyID
	}
	if after.CampaignID != g.CampaignID {
		return after.CampaignID < g.CampaignID
	}
	return after.Domain < g.Domain
}

func (m *Memory) QueueEntries(_ context.Context, cid, campID, domain string) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range m.queue {
		if e.CompanyID == cid && e.CampaignID == campID && e.Domain == domain && e.Remaining > 0 {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DecrementQueueEntry(_ context.Context, id int64, by int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	e.Remaining -= by
	if e.Remaining <= 0 {
		delete(m.queue, id)
		return 0, true, nil
	}
	return e.Remaining, false, nil
}

func (m *Memory) PendingForSink(_ context.Context, cid, campID, sinkID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.queue {
		if e.CompanyID == cid && e.CampaignID == campID && e.Params.SinkID == sinkID && e.Remaining > 0 {
			n++
		}
	}
	return n, nil
}

func (m *Memory) QueueStats(_ context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, remaining := 0, 0
	for _, e := range m.queue {
		entries++
		remaining += e.Remaining
	}
	return entries, remaining, nil
}

func (m *Memory) InitGather(_ context.Context, id string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gathers[id]; !ok {
		m.gathers[id] = &gatherRow{count: count}
	}
	return nil
}

func (m *Memory) CompleteGather(_ context.Context, id, payload string) (bool, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gathers[id]
	if !ok {
		return false, nil, ErrNotFound
	}
	g.completed++
	g.parts = append(g.parts, payload)
	if g.completed < g.count {
		return false, nil, nil
	}
	delete(m.gathers, id)
	return true, g.parts, nil
}

func (m *Memory) TryLock(_ context.Context, name string) (UnlockFunc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[name] {
		return nil, false, nil
	}
	m.locks[name] = true
	unlock := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, name)
		return nil
	}
	return unlock, true, nil
}

func (m *Memory) RecordCampaignEvent(_ context.Context, e *model.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(e.CampaignID, e.Email, string(e.Kind))
	if _, ok := m.campLogs[k]; ok {
		return false, nil
	}
	cp := *e
	m.campLogs[k] = &cp
	return true, nil
}

func (m *Memory) RecordTxnEvent(_ context.Context, e *model.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key4(e.CompanyID, e.TxnTag, e.Email, string(e.Kind))
	if _, ok := m.txnLogs[k]; ok {
		return false, nil
	}
	cp := *e
	m.txnLogs[k] = &cp
	return true, nil
}

func (m *Memory) UpsertSuppression(_ context.Context, cid, email string, kind model.EventKind, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(cid, email)
	s, ok := m.suppressions[k]
	if !ok {
		s = &Suppression{Email: email}
		m.suppressions[k] = s
	}
	switch kind {
	case model.EventUnsubscribe:
		s.Unsubscribed = true
	case model.EventComplaint:
		s.Complained = true
	case model.EventHardBounce:
		s.Bounced = true
	}
	s.UpdatedAt = ts
	return nil
}

func (m *Memory) GetSuppression(_ context.Context, cid, email string) (*Suppression, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppressions[key2(cid, email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpsertCampaignDomains(_ context.Context, cid, campID string, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(cid, campID)
	agg, ok := m.campDomains[k]
	if !ok {
		agg = make(map[string]int)
		m.campDomains[k] = agg
	}
	for domain, n := range counts {
		agg[domain] += n
	}
	return nil
}

func (m *Memory) CampaignDomains(_ context.Context, cid, campID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for domain, n := range m.campDomains[key2(cid, campID)] {
		out[domain] = n
	}
	return out, nil
}

func addCounters(dst *model.CampaignCounters, d model.CampaignCounters) {
	dst.Delivered += d.Delivered
	dst.Send += d.Send
	dst.Soft += d.Soft
	dst.Hard += d.Hard
	dst.Opened += d.Opened
	dst.OpenedAll += d.OpenedAll
	dst.Clicked += d.Clicked
	dst.ClickedAll += d.ClickedAll
	dst.Complained += d.Complained
	dst.Unsubscribed += d.Unsubscribed
	dst.Deferred += d.Deferred
}

func (m *Memory) AddHourStat(_ context.Context, s HourStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Hour = s.Hour.Truncate(time.Hour)
	k := key4(s.CompanyID, s.CampaignCompanyID, s.Hour.Format(time.RFC3339),
		key4(s.SinkID, s.Domain+"/"+s.IP, s.SettingsID, s.CampaignID))
	row, ok := m.hourStats[k]
	if !ok {
		cp := s
		cp.Counts = model.CampaignCounters{}
		m.hourStats[k] = &cp
		row = m.hourStats[k]
	}
	addCounters(&row.Counts, s.Counts)
	return nil
}

func (m *Memory) AddTxnStat(_ context.Context, s TxnStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Hour = s.Hour.Truncate(time.Hour)
	k := key4(s.Hour.Format(time.RFC3339), s.CompanyID, s.Tag, s.Domain)
	row, ok := m.txnStats[k]
	if !ok {
		cp := s
		cp.Counts = model.CampaignCounters{}
		m.txnStats[k] = &cp
		row = m.txnStats[k]
	}
	addCounters(&row.Counts, s.Counts)
	return nil
}

func (m *Memory) UpsertStatMessage(_ context.Context, cid, campID string, kind model.EventKind, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statMsgs[key4(cid, campID, string(kind), msg)]++
	return nil
}

func (m *Memory) InsertTracking(_ context.Context, t Tracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracking[t.ID]; ok {
		return nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.Now()
	}
	m.tracking[t.ID] = &t
	return nil
}

func (m *Memory) GetTracking(_ context.Context, id string) (*Tracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracking[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) SeenProviderEvent(_ context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(provider, eventID)
	if m.providerEvents[k] {
		return true, nil
	}
	m.providerEvents[k] = true
	return false, nil
}

func (m *Memory) AddContactTag(_ context.Context, cid, email, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(cid, email)
	if m.contactTags[k] == nil {
		m.contactTags[k] = make(map[string]bool)
	}
	m.contactTags[k][tag] = true
	return nil
}

func (m *Memory) RemoveContactTag(_ context.Context, cid, email, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contactTags[key2(cid, email)], tag)
	return nil
}

func (m *Memory) ContactTags(_ context.Context, cid, email string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for tag := range m.contactTags[key2(cid, email)] {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Webhooks(_ context.Context, cid string) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Webhook, len(m.webhooks[cid]))
	copy(out, m.webhooks[cid])
	return out, nil
}

// Test-visibility helpers.

// StatMessageCount returns how many times a diagnostic message was counted.
func (m *Memory) StatMessageCount(cid, campID string, kind model.EventKind, msg string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statMsgs[key4(cid, campID, string(kind), msg)]
}

// HourStatTotals sums every hourly bucket recorded for a company.
func (m *Memory) HourStatTotals(cid string) model.CampaignCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total model.CampaignCounters
	for _, s := range m.hourStats {
		if s.CompanyID == cid {
			addCounters(&total, s.Counts)
		}
	}
	return total
}

// TxnStatTotals sums every transactional bucket recorded for a tag.
func (m *Memory) TxnStatTotals(cid, tag string) model.CampaignCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total model.CampaignCounters
	for _, s := range m.txnStats {
		if s.CompanyID == cid && s.Tag == tag {
			addCounters(&total, s.Counts)
		}
	}
	return total
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
