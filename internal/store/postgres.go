package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// lockNamespace seeds the uuid5 derivation of advisory lock keys so lock
// names cannot collide with other applications sharing the database.
var lockNamespace = uuid.MustParse("ee5d3320-10ac-43c6-b178-b1bede0d4f97")

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	SSLMode  string `toml:"sslmode"`
}

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	p := &Postgres{db: db, logger: slog.Default().With("component", "store-postgres")}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// getDoc reads one jsonb document row into dst.
func (p *Postgres) getDoc(ctx context.Context, query string, dst interface{}, args ...interface{}) error {
	var data []byte
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: query doc: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("store: decode doc: %w", err)
	}
	return nil
}

func (p *Postgres) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var c model.Company
	if err := p.getDoc(ctx, `SELECT data FROM companies WHERE id = $1`, &c, id); err != nil {
		return nil, err
	}
	c.ID = id
	return &c, nil
}

func (p *Postgres) GetRoute(ctx context.Context, cid, routeID string) (*model.Route, error) {
	var r model.Route
	if err := p.getDoc(ctx, `SELECT data FROM routes WHERE cid = $1 AND id = $2`, &r, cid, routeID); err != nil {
		return nil, err
	}
	r.ID = routeID
	return &r, nil
}

func (p *Postgres) GetPolicy(ctx context.Context, cid, policyID string) (*model.Policy, error) {
	var pol model.Policy
	if err := p.getDoc(ctx, `SELECT data FROM policies WHERE cid = $1 AND id = $2`, &pol, cid, policyID); err != nil {
		return nil, err
	}
	pol.ID = policyID
	return &pol, nil
}

func (p *Postgres) GetDomainGroup(ctx context.Context, cid, groupID string) (*model.DomainGroup, error) {
	var g model.DomainGroup
	if err := p.getDoc(ctx, `SELECT data FROM domaingroups WHERE cid = $1 AND id = $2`, &g, cid, groupID); err != nil {
		return nil, err
	}
	g.ID = groupID
	return &g, nil
}

func (p *Postgres) DomainThrottles(ctx context.Context, cid string) ([]model.DomainThrottle, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, data FROM domainthrottles WHERE cid = $1`, cid)
	if err != nil {
		return nil, fmt.Errorf("store: query throttles: %w", err)
	}
	defer rows.Close()

	var out []model.DomainThrottle
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("store: scan throttle: %w", err)
		}
		var dt model.DomainThrottle
		if err := json.Unmarshal(data, &dt); err != nil {
			return nil, fmt.Errorf("store: decode throttle: %w", err)
		}
		dt.ID = id
		out = append(out, dt)
	}
	return out, rows.Err()
}

func (p *Postgres) GetProviderSettings(ctx context.Context, cid, id string) (*ProviderSettings, error) {
	var kind string
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT kind, data FROM provider_settings WHERE cid = $1 AND id = $2`, cid, id).
		Scan(&kind, &data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider settings: %w", err)
	}
	ps := &ProviderSettings{ID: id, CompanyID: cid, Kind: model.ProviderKind(kind)}
	if err := json.Unmarshal(data, &ps.Data); err != nil {
		return nil, fmt.Errorf("store: decode provider settings: %w", err)
	}
	return ps, nil
}

const campaignColumns = `data, started, sent_at, finished_at, updated_at, canceled, error,
	sinkstatus, cnt, domaincnt, bodykey,
	delivered, send, soft, hard, opened, opened_all, clicked, clicked_all, complained, unsubscribed`

func (p *Postgres) GetCampaign(ctx context.Context, cid, campID string) (*model.Campaign, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE cid = $1 AND id = $2`, cid, campID)

	var (
		data, sinkStatus []byte
		camp             model.Campaign
	)
	err := row.Scan(&data, &camp.Started, &camp.SentAt, &camp.FinishedAt, &camp.UpdatedAt,
		&camp.Canceled, &camp.Error, &sinkStatus, &camp.Count, &camp.DomainCount, &camp.BodyKey,
		&camp.Counters.Delivered, &camp.Counters.Send, &camp.Counters.Soft, &camp.Counters.Hard,
		&camp.Counters.Opened, &camp.Counters.OpenedAll, &camp.Counters.Clicked,
		&camp.Counters.ClickedAll, &camp.Counters.Complained, &camp.Counters.Unsubscribed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get campaign: %w", err)
	}

	// config fields live in the document; lifecycle state in columns
	cfg := camp
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("store: decode campaign: %w", err)
	}
	cfg.Started = camp.Started
	cfg.SentAt = camp.SentAt
	cfg.FinishedAt = camp.FinishedAt
	cfg.UpdatedAt = camp.UpdatedAt
	cfg.Canceled = camp.Canceled
	cfg.Error = camp.Error
	cfg.Count = camp.Count
	cfg.DomainCount = camp.DomainCount
	cfg.BodyKey = camp.BodyKey
	cfg.Counters = camp.Counters
	if err := json.Unmarshal(sinkStatus, &cfg.SinkStatus); err != nil {
		return nil, fmt.Errorf("store: decode sink status: %w", err)
	}
	cfg.ID = campID
	cfg.CompanyID = cid
	return &cfg, nil
}

func (p *Postgres) ActivateCampaign(ctx context.Context, cid, campID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE campaigns SET sent_at = NOW(), started = TRUE
		 WHERE cid = $1 AND id = $2 AND sent_at IS NULL`, cid, campID)
	if err != nil {
		return false, fmt.Errorf("store: activate campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) SetCampaignTotals(ctx context.Context, cid, campID string, count, domainCount int, bodyKey string, sinkStatus map[string]bool) error {
	status, err := json.Marshal(sinkStatus)
	if err != nil {
		return fmt.Errorf("store: encode sink status: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE campaigns SET cnt = $3, domaincnt = $4, bodykey = $5, sinkstatus = $6
		 WHERE cid = $1 AND id = $2`,
		cid, campID, count, domainCount, bodyKey, status)
	if err != nil {
		return fmt.Errorf("store: set campaign totals: %w", err)
	}
	return nil
}

func (p *Postgres) FinishCampaign(ctx context.Context, cid, campID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE campaigns SET finished_at = NOW()
		 WHERE cid = $1 AND id = $2 AND finished_at IS NULL`, cid, campID)
	if err != nil {
		return fmt.Errorf("store: finish campaign: %w", err)
	}
	return nil
}

func (p *Postgres) FailCampaign(ctx context.Context, cid, campID, errMsg string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE campaigns SET finished_at = NOW(), error = $3
		 WHERE cid = $1 AND id = $2 AND finished_at IS NULL`, cid, campID, errMsg)
	if err != nil {
		return fmt.Errorf("store: fail campaign: %w", err)
	}
	return nil
}

func (p *Postgres) IsCanceled(ctx context.Context, cid, campID string) (bool, error) {
	var canceled bool
	err := p.db.QueryRowContext(ctx,
		`SELECT canceled FROM campaigns WHERE cid = $1 AND id = $2`, cid, campID).Scan(&canceled)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: read canceled: %w", err)
	}
	return canceled, nil
}

func (p *Postgres) MarkSinkDrained(ctx context.Context, cid, campID, sinkID string) (bool, error) {
	var allDrained bool
	err := p.db.QueryRowContext(ctx,
		`UPDATE campaigns
		 SET sinkstatus = jsonb_set(sinkstatus, ARRAY[$3], 'true'::jsonb)
		 WHERE cid = $1 AND id = $2
		 RETURNING sinkstatus != '{}'::jsonb
		   AND NOT EXISTS (SELECT 1 FROM jsonb_each_text(sinkstatus) WHERE value = 'false')`,
		cid, campID, sinkID).Scan(&allDrained)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: mark sink drained: %w", err)
	}
	return allDrained, nil
}

func (p *Postgres) AddCampaignCounters(ctx context.Context, cid, campID string, d model.CampaignCounters) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE campaigns SET
			delivered = delivered + $3, send = send + $4, soft = soft + $5, hard = hard + $6,
			opened = opened + $7, opened_all = opened_all + $8,
			clicked = clicked + $9, clicked_all = clicked_all + $10,
			complained = complained + $11, unsubscribed = unsubscribed + $12
		 WHERE cid = $1 AND id = $2`,
		cid, campID, d.Delivered, d.Send, d.Soft, d.Hard, d.Opened, d.OpenedAll,
		d.Clicked, d.ClickedAll, d.Complained, d.Unsubscribed)
	if err != nil {
		return fmt.Errorf("store: add campaign counters: %w", err)
	}
	return nil
}

func (p *Postgres) SetCampaignLinks(ctx context.Context, cid, campID string, urls []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM campaign_links WHERE cid = $1 AND campid = $2`, cid, campID); err != nil {
		return fmt.Errorf("store: clear links: %w", err)
	}
	for i, u := range urls {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO campaign_links (cid, campid, idx, url) VALUES ($1, $2, $3, $4)`,
			cid, campID, i, u); err != nil {
			return fmt.Errorf("store: insert link: %w", err)
		}
	}
	// a link edit restarts click attribution from this point
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET updated_at = NOW() WHERE cid = $1 AND id = $2`, cid, campID); err != nil {
		return fmt.Errorf("store: touch campaign: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) CampaignLinks(ctx context.Context, cid, campID string) ([]string, []int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT url, clicks FROM campaign_links WHERE cid = $1 AND campid = $2 ORDER BY idx`,
		cid, campID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: query links: %w", err)
	}
	defer rows.Close()

	var urls []string
	var clicks []int
	for rows.Next() {
		var u string
		var c int
		if err := rows.Scan(&u, &c); err != nil {
			return nil, nil, fmt.Errorf("store: scan link: %w", err)
		}
		urls = append(urls, u)
		clicks = append(clicks, c)
	}
	return urls, clicks, rows.Err()
}

func (p *Postgres) IncrementLinkClick(ctx context.Context, cid, campID string, index int, eventTS time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE campaign_links SET clicks = clicks + 1
		 WHERE cid = $1 AND campid = $2 AND idx = $3
		   AND EXISTS (SELECT 1 FROM campaigns c
			WHERE c.cid = $1 AND c.id = $2
			  AND (c.updated_at IS NULL OR c.updated_at < $4))`,
		cid, campID, index, eventTS)
	if err != nil {
		return false, fmt.Errorf("store: increment link click: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) InsertQueueEntries(ctx context.Context, entries []model.QueueEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for i := range entries {
		e := &entries[i]
		data, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("store: encode queue entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO campqueue (cid, campid, sendid, domain, cnt, remaining, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.CompanyID, e.CampaignID, e.SendID, e.Domain, e.Count, e.Remaining, data); err != nil {
			return fmt.Errorf("store: insert queue entry: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) QueueGroups(ctx context.Context, after model.Cursor, limit int) ([]model.QueueGroup, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT cid, campid, domain, SUM(remaining)
		 FROM campqueue
		 WHERE remaining > 0 AND (cid, campid, domain) > ($1, $2, $3)
		 GROUP BY cid, campid, domain
		 ORDER BY cid, campid, domain
		 LIMIT $4`,
		after.CompanyID, after.CampaignID, after.Domain, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query queue groups: %w", err)
	}
	defer rows.Close()

	var out []model.QueueGroup
	for rows.Next() {
		var g model.QueueGroup
		if err := rows.Scan(&g.CompanyID, &g.CampaignID, &g.Domain, &g.Remaining); err != nil {
			return nil, fmt.Errorf("store: scan queue group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) QueueEntries(ctx context.Context, cid, campID, domain string) ([]model.QueueEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, cid, campid, sendid, domain, cnt, remaining, created_at, data
		 FROM campqueue
		 WHERE cid = $1 AND campid = $2 AND domain = $3 AND remaining > 0
		 ORDER BY id`,
		cid, campID, domain)
	if err != nil {
		return nil, fmt.Errorf("store: query queue entries: %w", err)
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.CampaignID, &e.SendID, &e.Domain,
			&e.Count, &e.Remaining, &e.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("store: scan queue entry: %w", err)
		}
		if err := json.Unmarshal(data, &e.Params); err != nil {
			return nil, fmt.Errorf("store: decode queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) DecrementQueueEntry(ctx context.Context, id int64, by int) (int, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	// Clamped at zero: an overlapping pass must not drive the count
	// negative.
	var remaining int
	err = tx.QueryRowContext(ctx,
		`UPDATE campqueue SET remaining = GREATEST(remaining - $2, 0) WHERE id = $1 RETURNING remaining`,
		id, by).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: decrement queue entry: %w", err)
	}

	deleted := false
	if remaining <= 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM campqueue WHERE id = $1`, id); err != nil {
			return 0, false, fmt.Errorf("store: delete queue entry: %w", err)
		}
		remaining = 0
		deleted = true
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("store: commit: %w", err)
	}
	return remaining, deleted, nil
}

func (p *Postgres) PendingForSink(ctx context.Context, cid, campID, sinkID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campqueue
		 WHERE cid = $1 AND campid = $2 AND data->>'sinkid' = $3 AND remaining > 0`,
		cid, campID, sinkID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending for sink: %w", err)
	}
	return n, nil
}

func (p *Postgres) QueueStats(ctx context.Context) (int, int, error) {
	var entries, remaining int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(remaining), 0) FROM campqueue`).Scan(&entries, &remaining)
	if err != nil {
		return 0, 0, fmt.Errorf("store: queue stats: %w", err)
	}
	return entries, remaining, nil
}

func (p *Postgres) InitGather(ctx context.Context, id string, count int) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO gathers (id, cnt) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`, id, count)
	if err != nil {
		return fmt.Errorf("store: init gather: %w", err)
	}
	return nil
}

func (p *Postgres) CompleteGather(ctx context.Context, id, payload string) (bool, []string, error) {
	var completed, count int
	var parts []byte
	err := p.db.QueryRowContext(ctx,
		`UPDATE gathers
		 SET completed = completed + 1, parts = parts || to_jsonb($2::text)
		 WHERE id = $1
		 RETURNING completed, cnt, parts`, id, payload).Scan(&completed, &count, &parts)
	if err == sql.ErrNoRows {
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, fmt.Errorf("store: complete gather: %w", err)
	}
	if completed < count {
		return false, nil, nil
	}

	var payloads []string
	if err := json.Unmarshal(parts, &payloads); err != nil {
		return false, nil, fmt.Errorf("store: decode gather parts: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM gathers WHERE id = $1`, id); err != nil {
		return false, nil, fmt.Errorf("store: delete gather: %w", err)
	}
	return true, payloads, nil
}

// lockKey derives a stable 63-bit advisory lock key from a name.
func lockKey(name string) int64 {
	u := uuid.NewSHA1(lockNamespace, []byte(name))
	return int64(binary.BigEndian.Uint64(u[8:]) & (1<<63 - 1))
}

func (p *Postgres) TryLock(ctx context.Context, name string) (UnlockFunc, bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store: acquire conn: %w", err)
	}
	key := lockKey(name)

	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("store: try lock: %w", err)
	}
	if !got {
		conn.Close()
		return nil, false, nil
	}

	unlock := func() error {
		defer conn.Close()
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			return fmt.Errorf("store: unlock: %w", err)
		}
		return nil
	}
	return unlock, true, nil
}

func (p *Postgres) RecordCampaignEvent(ctx context.Context, e *model.Event) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO camplogs (cid, campid, email, cmd, ts, msg)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (campid, email, cmd) DO NOTHING`,
		e.CompanyID, e.CampaignID, e.Email, string(e.Kind), e.Timestamp, e.Message)
	if err != nil {
		return false, fmt.Errorf("store: record campaign event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) RecordTxnEvent(ctx context.Context, e *model.Event) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO txnlogs (cid, tag, email, cmd, ts, msg)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (cid, tag, email, cmd) DO NOTHING`,
		e.CompanyID, e.TxnTag, e.Email, string(e.Kind), e.Timestamp, e.Message)
	if err != nil {
		return false, fmt.Errorf("store: record txn event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) UpsertSuppression(ctx context.Context, cid, email string, kind model.EventKind, ts time.Time) error {
	unsub := kind == model.EventUnsubscribe
	complained := kind == model.EventComplaint
	bounced := kind == model.EventHardBounce
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO unsublogs (cid, email, unsubscribed, complained, bounced, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (cid, email) DO UPDATE SET
			unsubscribed = unsublogs.unsubscribed OR EXCLUDED.unsubscribed,
			complained = unsublogs.complained OR EXCLUDED.complained,
			bounced = unsublogs.bounced OR EXCLUDED.bounced,
			ts = EXCLUDED.ts`,
		cid, email, unsub, complained, bounced, ts)
	if err != nil {
		return fmt.Errorf("store: upsert suppression: %w", err)
	}
	return nil
}

func (p *Postgres) GetSuppression(ctx context.Context, cid, email string) (*Suppression, error) {
	var s Suppression
	err := p.db.QueryRowContext(ctx,
		`SELECT email, unsubscribed, complained, bounced, ts
		 FROM unsublogs WHERE cid = $1 AND email = $2`, cid, email).
		Scan(&s.Email, &s.Unsubscribed, &s.Complained, &s.Bounced, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get suppression: %w", err)
	}
	return &s, nil
}

func (p *Postgres) UpsertCampaignDomains(ctx context.Context, cid, campID string, counts map[string]int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for domain, n := range counts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO campaign_domains (cid, campid, domain, cnt)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (cid, campid, domain) DO UPDATE SET
				cnt = campaign_domains.cnt + EXCLUDED.cnt`,
			cid, campID, domain, n); err != nil {
			return fmt.Errorf("store: upsert campaign domain: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) CampaignDomains(ctx context.Context, cid, campID string) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT domain, cnt FROM campaign_domains WHERE cid = $1 AND campid = $2`, cid, campID)
	if err != nil {
		return nil, fmt.Errorf("store: query campaign domains: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var domain string
		var n int
		if err := rows.Scan(&domain, &n); err != nil {
			return nil, fmt.Errorf("store: scan campaign domain: %w", err)
		}
		out[domain] = n
	}
	return out, rows.Err()
}

func (p *Postgres) AddHourStat(ctx context.Context, s HourStat) error {
	d := s.Counts
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO hourstats (cid, campcid, ts, sinkid, domain, ip, settingsid, campid,
			delivered, send, soft, hard, opened, opened_all, clicked, clicked_all, complained, unsubscribed, defercnt)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (cid, campcid, ts, sinkid, domain, ip, settingsid, campid) DO UPDATE SET
			delivered = hourstats.delivered + EXCLUDED.delivered,
			send = hourstats.send + EXCLUDED.send,
			soft = hourstats.soft + EXCLUDED.soft,
			hard = hourstats.hard + EXCLUDED.hard,
			opened = hourstats.opened + EXCLUDED.opened,
			opened_all = hourstats.opened_all + EXCLUDED.opened_all,
			clicked = hourstats.clicked + EXCLUDED.clicked,
			clicked_all = hourstats.clicked_all + EXCLUDED.clicked_all,
			complained = hourstats.complained + EXCLUDED.complained,
			unsubscribed = hourstats.unsubscribed + EXCLUDED.unsubscribed,
			defercnt = hourstats.defercnt + EXCLUDED.defercnt`,
		s.CompanyID, s.CampaignCompanyID, s.Hour.Truncate(time.Hour), s.SinkID, s.Domain, s.IP, s.SettingsID, s.CampaignID,
		d.Delivered, d.Send, d.Soft, d.Hard, d.Opened, d.OpenedAll, d.Clicked, d.ClickedAll,
		d.Complained, d.Unsubscribed, d.Deferred)
	if err != nil {
		return fmt.Errorf("store: add hour stat: %w", err)
	}
	return nil
}

func (p *Postgres) AddTxnStat(ctx context.Context, s TxnStat) error {
	d := s.Counts
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO txnstats (ts, cid, tag, domain,
			delivered, send, soft, hard, opened, opened_all, clicked, clicked_all, complained, unsubscribed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (ts, cid, tag, domain) DO UPDATE SET
			delivered = txnstats.delivered + EXCLUDED.delivered,
			send = txnstats.send + EXCLUDED.send,
			soft = txnstats.soft + EXCLUDED.soft,
			hard = txnstats.hard + EXCLUDED.hard,
			opened = txnstats.opened + EXCLUDED.opened,
			opened_all = txnstats.opened_all + EXCLUDED.opened_all,
			clicked = txnstats.clicked + EXCLUDED.clicked,
			clicked_all = txnstats.clicked_all + EXCLUDED.clicked_all,
			complained = txnstats.complained + EXCLUDED.complained,
			unsubscribed = txnstats.unsubscribed + EXCLUDED.unsubscribed`,
		s.Hour.Truncate(time.Hour), s.CompanyID, s.Tag, s.Domain,
		d.Delivered, d.Send, d.Soft, d.Hard, d.Opened, d.OpenedAll, d.Clicked, d.ClickedAll,
		d.Complained, d.Unsubscribed)
	if err != nil {
		return fmt.Errorf("store: add txn stat: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertStatMessage(ctx context.Context, cid, campID string, kind model.EventKind, msg string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO statmsgs (cid, campid, cmd, msg, cnt) VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (cid, campid, cmd, msg) DO UPDATE SET cnt = statmsgs.cnt + 1`,
		cid, campID, string(kind), msg)
	if err != nil {
		return fmt.Errorf("store: upsert stat message: %w", err)
	}
	return nil
}

func (p *Postgres) InsertTracking(ctx context.Context, t Tracking) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tracking (id, cid, campid, tag, email, sinkid, settingsid, ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.CompanyID, t.CampaignID, t.TxnTag, t.Email, t.SinkID, t.SettingsID, t.IP)
	if err != nil {
		return fmt.Errorf("store: insert tracking: %w", err)
	}
	return nil
}

func (p *Postgres) GetTracking(ctx context.Context, id string) (*Tracking, error) {
	var t Tracking
	err := p.db.QueryRowContext(ctx,
		`SELECT id, cid, campid, tag, email, sinkid, settingsid, ip, created_at
		 FROM tracking WHERE id = $1`, id).
		Scan(&t.ID, &t.CompanyID, &t.CampaignID, &t.TxnTag, &t.Email, &t.SinkID,
			&t.SettingsID, &t.IP, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tracking: %w", err)
	}
	return &t, nil
}

func (p *Postgres) SeenProviderEvent(ctx context.Context, provider, eventID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO provider_events (provider, eventid) VALUES ($1, $2)
		 ON CONFLICT (provider, eventid) DO NOTHING`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("store: record provider event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}

func (p *Postgres) AddContactTag(ctx context.Context, cid, email, tag string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO contact_tags (cid, email, tag) VALUES ($1, $2, $3)
		 ON CONFLICT (cid, email, tag) DO NOTHING`, cid, email, tag)
	if err != nil {
		return fmt.Errorf("store: add contact tag: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveContactTag(ctx context.Context, cid, email, tag string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM contact_tags WHERE cid = $1 AND email = $2 AND tag = $3`, cid, email, tag)
	if err != nil {
		return fmt.Errorf("store: remove contact tag: %w", err)
	}
	return nil
}

func (p *Postgres) ContactTags(ctx context.Context, cid, email string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT tag FROM contact_tags WHERE cid = $1 AND email = $2 ORDER BY tag`, cid, email)
	if err != nil {
		return nil, fmt.Errorf("store: query contact tags: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("store: scan contact tag: %w", err)
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

func (p *Postgres) Webhooks(ctx context.Context, cid string) ([]Webhook, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, data FROM webhooks WHERE cid = $1`, cid)
	if err != nil {
		return nil, fmt.Errorf("store: query webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("store: scan webhook: %w", err)
		}
		var w Webhook
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("store: decode webhook: %w", err)
		}
		w.ID = id
		w.CompanyID = cid
		out = append(out, w)
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
