package store

// Schema statements are idempotent so every instance can run them at boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS routes (
		cid TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (cid, id)
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		cid TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (cid, id)
	)`,
	`CREATE TABLE IF NOT EXISTS domaingroups (
		cid TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (cid, id)
	)`,
	`CREATE TABLE IF NOT EXISTS domainthrottles (
		cid TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (cid, id)
	)`,
	`CREATE TABLE IF NOT EXISTS provider_settings (
		cid TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (cid, id)
	)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		cid TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		started BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ,
		canceled BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT NOT NULL DEFAULT '',
		sinkstatus JSONB NOT NULL DEFAULT '{}',
		cnt INTEGER NOT NULL DEFAULT 0,
		domaincnt INTEGER NOT NULL DEFAULT 0,
		bodykey TEXT NOT NULL DEFAULT '',
		delivered INTEGER NOT NULL DEFAULT 0,
		send INTEGER NOT NULL DEFAULT 0,
		soft INTEGER NOT NULL DEFAULT 0,
		hard INTEGER NOT NULL DEFAULT 0,
		opened INTEGER NOT NULL DEFAULT 0,
		opened_all INTEGER NOT NULL DEFAULT 0,
		clicked INTEGER NOT NULL DEFAULT 0,
		clicked_all INTEGER NOT NULL DEFAULT 0,
		complained INTEGER NOT NULL DEFAULT 0,
		unsubscribed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (cid, id)
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_links (
		cid TEXT NOT NULL,
		campid TEXT NOT NULL,
		idx INTEGER NOT NULL,
		url TEXT NOT NULL,
		clicks INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (cid, campid, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS campqueue (
		id BIGSERIAL PRIMARY KEY,
		cid TEXT NOT NULL,
		campid TEXT NOT NULL,
		sendid TEXT NOT NULL,
		domain TEXT NOT NULL,
		cnt INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		data JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS campqueue_group_idx ON campqueue (cid, campid, domain)`,
	`CREATE TABLE IF NOT EXISTS camplogs (
		cid TEXT NOT NULL,
		campid TEXT NOT NULL,
		email TEXT NOT NULL,
		cmd TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		msg TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (campid, email, cmd)
	)`,
	`CREATE TABLE IF NOT EXISTS txnlogs (
		cid TEXT NOT NULL,
		tag TEXT NOT NULL,
		email TEXT NOT NULL,
		cmd TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		msg TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (cid, tag, email, cmd)
	)`,
	`CREATE TABLE IF NOT EXISTS unsublogs (
		cid TEXT NOT NULL,
		email TEXT NOT NULL,
		unsubscribed BOOLEAN NOT NULL DEFAULT FALSE,
		complained BOOLEAN NOT NULL DEFAULT FALSE,
		bounced BOOLEAN NOT NULL DEFAULT FALSE,
		ts TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (cid, email)
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_domains (
		cid TEXT NOT NULL,
		campid TEXT NOT NULL,
		domain TEXT NOT NULL,
		cnt INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (cid, campid, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS hourstats (
		cid TEXT NOT NULL,
		campcid TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		sinkid TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		settingsid TEXT NOT NULL DEFAULT '',
		campid TEXT NOT NULL DEFAULT '',
		delivered INTEGER NOT NULL DEFAULT 0,
		send INTEGER NOT NULL DEFAULT 0,
		soft INTEGER NOT NULL DEFAULT 0,
		hard INTEGER NOT NULL DEFAULT 0,
		opened INTEGER NOT NULL DEFAULT 0,
		opened_all INTEGER NOT NULL DEFAULT 0,
		clicked INTEGER NOT NULL DEFAULT 0,
		clicked_all INTEGER NOT NULL DEFAULT 0,
		complained INTEGER NOT NULL DEFAULT 0,
		unsubscribed INTEGER NOT NULL DEFAULT 0,
		defercnt INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (cid, campcid, ts, sinkid, domain, ip, settingsid, campid)
	)`,
	`CREATE TABLE IF NOT EXISTS txnstats (
		ts TIMESTAMPTZ NOT NULL,
		cid TEXT NOT NULL,
		tag TEXT NOT NULL,
		domain TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		send INTEGER NOT NULL DEFAULT 0,
		soft INTEGER NOT NULL DEFAULT 0,
		hard INTEGER NOT NULL DEFAULT 0,
		opened INTEGER NOT NULL DEFAULT 0,
		opened_all INTEGER NOT NULL DEFAULT 0,
		clicked INTEGER NOT NULL DEFAULT 0,
		clicked_all INTEGER NOT NULL DEFAULT 0,
		complained INTEGER NOT NULL DEFAULT 0,
		unsubscribed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, cid, tag, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS statmsgs (
		cid TEXT NOT NULL,
		campid TEXT NOT NULL,
		cmd TEXT NOT NULL,
		msg TEXT NOT NULL,
		cnt INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (cid, campid, cmd, msg)
	)`,
	`CREATE TABLE IF NOT EXISTS tracking (
		id TEXT PRIMARY KEY,
		cid TEXT NOT NULL,
		campid TEXT NOT NULL DEFAULT '',
		tag TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL,
		sinkid TEXT NOT NULL DEFAULT '',
		settingsid TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS provider_events (
		provider TEXT NOT NULL,
		eventid TEXT NOT NULL,
		PRIMARY KEY (provider, eventid)
	)`,
	`CREATE TABLE IF NOT EXISTS contact_tags (
		cid TEXT NOT NULL,
		email TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (cid, email, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		cid TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS gathers (
		id TEXT PRIMARY KEY,
		cnt INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		parts JSONB NOT NULL DEFAULT '[]'
	)`,
}
