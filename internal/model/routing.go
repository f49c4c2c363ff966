package model

import (
	"path"
	"regexp"
	"strings"
)

// ProviderKind discriminates the backend type a policy or queue entry routes
// to. It is stored alongside provider configuration and never re-derived
// from field presence.
type ProviderKind string

const (
	// ProviderSink is a self-hosted outbound MTA reached over its HTTP
	// control-plane API.
	ProviderSink ProviderKind = "sink"
	// ProviderBulkAPI is a bulk-mail HTTP API with batch submission and
	// recipient-variable substitution.
	ProviderBulkAPI ProviderKind = "bulkapi"
	// ProviderCloudMailer is a managed-cloud mailer that accepts one
	// recipient per API call.
	ProviderCloudMailer ProviderKind = "cloudmailer"
	// ProviderTransactional is a transactional-email API with JSON
	// transmissions of up to BatchProviderMax recipients.
	ProviderTransactional ProviderKind = "transactional"
	// ProviderRelayAPI is a fax/telex-derived relay taking one XML job
	// submission per recipient.
	ProviderRelayAPI ProviderKind = "relayapi"
	// ProviderSMTPRelay is a raw SMTP relay with a persistent connection.
	ProviderSMTPRelay ProviderKind = "smtprelay"
)

// BatchProviderMax is the largest recipient count a batch-capable provider
// accepts in a single submission.
const BatchProviderMax = 1000

// Batchable reports whether the provider can carry many recipients in one
// network round trip. Non-batchable providers get their queue work pre-split
// into bounded sub-batches.
func (k ProviderKind) Batchable() bool {
	switch k {
	case ProviderCloudMailer, ProviderRelayAPI, ProviderSMTPRelay:
		return false
	default:
		return true
	}
}

// DomainGroup is a named set of glob-style domain patterns used to segment
// routing and statistics by destination mail provider.
type DomainGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Domains string `json:"domains"` // whitespace-separated glob patterns
}

// Patterns returns the normalized pattern list.
func (g *DomainGroup) Patterns() []string {
	return SplitPatterns(g.Domains)
}

// Policy is a named weighted set of sinks restricted to matching domains.
type Policy struct {
	ID      string       `json:"id"`
	Domains string       `json:"domains"` // whitespace-separated glob patterns, "*" for all
	Sinks   []PolicySink `json:"sinks"`
}

// PolicySink is one weighted sink inside a policy.
type PolicySink struct {
	SinkID string `json:"sink"`
	Pct    int    `json:"pct"`
}

// Route is a customer-facing routing configuration: ordered rules mapping a
// domain-group match to weighted splits.
type Route struct {
	ID    string `json:"id"`
	Rules []Rule `json:"rules"`
}

// Rule maps an optional domain group to a weighted set of splits. An empty
// DomainGroupID matches every domain.
type Rule struct {
	DomainGroupID string  `json:"domaingroup"`
	Splits        []Split `json:"splits"`
}

// Split points a percentage of a rule's traffic at a policy (hosted sinks)
// or directly at a third-party provider configuration.
type Split struct {
	PolicyID string `json:"policy"`
	Pct      int    `json:"pct"`
}

// DomainThrottle is a per-route, per-domain-pattern override of the company
// send limits. Exact-domain matches take precedence over glob matches; among
// matches of the same class the most restrictive value wins per field.
type DomainThrottle struct {
	ID          string `json:"id"`
	RouteID     string `json:"route"`
	Domains     string `json:"domains"`
	Active      bool   `json:"active"`
	MinuteLimit Limit  `json:"minlimit,omitempty"`
	HourLimit   Limit  `json:"hourlimit,omitempty"`
	DayLimit    Limit  `json:"daylimit,omitempty"`
}

// Patterns returns the throttle's normalized domain pattern list.
func (t *DomainThrottle) Patterns() []string {
	return SplitPatterns(t.Domains)
}

// SplitPatterns splits a whitespace-separated pattern list, lowercasing and
// dropping empty entries.
func SplitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Fields(s) {
		out = append(out, strings.ToLower(p))
	}
	return out
}

// MatchDomain reports whether domain matches the glob pattern. Patterns use
// shell-style globbing ("*.example.com", "yahoo.*").
func MatchDomain(pattern, domain string) bool {
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(domain))
	return err == nil && ok
}

// MatchAnyDomain reports whether domain matches any of the patterns.
func MatchAnyDomain(patterns []string, domain string) bool {
	for _, p := range patterns {
		if MatchDomain(p, domain) {
			return true
		}
	}
	return false
}

var emailRe = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// ExtractEmail pulls the first plausible address out of a string. Provider
// webhooks sometimes wrap the recipient in display-name syntax.
func ExtractEmail(s string) string {
	return emailRe.FindString(s)
}

// EmailDomain returns the lowercased domain part of an address, or "" when
// the address has no domain.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at == -1 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
