package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// Merge tags are {{Name}} or {{Name,default=value}}. System tags start with
// "!!" and resolve from send context rather than recipient fields.
var (
	tagRe     = regexp.MustCompile(`\{\{([^}]+)\}\}`)
	defaultRe = regexp.MustCompile(`\s*default\s*=(.+)`)
)

// System tag names.
const (
	TagTo            = "!!to"
	TagEmail         = "Email"
	TagDomain        = "!!domain"
	TagWebRoot       = "!!webroot"
	TagCampaignID    = "!!campid"
	TagTrackingID    = "!!trackingid"
	TagUID           = "!!uid"
	TagViewInBrowser = "!!viewinbrowser"
	TagRand          = "!!rand"
)

func systemTag(name string) bool {
	switch name {
	case TagTo, TagEmail, TagDomain, TagWebRoot, TagCampaignID,
		TagTrackingID, TagUID, TagViewInBrowser, TagRand:
		return true
	}
	return false
}

// ParseTag splits a raw tag body into its field name and default value.
func ParseTag(raw string) (name, def string) {
	name = raw
	if i := strings.Index(raw, ","); i >= 0 {
		name = raw[:i]
		if m := defaultRe.FindStringSubmatch(raw[i+1:]); m != nil {
			def = m[1]
		}
	}
	return name, def
}

// Var is one recipient merge variable appearing in a template. When the same
// field is used with two different defaults, the second occurrence gets an
// aliased name with a numeric suffix so both defaults survive substitution.
type Var struct {
	Alias   string
	Field   string
	Default string
}

// Vars collects the recipient merge variables of the given texts, skipping
// system tags, keyed by alias.
func Vars(texts ...string) map[string]Var {
	out := make(map[string]Var)
	for _, txt := range texts {
		for _, m := range tagRe.FindAllStringSubmatch(txt, -1) {
			name, def := ParseTag(m[1])
			if systemTag(name) {
				continue
			}
			if v, ok := out[name]; !ok {
				out[name] = Var{Alias: name, Field: name, Default: def}
			} else if v.Default != def {
				found := false
				for _, existing := range out {
					if existing.Field == name && existing.Default == def {
						found = true
						break
					}
				}
				if found {
					continue
				}
				for n := 2; ; n++ {
					alias := fmt.Sprintf("%s%d", name, n)
					if _, taken := out[alias]; !taken {
						out[alias] = Var{Alias: alias, Field: name, Default: def}
						break
					}
				}
			}
		}
	}
	return out
}

// aliasFor finds the alias registered for a (field, default) pair.
func aliasFor(vars map[string]Var, field, def string) string {
	for alias, v := range vars {
		if v.Field == field && v.Default == def {
			return alias
		}
	}
	return field
}

// TagResolver resolves one tag occurrence. Returning ok=false leaves the tag
// for a later substitution stage.
type TagResolver func(name, def string) (string, bool)

// RenderTags substitutes every tag the resolver can answer, leaving the rest
// untouched.
func RenderTags(text string, resolve TagResolver) string {
	return tagRe.ReplaceAllStringFunc(text, func(m string) string {
		raw := m[2 : len(m)-2]
		name, def := ParseTag(raw)
		if v, ok := resolve(name, def); ok {
			return v
		}
		return m
	})
}

// RenderForRecipient fully renders a template for one recipient: recipient
// fields with their defaults, then system tags from the resolver.
func RenderForRecipient(text string, fields map[string]string, resolve TagResolver) string {
	return RenderTags(text, func(name, def string) (string, bool) {
		if systemTag(name) {
			if resolve == nil {
				return "", false
			}
			return resolve(name, def)
		}
		if v, ok := fields[name]; ok && v != "" {
			return v, true
		}
		return def, true
	})
}
