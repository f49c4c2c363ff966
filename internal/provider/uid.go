package provider

import (
	"encoding/base64"
	"math/rand"
	"strings"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// Common mail domains are abbreviated to one character before obfuscation to
// keep encoded ids short enough for tracking URLs.
var domainAbbrevs = []struct {
	domain, abbrev string
}{
	{"@aol.com", "!"},
	{"@aim.com", "#"},
	{"@gmail.com", "^"},
	{"@googlemail.com", ":"},
	{"@yahoo.com", "&"},
	{"@yahoo.co.uk", "*"},
	{"@rocketmail.com", "?"},
	{"@hotmail.com", "("},
	{"@hotmail.co.uk", ")"},
	{"@live.com", "~"},
	{"@comcast.net", "{"},
	{"@att.net", "}"},
	{"@sbcglobal.net", "["},
	{"@verizon.net", "]"},
	{"@charter.net", ","},
	{"@cox.net", "|"},
	{"@earthlink.net", "<"},
	{"@bellsouth.net", ">"},
}

const randChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890abcdefghijklmnopqrstuvwxyz"

// randomSuffix fills the !!rand merge tag with cache-busting noise.
func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randChars[rand.Intn(len(randChars))]
	}
	return string(b)
}

// EncodeUID obfuscates an email address for use in tracking links. This is
// obfuscation, not cryptography: a random key byte is prepended and XORed
// over the abbreviated address, then urlsafe-base64 encoded without padding.
func EncodeUID(email string) string {
	for _, r := range domainAbbrevs {
		email = strings.ReplaceAll(email, r.domain, r.abbrev)
	}

	raw := []byte(email)
	out := make([]byte, 0, len(raw)+1)
	key := byte(rand.Intn(253) + 1)
	out = append(out, key)
	for _, b := range raw {
		out = append(out, b^key)
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(out), "=")
}

// DecodeUID reverses EncodeUID, best effort. It returns "" when the input
// does not decode to something containing an email address.
func DecodeUID(uid string) string {
	if pad := (4 - len(uid)%4) % 4; pad > 0 {
		uid += strings.Repeat("=", pad)
	}
	raw, err := base64.URLEncoding.DecodeString(uid)
	if err != nil || len(raw) < 2 {
		return ""
	}
	key := raw[0]
	var sb strings.Builder
	for _, b := range raw[1:] {
		sb.WriteByte(b ^ key)
	}
	s := sb.String()
	for _, r := range domainAbbrevs {
		s = strings.ReplaceAll(s, r.abbrev, r.domain)
	}
	return model.ExtractEmail(s)
}
