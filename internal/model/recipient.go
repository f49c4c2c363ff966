package model

import "time"

// Recipient is one list member. Fields beyond the address are free-form
// merge data carried through list blocks into provider substitution.
type Recipient struct {
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields,omitempty"`

	// Engagement ordering inputs. LastEngaged is the most recent open or
	// click; AddedAt is the subscription time.
	LastEngaged *time.Time `json:"lastengaged,omitempty"`
	AddedAt     time.Time  `json:"added,omitempty"`
}

// Field returns a merge field value, falling back to def when absent or
// empty.
func (r *Recipient) Field(name, def string) string {
	if v, ok := r.Fields[name]; ok && v != "" {
		return v
	}
	return def
}

// Domain returns the recipient's lowercased mail domain.
func (r *Recipient) Domain() string {
	return EmailDomain(r.Email)
}
