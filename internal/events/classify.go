package events

import "github.com/webmaster-cyber/sendmailzw/internal/model"

// hardBounceClasses are the transactional provider's permanent-failure
// bounce classifications. Everything else bounces soft.
var hardBounceClasses = map[string]bool{
	"10": true,
	"25": true,
	"26": true,
	"30": true,
	"90": true,
}

// ClassifyTransactional maps a transactional-API webhook event to the
// canonical taxonomy.
func ClassifyTransactional(eventType, bounceClass string) model.EventKind {
	switch eventType {
	case "spam_complaint":
		return model.EventComplaint
	case "delivery":
		return model.EventDelivered
	case "delay":
		return model.EventDeferred
	}
	if hardBounceClasses[bounceClass] {
		return model.EventHardBounce
	}
	return model.EventSoftBounce
}

// ClassifyBulk maps a bulk-mail API webhook event to the canonical
// taxonomy.
func ClassifyBulk(eventType, severity, reason string) model.EventKind {
	switch eventType {
	case "complained":
		return model.EventComplaint
	case "delivered":
		return model.EventDelivered
	}
	if severity == "temporary" {
		return model.EventDeferred
	}
	if reason == "bounce" {
		return model.EventHardBounce
	}
	return model.EventSoftBounce
}
