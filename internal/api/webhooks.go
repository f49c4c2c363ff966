package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/events"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// Provider webhooks are acknowledged fast: payloads are classified into the
// canonical event taxonomy and buffered; a worker ingests them afterwards.
// Payloads without our send metadata belong to mail we did not originate and
// are acknowledged without queueing so the provider stops resending them.

// transactionalBatch is the transactional provider's webhook payload: an
// array of wrapped message events.
type transactionalBatch []struct {
	Msys struct {
		MessageEvent *transactionalEvent `json:"message_event"`
	} `json:"msys"`
}

// Scalar fields the provider serializes inconsistently (quoted in some
// payload versions, bare numbers in others) are kept raw and normalized
// with rawScalar.
type transactionalEvent struct {
	EventID     string            `json:"event_id"`
	Type        string            `json:"type"`
	BounceClass json.RawMessage   `json:"bounce_class"`
	Reason      string            `json:"reason"`
	IPAddress   string            `json:"ip_address"`
	ErrorCode   string            `json:"error_code"`
	RcptTo      string            `json:"rcpt_to"`
	Timestamp   json.RawMessage   `json:"timestamp"`
	RcptMeta    map[string]string `json:"rcpt_meta"`
}

func (s *Server) handleTransactionalWebhook(w http.ResponseWriter, r *http.Request) {
	var batch transactionalBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "a valid JSON document is required")
		return
	}

	queued := 0
	for _, item := range batch {
		ev := item.Msys.MessageEvent
		if ev == nil || ev.RcptMeta["settingsid"] == "" {
			continue
		}
		email := model.ExtractEmail(ev.RcptTo)
		if email == "" {
			s.logger.Warn("transactional webhook with bad recipient", "rcpt", ev.RcptTo)
			continue
		}

		msg := "Delivered"
		if ev.ErrorCode != "" {
			msg = ev.ErrorCode + " " + ev.Reason
		}

		e := &model.Event{
			Kind:            events.ClassifyTransactional(ev.Type, rawScalar(ev.BounceClass)),
			CompanyID:       ev.RcptMeta["cid"],
			CampaignID:      ev.RcptMeta["campid"],
			TxnTag:          ev.RcptMeta["tag"],
			Email:           email,
			Timestamp:       unixTime(ev.Timestamp),
			TrackingID:      ev.RcptMeta["trackingid"],
			SinkID:          string(model.ProviderTransactional),
			SettingsID:      ev.RcptMeta["settingsid"],
			SendingIP:       ev.IPAddress,
			LinkIndex:       -1,
			Message:         msg,
			ProviderEventID: ev.EventID,
		}
		if err := s.ingest.EnqueueWebhook(r.Context(), e); err != nil {
			s.logger.Error("queue transactional webhook", "error", err)
			writeError(w, http.StatusInternalServerError, "queue failed")
			return
		}
		queued++
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": queued})
}

// bulkWebhook is the bulk provider's webhook payload: a single wrapped
// event with delivery status and user variables.
type bulkWebhook struct {
	EventData struct {
		ID        string          `json:"id"`
		Event     string          `json:"event"`
		Severity  string          `json:"severity"`
		Reason    string          `json:"reason"`
		Recipient string          `json:"recipient"`
		Timestamp json.RawMessage `json:"timestamp"`
		Envelope  struct {
			SendingIP string `json:"sending-ip"`
		} `json:"envelope"`
		DeliveryStatus struct {
			Code        json.RawMessage `json:"code"`
			Message     string          `json:"message"`
			Description string          `json:"description"`
		} `json:"delivery-status"`
		UserVariables map[string]string `json:"user-variables"`
	} `json:"event-data"`
}

func (s *Server) handleBulkWebhook(w http.ResponseWriter, r *http.Request) {
	var doc bulkWebhook
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "a valid JSON document is required")
		return
	}
	ev := doc.EventData
	if ev.UserVariables["settingsid"] == "" {
		writeJSON(w, http.StatusOK, map[string]int{"queued": 0})
		return
	}
	email := model.ExtractEmail(ev.Recipient)
	if email == "" {
		s.logger.Warn("bulk webhook with bad recipient", "rcpt", ev.Recipient)
		writeJSON(w, http.StatusOK, map[string]int{"queued": 0})
		return
	}

	desc := ev.DeliveryStatus.Message
	if desc == "" {
		desc = ev.DeliveryStatus.Description
	}
	msg := strings.TrimSpace(rawScalar(ev.DeliveryStatus.Code) + " " + desc)

	e := &model.Event{
		Kind:            events.ClassifyBulk(ev.Event, ev.Severity, ev.Reason),
		CompanyID:       ev.UserVariables["cid"],
		CampaignID:      ev.UserVariables["campid"],
		TxnTag:          ev.UserVariables["tag"],
		Email:           email,
		Timestamp:       unixTime(ev.Timestamp),
		TrackingID:      ev.UserVariables["trackingid"],
		SinkID:          string(model.ProviderBulkAPI),
		SettingsID:      ev.UserVariables["settingsid"],
		SendingIP:       ev.Envelope.SendingIP,
		LinkIndex:       -1,
		Message:         msg,
		ProviderEventID: ev.ID,
	}
	if err := s.ingest.EnqueueWebhook(r.Context(), e); err != nil {
		s.logger.Error("queue bulk webhook", "error", err)
		writeError(w, http.StatusInternalServerError, "queue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": 1})
}

// rawScalar renders a raw JSON scalar as its bare string form.
func rawScalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}

// unixTime parses a provider timestamp given as unix seconds, integral or
// fractional, quoted or not. The zero time lets the ingestor stamp arrival
// time instead.
func unixTime(raw json.RawMessage) time.Time {
	f, err := strconv.ParseFloat(rawScalar(raw), 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(int64(f), 0).UTC()
}
