package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// sinkCallback is the batch a self-hosted sink posts back: engagement
// events with per-recipient attribution plus aggregate outcome counts.
// The keys are single letters to keep large batches small on the wire.
type sinkCallback struct {
	AccessKey  string      `json:"accesskey"`
	Events     []sinkEvent `json:"events"`
	StatEvents []sinkEvent `json:"statevents"`
}

type sinkEvent struct {
	Type       string  `json:"t"`
	CampaignID string  `json:"c"`
	UID        string  `json:"u"`
	LinkIndex  *int    `json:"l"`
	Email      string  `json:"e"`
	SettingsID string  `json:"s"`
	IP         string  `json:"i"`
	Domain     string  `json:"d"`
	Message    string  `json:"m"`
	Count      int     `json:"n"`
	SinkID     string  `json:"k"`
	Timestamp  float64 `json:"ts"`
}

var sinkEventKinds = map[string]model.EventKind{
	"click":     model.EventClick,
	"open":      model.EventOpen,
	"unsub":     model.EventUnsubscribe,
	"complaint": model.EventComplaint,
	"send":      model.EventSend,
	"hard":      model.EventHardBounce,
	"soft":      model.EventSoftBounce,
	"err":       model.EventSoftBounce,
	"defer":     model.EventDeferred,
}

// handleSinkEvents ingests a sink's event batch inline. Sinks retry the
// whole batch on a non-2xx response, so individual bad events are logged
// and skipped rather than failing the request.
func (s *Server) handleSinkEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cid, sinkID := vars["cid"], vars["sinkid"]

	var doc sinkCallback
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "a valid JSON document is required")
		return
	}

	settings, err := s.store.GetProviderSettings(r.Context(), cid, sinkID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusForbidden, "unknown sink")
		return
	}
	if err != nil {
		s.logger.Error("load sink settings", "sink", sinkID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if settings.Data["accesskey"] == "" || settings.Data["accesskey"] != doc.AccessKey {
		writeError(w, http.StatusUnauthorized, "bad access key")
		return
	}

	processed := 0
	for _, list := range [][]sinkEvent{doc.Events, doc.StatEvents} {
		for i := range list {
			ev := &list[i]
			e, ok := s.sinkModelEvent(cid, sinkID, ev)
			if !ok {
				continue
			}
			if err := s.ingest.Record(r.Context(), e); err != nil {
				s.logger.Error("sink event failed", "kind", e.Kind, "error", err)
				continue
			}
			processed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// sinkModelEvent maps one wire event to the canonical form. It returns
// ok=false for events that cannot be attributed.
func (s *Server) sinkModelEvent(cid, sinkID string, ev *sinkEvent) (*model.Event, bool) {
	kind, ok := sinkEventKinds[ev.Type]
	if !ok {
		s.logger.Info("sink event with invalid type", "type", ev.Type)
		return nil, false
	}
	if ev.CampaignID == "" {
		s.logger.Info("sink event without campaign", "type", ev.Type)
		return nil, false
	}

	email := ev.Email
	if email == "" && ev.UID != "" {
		email = provider.DecodeUID(ev.UID)
	}
	switch kind {
	case model.EventClick, model.EventOpen, model.EventUnsubscribe, model.EventComplaint:
		if email == "" {
			s.logger.Info("sink event without recipient", "type", ev.Type)
			return nil, false
		}
	}

	e := &model.Event{
		Kind:       kind,
		CompanyID:  cid,
		Email:      email,
		Domain:     ev.Domain,
		Count:      ev.Count,
		SinkID:     ev.SinkID,
		SettingsID: ev.SettingsID,
		SendingIP:  ev.IP,
		LinkIndex:  -1,
		Message:    strings.TrimSpace(ev.Message),
	}
	if tag, ok := strings.CutPrefix(ev.CampaignID, "tx-"); ok {
		e.TxnTag = tag
	} else {
		e.CampaignID = ev.CampaignID
	}
	if e.SinkID == "" {
		e.SinkID = sinkID
	}
	if ev.LinkIndex != nil {
		e.LinkIndex = *ev.LinkIndex
	}
	if ev.Timestamp > 0 {
		e.Timestamp = time.Unix(int64(ev.Timestamp), 0).UTC()
	}
	return e, true
}
