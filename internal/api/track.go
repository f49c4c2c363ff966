package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// trackingGIF is a 1x1 transparent pixel.
var trackingGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x01,
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x01, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x4C, 0x01, 0x00, 0x3B,
}

const unsubPage = `<html><head><title>Unsubscribed</title></head><body>` +
	`<p>You have been unsubscribed from this mailing list. Sorry to see you go!</p>` +
	`</body></html>`

var linkParamRe = regexp.MustCompile(`\{\{[^\}]+\}\}`)

// handleTrack records opens, clicks and unsubscribes from tracked mail, and
// serves the view-in-browser rendering. Recording is best effort: the
// recipient always gets their pixel, redirect or confirmation page.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, c := q.Get("t"), q.Get("c")
	if t == "" || c == "" {
		writeError(w, http.StatusBadRequest, "missing parameter")
		return
	}

	if strings.ContainsRune(model.ViewLetters, rune(t[0])) {
		s.handleView(w, r, q.Get("cid"), c)
		return
	}

	var kind model.EventKind
	switch {
	case strings.ContainsRune(model.ClickLetters, rune(t[0])):
		kind = model.EventClick
	case strings.ContainsRune(model.OpenLetters, rune(t[0])):
		kind = model.EventOpen
	case strings.ContainsRune(model.UnsubLetters, rune(t[0])):
		kind = model.EventUnsubscribe
	default:
		writeError(w, http.StatusBadRequest, "bad request type")
		return
	}

	uid := q.Get("u")
	email := provider.DecodeUID(uid)
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing parameter")
		return
	}

	index := -1
	if l := q.Get("l"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			index = n
		}
	}

	e := &model.Event{
		Kind:      kind,
		Email:     email,
		LinkIndex: index,
	}
	if tag, ok := strings.CutPrefix(c, "tx-"); ok {
		e.TxnTag = tag
	} else {
		e.CampaignID = c
	}

	cid := q.Get("cid")
	tr := q.Get("r")
	switch {
	case c == "test" || tr == "w":
		// test sends and web-view engagement are not recorded
	case tr == "":
		s.logger.Info("track event without tracking id", "kind", kind)
	default:
		row, err := s.store.GetTracking(r.Context(), tr)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// the send confirmation has not arrived yet; hold the event
			// for replay
			if err := s.ingest.BufferPending(r.Context(), tr, e); err != nil {
				s.logger.Error("buffer pending event", "tracking", tr, "error", err)
			}
		case err != nil:
			s.logger.Error("tracking lookup", "tracking", tr, "error", err)
		default:
			e.CompanyID = row.CompanyID
			e.SinkID = row.SinkID
			e.SettingsID = row.SettingsID
			e.SendingIP = row.IP
			if cid == "" {
				cid = row.CompanyID
			}
			if err := s.ingest.Record(r.Context(), e); err != nil {
				s.logger.Error("track event failed", "kind", kind, "error", err)
			}
		}
	}

	if kind == model.EventOpen {
		w.Header().Set("Content-Type", "image/gif")
		w.Write(trackingGIF)
		return
	}

	if url := s.resolveLink(r, cid, e.CampaignID, index, q["p"]); url != "" {
		http.Redirect(w, r, url, http.StatusMovedPermanently)
		return
	}
	if kind == model.EventUnsubscribe {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(unsubPage))
		return
	}
	writeError(w, http.StatusBadRequest, "invalid parameter")
}

// resolveLink looks up a click's redirect target and substitutes any
// dynamic link parameters carried on the tracking URL.
func (s *Server) resolveLink(r *http.Request, cid, campID string, index int, params []string) string {
	if cid == "" || campID == "" || index < 0 {
		return ""
	}
	urls, _, err := s.store.CampaignLinks(r.Context(), cid, campID)
	if err != nil || index >= len(urls) {
		return ""
	}
	url := urls[index]
	for _, val := range params {
		url = replaceFirstParam(url, val)
	}
	return url
}

func replaceFirstParam(url, val string) string {
	loc := linkParamRe.FindStringIndex(url)
	if loc == nil {
		return url
	}
	return url[:loc[0]] + val + url[loc[1]:]
}

// Merge tags in the stored body are {{Name}} or {{Name,default=value}}.
var (
	viewTagRe   = regexp.MustCompile(`\{\{([^}]+)\}\}`)
	viewPixelRe = regexp.MustCompile(`(?i)<img\s[^>]*(?:height="1"[^>]*width="1"|width="1"[^>]*height="1")[^>]*/?\s*>\n?`)
)

// handleView serves the campaign body as a web page: the tracking pixel is
// stripped and merge tags collapse to their defaults. Tracking ids become
// "w" so body links stay functional without attributing to a recipient.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request, cid, campID string) {
	if cid == "" {
		writeError(w, http.StatusBadRequest, "missing parameter")
		return
	}
	camp, err := s.store.GetCampaign(r.Context(), cid, campID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && camp.BodyKey == "") {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	if err != nil {
		s.logger.Error("load campaign", "campaign", campID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	body, err := s.objects.Read(r.Context(), s.cfg.DataBucket, camp.BodyKey)
	if err != nil {
		s.logger.Error("read campaign body", "key", camp.BodyKey, "error", err)
		writeError(w, http.StatusNotFound, "template not found")
		return
	}

	html := viewPixelRe.ReplaceAllString(string(body), "")
	html = viewTagRe.ReplaceAllStringFunc(html, func(m string) string {
		name, def := provider.ParseTag(m[2 : len(m)-2])
		switch name {
		case provider.TagTrackingID, provider.TagUID:
			return "w"
		}
		if strings.HasPrefix(name, "!!") || strings.HasPrefix(name, "__") {
			return ""
		}
		return def
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
