package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// HostedSink submits batches to a self-hosted outbound MTA through its HTTP
// control plane. The sink pulls the list block and body from object storage
// itself; the submission only carries keys and envelope parameters.
type HostedSink struct {
	client   *http.Client
	reporter Reporter
	logger   *slog.Logger
}

// NewHostedSink creates the hosted sink adapter.
func NewHostedSink(reporter Reporter) *HostedSink {
	return &HostedSink{
		client:   newHTTPClient(),
		reporter: reporter,
		logger:   slog.Default().With("component", "provider-sink"),
	}
}

func (s *HostedSink) Kind() model.ProviderKind {
	return model.ProviderSink
}

type sinkSubmission struct {
	CompanyID  string   `json:"cid"`
	CampaignID string   `json:"campid"`
	SendID     string   `json:"sendid"`
	Domain     string   `json:"domain"`
	From       string   `json:"from"`
	ReturnPath string   `json:"returnpath,omitempty"`
	ReplyTo    string   `json:"replyto,omitempty"`
	Subject    string   `json:"subject"`
	BodyKey    string   `json:"bodykey"`
	ListKey    string   `json:"listkey"`
	Emails     []string `json:"emails"`
	Tracking   []string `json:"trackingids"`
}

func (s *HostedSink) Send(ctx context.Context, task *Task) error {
	url := task.Settings["url"]
	accessKey := task.Settings["accesskey"]
	if url == "" || accessKey == "" {
		return fmt.Errorf("provider: sink %s missing url or access key", task.Params.SinkID)
	}

	sub := sinkSubmission{
		CompanyID:  task.CompanyID,
		CampaignID: task.CampaignID,
		SendID:     task.SendID,
		Domain:     task.Domain,
		From:       task.Params.From,
		ReturnPath: task.Params.ReturnPath,
		ReplyTo:    task.Params.ReplyTo,
		Subject:    task.Subject,
		BodyKey:    task.Params.BodyKey,
		ListKey:    task.Params.ListKey,
	}
	for i := range task.Recipients {
		sub.Emails = append(sub.Emails, task.Recipients[i].Email)
		sub.Tracking = append(sub.Tracking, task.Recipients[i].TrackingID)
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("provider: encode sink submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provider: sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", accessKey)

	resp, err := s.client.Do(req)
	if err != nil {
		reportAllFailed(ctx, s.reporter, task, err.Error())
		return fmt.Errorf("provider: sink submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg := fmt.Sprintf("sink returned %d", resp.StatusCode)
		reportAllFailed(ctx, s.reporter, task, msg)
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	for i := range task.Recipients {
		if err := s.reporter.RecordSend(ctx, task.record(&task.Recipients[i])); err != nil {
			s.logger.Warn("record send failed", "error", err)
		}
	}
	return nil
}
