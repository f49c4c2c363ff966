package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/mail"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// RelayAPI submits through a legacy messaging relay that accepts one SOAP
// job per recipient. The recipient list and rendered body travel as
// base64-encoded documents inside the envelope.
type RelayAPI struct {
	client   *http.Client
	reporter Reporter
	logger   *slog.Logger
}

// NewRelayAPI creates the relay API adapter.
func NewRelayAPI(reporter Reporter) *RelayAPI {
	return &RelayAPI{
		client:   newHTTPClient(),
		reporter: reporter,
		logger:   slog.Default().With("component", "provider-relayapi"),
	}
}

func (r *RelayAPI) Kind() model.ProviderKind {
	return model.ProviderRelayAPI
}

const relayEnvelope = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
	<soapenv:Header>
		<ns1:Request xmlns:ns1="http://ws.easylink.com/RequestResponse/2011/01">
			<ns1:ReceiverKey>%[1]s</ns1:ReceiverKey>
			<ns1:Authentication>
				<ns1:XDDSAuth>
					<ns1:RequesterID>%[2]s</ns1:RequesterID>
					<ns1:Password>%[3]s</ns1:Password>
				</ns1:XDDSAuth>
			</ns1:Authentication>
		</ns1:Request>
	</soapenv:Header>
	<soapenv:Body>
		<JobSubmitRequest xmlns="http://ws.easylink.com/JobSubmit/2011/01">
			<SubmitId>%[4]s</SubmitId>
			<DocumentSet>
				<Document ref="docREF_CSV">
					<DocType>text</DocType>
					<Filename>recipients.csv</Filename>
					<DocData format="base64">%[5]s</DocData>
				</Document>
				<Document ref="email_html_text">
					<DocType>HTML</DocType>
					<DocData format="base64">%[6]s</DocData>
				</Document>
			</DocumentSet>
			<Message>
				<JobOptions>
					<Delivery><Schedule>express</Schedule></Delivery>
					<PriorityBoost>0</PriorityBoost>
					<EnhancedEmailOptions>
						<Subject b64charset="UTF-8">%[7]s</Subject>
						<FromDisplayName>%[8]s</FromDisplayName>
						<HTMLOpenTracking>none</HTMLOpenTracking>
						<CharacterSet>UTF-8</CharacterSet>
					</EnhancedEmailOptions>
				</JobOptions>
				<Destinations>
					<Table ref="tblREF_CSV"><DocRef>docREF_CSV</DocRef></Table>
				</Destinations>
				<Reports>
					<DeliveryReport><DeliveryReportType>detail</DeliveryReportType></DeliveryReport>
				</Reports>
				<Contents>
					<Part><DocRef>email_html_text</DocRef><Treatment>body</Treatment></Part>
				</Contents>
			</Message>
		</JobSubmitRequest>
	</soapenv:Body>
</soapenv:Envelope>`

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func (r *RelayAPI) Send(ctx context.Context, task *Task) error {
	endpoint := task.Settings["url"]
	username := task.Settings["username"]
	password := task.Settings["password"]
	if endpoint == "" || username == "" || password == "" {
		return fmt.Errorf("provider: relayapi settings incomplete")
	}

	fromName := task.Params.From
	if addr, err := mail.ParseAddress(task.Params.From); err == nil {
		fromName = addr.Name
	}

	var firstErr error
	for i := range task.Recipients {
		rcpt := &task.Recipients[i]
		resolve := task.systemResolver(rcpt, randomSuffix(8))
		html := RenderForRecipient(task.HTML, rcpt.Fields, resolve)
		subject := RenderForRecipient(task.Subject, rcpt.Fields, resolve)

		csvDoc := fmt.Sprintf("ADDR,TYPE\n%s,internet\n", rcpt.Email)
		envelope := fmt.Sprintf(relayEnvelope,
			xmlEscape(endpoint),
			xmlEscape(username),
			xmlEscape(password),
			fmt.Sprintf("%06d", rand.Intn(1000000)),
			base64.StdEncoding.EncodeToString([]byte(csvDoc)),
			base64.StdEncoding.EncodeToString([]byte(html)),
			base64.StdEncoding.EncodeToString([]byte(subject)),
			xmlEscape(fromName),
		)

		if err := r.submit(ctx, endpoint, envelope); err != nil {
			r.logger.Error("relay submit failed", "email", rcpt.Email, "error", err)
			_ = r.reporter.RecordFailure(ctx, task.record(rcpt), err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.reporter.RecordSend(ctx, task.record(rcpt)); err != nil {
			r.logger.Warn("record send failed", "error", err)
		}
	}
	return firstErr
}

func (r *RelayAPI) submit(ctx context.Context, endpoint, envelope string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewReader([]byte(envelope)))
	if err != nil {
		return fmt.Errorf("provider: relayapi request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: relayapi submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: relay returned %d: %s", ErrRejected, resp.StatusCode, detail)
	}
	return nil
}
