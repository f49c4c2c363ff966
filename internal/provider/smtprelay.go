package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"mime/quotedprintable"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// defaultMessagesPerConn bounds how many messages ride one SMTP connection
// before the lease reconnects. Relays drop connections that run too long.
const defaultMessagesPerConn = 100

// SMTPRelay delivers through a raw SMTP relay over a persistent connection.
// A connection lease is private to one Send invocation and reconnects after
// a configured number of messages.
type SMTPRelay struct {
	reporter Reporter
	logger   *slog.Logger

	// dial is overridable in tests.
	dial func(host string, port int, username, password string) (smtpClient, error)
}

type smtpClient interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSMTPRelay creates the SMTP relay adapter.
func NewSMTPRelay(reporter Reporter) *SMTPRelay {
	return &SMTPRelay{
		reporter: reporter,
		logger:   slog.Default().With("component", "provider-smtprelay"),
		dial:     dialSMTP,
	}
}

func dialSMTP(host string, port int, username, password string) (smtpClient, error) {
	c, err := smtp.Dial(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("provider: smtp dial: %w", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			c.Close()
			return nil, fmt.Errorf("provider: smtp starttls: %w", err)
		}
	}
	if username != "" {
		auth := smtp.PlainAuth("", username, password, host)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, fmt.Errorf("provider: smtp auth: %w", err)
		}
	}
	return c, nil
}

func (s *SMTPRelay) Kind() model.ProviderKind {
	return model.ProviderSMTPRelay
}

// connectionLease keeps one SMTP connection alive across messages and
// reconnects after maxMessages.
type connectionLease struct {
	relay       *SMTPRelay
	host        string
	port        int
	username    string
	password    string
	maxMessages int

	conn smtpClient
	sent int
}

func (l *connectionLease) acquire() (smtpClient, error) {
	if l.conn != nil && l.sent >= l.maxMessages {
		if err := l.conn.Quit(); err != nil {
			l.conn.Close()
		}
		l.conn = nil
		l.sent = 0
	}
	if l.conn == nil {
		conn, err := l.relay.dial(l.host, l.port, l.username, l.password)
		if err != nil {
			return nil, err
		}
		l.conn = conn
	}
	return l.conn, nil
}

// drop discards a connection after a transmission error; the next acquire
// reconnects.
func (l *connectionLease) drop() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		l.sent = 0
	}
}

func (l *connectionLease) release() {
	if l.conn != nil {
		if err := l.conn.Quit(); err != nil {
			l.conn.Close()
		}
		l.conn = nil
	}
}

func (s *SMTPRelay) Send(ctx context.Context, task *Task) error {
	host := task.Settings["host"]
	if host == "" {
		return fmt.Errorf("provider: smtprelay settings incomplete")
	}
	port := 25
	if p, err := strconv.Atoi(task.Settings["port"]); err == nil && p > 0 {
		port = p
	}
	maxMessages := defaultMessagesPerConn
	if n, err := strconv.Atoi(task.Settings["msgsperconn"]); err == nil && n > 0 {
		maxMessages = n
	}

	lease := &connectionLease{
		relay:       s,
		host:        host,
		port:        port,
		username:    task.Settings["username"],
		password:    task.Settings["password"],
		maxMessages: maxMessages,
	}
	defer lease.release()

	envelopeFrom := task.Params.ReturnPath
	if envelopeFrom == "" {
		envelopeFrom = task.Params.From
	}
	if addr, err := mail.ParseAddress(envelopeFrom); err == nil {
		envelopeFrom = addr.Address
	}

	var firstErr error
	for i := range task.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		rcpt := &task.Recipients[i]
		resolve := task.systemResolver(rcpt, randomSuffix(8))
		html := RenderForRecipient(task.HTML, rcpt.Fields, resolve)
		subject := RenderForRecipient(task.Subject, rcpt.Fields, resolve)

		msg, err := buildMessage(task, rcpt, subject, html)
		if err != nil {
			_ = s.reporter.RecordFailure(ctx, task.record(rcpt), err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := s.transmit(lease, envelopeFrom, rcpt.Email, msg); err != nil {
			s.logger.Error("smtp send failed", "email", rcpt.Email, "error", err)
			_ = s.reporter.RecordFailure(ctx, task.record(rcpt), err.Error())
			lease.drop()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		lease.sent++
		if err := s.reporter.RecordSend(ctx, task.record(rcpt)); err != nil {
			s.logger.Warn("record send failed", "error", err)
		}
	}
	return firstErr
}

func (s *SMTPRelay) transmit(lease *connectionLease, from, to string, msg []byte) error {
	conn, err := lease.acquire()
	if err != nil {
		return err
	}
	if err := conn.Mail(from); err != nil {
		return fmt.Errorf("provider: smtp mail: %w", err)
	}
	if err := conn.Rcpt(to); err != nil {
		return fmt.Errorf("provider: smtp rcpt: %w", err)
	}
	w, err := conn.Data()
	if err != nil {
		return fmt.Errorf("provider: smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("provider: smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("provider: smtp close: %w", err)
	}
	return nil
}

// buildMessage assembles a quoted-printable HTML message with unsubscribe
// headers.
func buildMessage(task *Task, rcpt *Recipient, subject, html string) ([]byte, error) {
	var sb strings.Builder
	unsubURL := fmt.Sprintf("%s/l?t=unsub&r=%s&c=%s&u=%s",
		task.WebRoot, rcpt.TrackingID, task.CampaignID, EncodeUID(rcpt.Email))

	fmt.Fprintf(&sb, "From: %s\r\n", task.Params.From)
	fmt.Fprintf(&sb, "To: %s\r\n", rcpt.Email)
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	if task.Params.ReplyTo != "" {
		fmt.Fprintf(&sb, "Reply-To: %s\r\n", task.Params.ReplyTo)
	}
	fmt.Fprintf(&sb, "List-Unsubscribe: <%s>\r\n", unsubURL)
	sb.WriteString("List-Unsubscribe-Post: List-Unsubscribe=One-Click\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	sb.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	sb.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&sb)
	if _, err := qp.Write([]byte(html)); err != nil {
		return nil, fmt.Errorf("provider: encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("provider: encode body: %w", err)
	}
	return []byte(sb.String()), nil
}
