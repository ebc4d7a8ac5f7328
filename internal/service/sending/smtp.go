package sending

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// SMTPConfig describes an authenticated relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
	// Hostname is sent in EHLO and used for Message-ID.
	Hostname string
	Timeout  time.Duration
}

// SMTPSender delivers through an SMTP relay, one connection per message.
type SMTPSender struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTPSender creates a relay sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{cfg: cfg, now: time.Now}
}

// Send delivers msg. SMTP reply codes are preserved on the returned
// DeliveryError so 4xx replies are retried and 5xx are not.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.cfg.Hostname)
	body, err := buildMIME(msg, messageID, s.now())
	if err != nil {
		return nil, &DeliveryError{Transport: "smtp", Message: fmt.Sprintf("build message: %v", err), Err: err}
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	client, err := smtp.Dial(addr)
	if err != nil {
		return nil, &DeliveryError{Transport: "smtp", Temporary: true,
			Message: fmt.Sprintf("connect %s: %v", addr, err), Err: err}
	}
	defer client.Close()

	if err := client.Hello(s.cfg.Hostname); err != nil {
		return nil, Classify("smtp", err)
	}
	if s.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
			if err := client.StartTLS(tlsConfig); err != nil {
				return nil, Classify("smtp", err)
			}
		}
	}
	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return nil, Classify("smtp", err)
		}
	}
	if err := client.SendMail(msg.FromEmail, []string{msg.Email}, bytes.NewReader(body)); err != nil {
		return nil, Classify("smtp", err)
	}
	_ = client.Quit()

	logger.Debug("smtp relay accepted message", "email", msg.Email, "message_id", messageID)
	return &domain.SendResult{MessageID: messageID, Transport: "smtp", SentAt: s.now()}, nil
}

func buildMIME(msg *domain.EmailMessage, messageID string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	headers := map[string]string{
		"From":         formatAddress(msg.FromName, msg.FromEmail),
		"To":           msg.Email,
		"Subject":      mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date":         now.UTC().Format(time.RFC1123Z),
		"Message-ID":   "<" + messageID + ">",
		"MIME-Version": "1.0",
	}
	if msg.ReplyTo != "" {
		headers["Reply-To"] = msg.ReplyTo
	}
	for k, v := range msg.Headers {
		headers[textproto.CanonicalMIMEHeaderKey(k)] = v
	}

	mw := multipart.NewWriter(&buf)
	headers["Content-Type"] = "multipart/alternative; boundary=" + mw.Boundary()

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var head strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&head, "%s: %s\r\n", k, headers[k])
	}
	head.WriteString("\r\n")
	out := []byte(head.String())

	parts := []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", msg.TextContent},
		{"text/html; charset=utf-8", msg.HTMLContent},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.ctype}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append(out, buf.Bytes()...), nil
}
