// Package notify implements the outbound side effect a workflow Notify step
// issues before it waits for an external acknowledgement (spec.md §4.3:
// "Notify ... issue an outbound side effect"). It is grounded on the
// teacher's server/internal/notification package (emailSender/webhookSender),
// narrowed from settings-repository-backed configuration reloaded on every
// send (OrbitMesh has no settings/destination entities in its scope) down
// to a per-step target address/URL plus one static SMTP config for the
// whole process, the same way a single Dispatcher instance is wired once
// at startup rather than looked up per call.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Channel names the outbound transport a Notify step uses.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// ErrSendFailed wraps any delivery failure across channels, the same
// sentinel-per-package convention internal/orbiterr documents for the rest
// of OrbitMesh.
var ErrSendFailed = errors.New("notify: send failed")

// SMTPConfig configures the email channel. Zero value means email is
// unconfigured; Dispatcher.Notify returns ErrSendFailed for an email
// target until one is set.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// Dispatcher delivers a Notify step's message over the channel the step
// declares. One Dispatcher is constructed at startup and shared by every
// workflow instance's Notify steps, implementing workflow.Notifier.
type Dispatcher struct {
	smtp          *SMTPConfig
	webhookSecret string
	httpClient    *http.Client
}

// New builds a Dispatcher. smtp may be nil to disable the email channel;
// webhookSecret may be empty to disable HMAC signing of webhook bodies.
func New(smtp *SMTPConfig, webhookSecret string) *Dispatcher {
	return &Dispatcher{
		smtp:          smtp,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements workflow.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, channel, target, message string) error {
	switch Channel(channel) {
	case ChannelEmail:
		return d.sendEmail(ctx, target, message)
	case ChannelWebhook:
		return d.sendWebhook(ctx, target, message)
	default:
		return fmt.Errorf("notify: unsupported channel %q", channel)
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, to, body string) error {
	if d.smtp == nil {
		return fmt.Errorf("%w: email channel not configured", ErrSendFailed)
	}
	if to == "" {
		return fmt.Errorf("%w: email target is empty", ErrSendFailed)
	}

	msg := buildEmail(d.smtp.From, []string{to}, "OrbitMesh workflow notification", body)
	addr := net.JoinHostPort(d.smtp.Host, fmt.Sprintf("%d", d.smtp.Port))

	if d.smtp.TLS {
		return d.sendEmailTLS(addr, []string{to}, msg)
	}
	return d.sendEmailPlain(addr, []string{to}, msg)
}

func (d *Dispatcher) sendEmailPlain(addr string, to []string, msg []byte) error {
	var auth smtp.Auth
	if d.smtp.Username != "" {
		auth = smtp.PlainAuth("", d.smtp.Username, d.smtp.Password, d.smtp.Host)
	}
	if err := smtp.SendMail(addr, auth, d.smtp.From, to, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

func (d *Dispatcher) sendEmailTLS(addr string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{ServerName: d.smtp.Host, MinVersion: tls.VersionTLS12}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, d.smtp.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if d.smtp.Username != "" {
		auth := smtp.PlainAuth("", d.smtp.Username, d.smtp.Password, d.smtp.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}
	if err := client.Mail(d.smtp.From); err != nil {
		return fmt.Errorf("%w: smtp MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("%w: smtp RCPT TO %s: %s", ErrSendFailed, rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: smtp DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: writing message body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: closing message body: %s", ErrSendFailed, err)
	}
	return client.Quit()
}

func buildEmail(from string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

// webhookPayload is the JSON body POSTed to a webhook target. The "text"
// field mirrors Slack/Discord incoming-webhook conventions so a Notify
// step can target either without a per-integration adapter.
type webhookPayload struct {
	Type      string `json:"type"`
	Body      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func (d *Dispatcher) sendWebhook(ctx context.Context, url, message string) error {
	if url == "" {
		return fmt.Errorf("%w: webhook target is empty", ErrSendFailed)
	}

	data, err := json.Marshal(webhookPayload{
		Type:      "workflow.notify",
		Body:      message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshaling webhook payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: building webhook request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OrbitMesh-Webhook/1.0")
	if d.webhookSecret != "" {
		req.Header.Set("X-OrbitMesh-Signature", "sha256="+hmacSHA256(data, d.webhookSecret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
