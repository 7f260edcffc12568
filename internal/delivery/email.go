package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/unifiscan/unifi-scanner/internal/report"
	"github.com/unifiscan/unifi-scanner/internal/utils"
)

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel submits the report to an SMTP relay as a single
// transaction with HTML and text alternative parts. Submission retries
// with the same backoff policy as controller requests.
type EmailChannel struct {
	config      EmailConfig
	backoff     utils.BackoffConfig
	maxAttempts int

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel builds the channel. maxAttempts <= 0 defaults to 5.
func NewEmailChannel(cfg EmailConfig, maxAttempts int) *EmailChannel {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &EmailChannel{
		config:      cfg,
		backoff:     utils.DefaultBackoff(),
		maxAttempts: maxAttempts,
		sendMail:    smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// Deliver submits the message, retrying any SMTP failure up to maxAttempts
// times in total.
func (c *EmailChannel) Deliver(ctx context.Context, rep *report.Report, html, text []byte) error {
	msg := c.buildMessage(rep, html, text)
	addr := fmt.Sprintf("%s:%d", c.config.SMTPHost, c.config.SMTPPort)

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.SMTPHost)
	}

	return utils.Retry(ctx, c.backoff, c.maxAttempts, nil, func() error {
		return c.sendMail(addr, auth, c.config.From, c.config.To, msg)
	})
}

// buildMessage assembles a multipart/alternative MIME message with the
// text part first so limited clients fall back correctly.
func (c *EmailChannel) buildMessage(rep *report.Report, html, text []byte) []byte {
	boundary := fmt.Sprintf("=_part_%d", rep.GeneratedAt.UnixNano())
	subject := fmt.Sprintf("Network report for %s - %s", rep.Site, rep.GeneratedAt.UTC().Format("2006-01-02"))

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.config.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", rep.GeneratedAt.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	writePart := func(contentType string, body []byte) {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s; charset=utf-8\r\n", contentType)
		fmt.Fprintf(&b, "Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(wrapBase64(body))
		b.WriteString("\r\n")
	}
	writePart("text/plain", text)
	writePart("text/html", html)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return []byte(b.String())
}

// wrapBase64 encodes and folds at 76 columns per RFC 2045.
func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	return b.String()
}
