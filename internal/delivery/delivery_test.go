package delivery

import (
	"context"
	"errors"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiscan/unifi-scanner/internal/report"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

func testReport() *report.Report {
	return report.Build(report.Params{
		Site:           "Home Office",
		ControllerType: unifi.DeviceTypeUDMLike,
		PeriodStart:    time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC),
		GeneratedAt:    time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	})
}

type stubChannel struct {
	name  string
	err   error
	calls int
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Deliver(ctx context.Context, rep *report.Report, html, text []byte) error {
	s.calls++
	return s.err
}

func TestManager_SuccessPredicateAnyChannel(t *testing.T) {
	failing := &stubChannel{name: "email", err: errors.New("smtp down")}
	working := &stubChannel{name: "file"}

	ok, lastErr := NewManager(failing, working).Deliver(context.Background(), testReport(), nil, nil)
	assert.True(t, ok)
	assert.Error(t, lastErr)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, working.calls)
}

func TestManager_AllChannelsFail(t *testing.T) {
	a := &stubChannel{name: "email", err: errors.New("smtp down")}
	b := &stubChannel{name: "file", err: errors.New("disk full")}

	ok, lastErr := NewManager(a, b).Deliver(context.Background(), testReport(), nil, nil)
	assert.False(t, ok)
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "disk full")
}

func TestManager_FailureDoesNotStopFanOut(t *testing.T) {
	first := &stubChannel{name: "email", err: errors.New("boom")}
	second := &stubChannel{name: "file"}
	third := &stubChannel{name: "file2"}

	ok, _ := NewManager(first, second, third).Deliver(context.Background(), testReport(), nil, nil)
	assert.True(t, ok)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 1, third.calls)
}

func TestManager_NoChannels(t *testing.T) {
	ok, err := NewManager().Deliver(context.Background(), testReport(), nil, nil)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestFileChannel_WritesDeterministicArtifacts(t *testing.T) {
	dir := t.TempDir()
	ch := NewFileChannel(dir)

	rep := testReport()
	require.NoError(t, ch.Deliver(context.Background(), rep, []byte("<html></html>"), []byte("text body")))

	htmlPath := filepath.Join(dir, "20260201-120000-home-office.html")
	textPath := filepath.Join(dir, "20260201-120000-home-office.txt")

	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(html))

	text, err := os.ReadFile(textPath)
	require.NoError(t, err)
	assert.Equal(t, "text body", string(text))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"default", "default"},
		{"Home Office", "home-office"},
		{"weird//site!!", "weird-site"},
		{"", "site"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, slugify(tc.in), "input %q", tc.in)
	}
}

func TestEmailChannel_MessageShape(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		From:     "scanner@example.com",
		To:       []string{"ops@example.com", "oncall@example.com"},
	}, 1)

	msg := string(ch.buildMessage(testReport(), []byte("<b>html</b>"), []byte("plain")))

	assert.Contains(t, msg, "From: scanner@example.com\r\n")
	assert.Contains(t, msg, "To: ops@example.com, oncall@example.com\r\n")
	assert.Contains(t, msg, "Subject: ")
	assert.Contains(t, msg, "Home Office")
	assert.Contains(t, msg, "MIME-Version: 1.0")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=utf-8")
	assert.Contains(t, msg, "Content-Type: text/html; charset=utf-8")
	// Text part precedes the HTML part.
	assert.Less(t, strings.Index(msg, "text/plain"), strings.Index(msg, "text/html"))
}

func TestEmailChannel_RetriesThenSucceeds(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		From:     "scanner@example.com",
		To:       []string{"ops@example.com"},
	}, 3)
	ch.backoff.Initial = time.Millisecond
	ch.backoff.Max = time.Millisecond

	attempts := 0
	ch.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		attempts++
		assert.Equal(t, "smtp.example.com:587", addr)
		if attempts < 3 {
			return errors.New("transient smtp failure")
		}
		return nil
	}

	require.NoError(t, ch.Deliver(context.Background(), testReport(), []byte("h"), []byte("t")))
	assert.Equal(t, 3, attempts)
}

func TestEmailChannel_ExhaustedRetriesFail(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{SMTPHost: "h", SMTPPort: 25, From: "a@b", To: []string{"c@d"}}, 2)
	ch.backoff.Initial = time.Millisecond
	ch.backoff.Max = time.Millisecond

	attempts := 0
	ch.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		attempts++
		return errors.New("permanent failure")
	}

	err := ch.Deliver(context.Background(), testReport(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}
