// Package unifi implements the authenticated HTTPS session to a
// UniFi-family controller: device-type probing, login lifecycle,
// transparent reauthentication and the read operations the collector
// consumes.
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unifiscan/unifi-scanner/internal/telemetry"
	"github.com/unifiscan/unifi-scanner/internal/utils"
)

// Config carries the connection settings for one controller.
type Config struct {
	Host           string
	Port           int // 0 probes 443, 8443, 11443 in order
	Username       string
	Password       string
	VerifySSL      bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	Backoff        utils.BackoffConfig
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.Backoff.Initial <= 0 {
		out.Backoff = utils.DefaultBackoff()
	}
	return out
}

// probe order is fixed; the answering port determines the device type.
var probePorts = []int{443, 8443, 11443}

func deviceTypeForPort(port int) DeviceType {
	switch port {
	case 443:
		return DeviceTypeUDMLike
	case 8443:
		return DeviceTypeSelfHosted
	case 11443:
		return DeviceTypeOSServer
	}
	return DeviceTypeSelfHosted
}

const probeTimeout = 5 * time.Second

// Client is a single authenticated controller session. Not safe for
// concurrent use; the scheduler runs one tick at a time.
type Client struct {
	cfg        Config
	hc         *http.Client
	baseURL    string
	deviceType DeviceType
	csrfToken  string
	authed     bool
}

// NewClient builds an unauthenticated client. Call DetectDeviceType and
// Authenticate before issuing reads.
func NewClient(cfg Config) *Client {
	cfg = (&cfg).withDefaults()
	c := &Client{cfg: cfg}
	c.resetSession()
	return c
}

// resetSession discards the cookie jar so stale session state never leaks
// across ticks.
func (c *Client) resetSession() {
	jar, _ := cookiejar.New(nil)
	c.hc = &http.Client{
		Jar:     jar,
		Timeout: c.cfg.RequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !c.cfg.VerifySSL},
			DialContext: (&net.Dialer{
				Timeout: c.cfg.ConnectTimeout,
			}).DialContext,
		},
	}
	c.csrfToken = ""
	c.authed = false
}

// DeviceType returns the detected controller flavour.
func (c *Client) DeviceType() DeviceType { return c.deviceType }

// DetectDeviceType probes the known ports and records the controller
// flavour. A configured port restricts the probe to that port.
func (c *Client) DetectDeviceType(ctx context.Context) (DeviceType, error) {
	ports := probePorts
	if c.cfg.Port != 0 {
		ports = []int{c.cfg.Port}
	}
	var lastErr error
	for _, port := range ports {
		ok, err := c.probe(ctx, port)
		if ok {
			c.deviceType = deviceTypeForPort(port)
			c.baseURL = fmt.Sprintf("https://%s:%d", c.cfg.Host, port)
			log.Info().
				Str("host", c.cfg.Host).
				Int("port", port).
				Str("deviceType", string(c.deviceType)).
				Msg("Controller detected")
			return c.deviceType, nil
		}
		lastErr = err
	}
	return DeviceTypeUnknown, &ControllerError{
		Type: ErrorTypeConnection,
		Op:   "detect_device_type",
		Host: c.cfg.Host,
		Err:  fmt.Errorf("no controller answered on ports %v: %w", ports, lastErr),
	}
}

func (c *Client) probe(ctx context.Context, port int) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	url := fmt.Sprintf("https://%s:%d/status", c.cfg.Host, port)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < 500, nil
}

func (c *Client) loginPath() string {
	if c.deviceType == DeviceTypeSelfHosted {
		return "/api/login"
	}
	return "/api/auth/login"
}

func (c *Client) logoutPath() string {
	if c.deviceType == DeviceTypeSelfHosted {
		return "/api/logout"
	}
	return "/api/auth/logout"
}

// networkPath maps a network-application path to the device-type specific
// route. UniFi OS consoles front the network application behind a proxy
// prefix; the self-hosted controller serves it at the root.
func (c *Client) networkPath(p string) string {
	if c.deviceType == DeviceTypeSelfHosted {
		return "/api" + p
	}
	return "/proxy/network/api" + p
}

// mfaHints are substrings in login error bodies that indicate the account
// is not a plain local account.
var mfaHints = []string{"2fa", "mfa", "ubic_2fa_token", "sso", "totp"}

// Authenticate performs a fresh login, replacing any previous session.
// Credentials must belong to a local account.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.baseURL == "" {
		if _, err := c.DetectDeviceType(ctx); err != nil {
			return err
		}
	}
	c.resetSession()

	body, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.loginPath(), bytes.NewReader(body))
	if err != nil {
		return &ControllerError{Type: ErrorTypeConnection, Op: "authenticate", Host: c.cfg.Host, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().Str("username", c.cfg.Username).Str("path", c.loginPath()).Msg("Authenticating")
	resp, err := c.hc.Do(req)
	if err != nil {
		return &ControllerError{Type: ErrorTypeConnection, Op: "authenticate", Host: c.cfg.Host, Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		hint := "verify the username and password of a local controller account"
		lower := strings.ToLower(string(respBody))
		for _, h := range mfaHints {
			if strings.Contains(lower, h) {
				hint = "the account appears to use MFA or SSO; create a dedicated local account for the scanner"
				break
			}
		}
		return &ControllerError{
			Type:   ErrorTypeAuth,
			Op:     "authenticate",
			Host:   c.cfg.Host,
			Status: resp.StatusCode,
			Hint:   hint,
			Err:    fmt.Errorf("login rejected"),
		}
	}

	if token := resp.Header.Get("X-Csrf-Token"); token != "" {
		c.csrfToken = token
	}
	c.authed = true
	return nil
}

// Logout ends the session. Best effort; failures are logged, never
// propagated.
func (c *Client) Logout(ctx context.Context) {
	if !c.authed || c.baseURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.logoutPath(), nil)
	if err != nil {
		return
	}
	if c.csrfToken != "" {
		req.Header.Set("X-Csrf-Token", c.csrfToken)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Logout failed")
		return
	}
	resp.Body.Close()
	c.authed = false
}

// do issues one controller request with the retry, reauth and rate-limit
// discipline. It returns the envelope's data payload.
func (c *Client) do(ctx context.Context, method, path string) (json.RawMessage, error) {
	maxAttempts := c.cfg.MaxRetries
	reauthed := false
	var retryAfter time.Duration
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff.NextDelay(attempt - 1)
			if retryAfter > 0 {
				delay = retryAfter
				retryAfter = 0
			}
			select {
			case <-ctx.Done():
				return nil, &ControllerError{Type: ErrorTypeConnection, Op: method + " " + path, Host: c.cfg.Host, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		data, retry, err := c.attempt(ctx, method, path, &reauthed)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		log.Debug().
			Str("path", path).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Request failed, will retry")
		if ra := retryAfterOf(err); ra > 0 {
			retryAfter = ra
		}
	}
	return nil, lastErr
}

// rateLimitError carries the server-requested delay through the retry loop.
type rateLimitError struct {
	after time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.after)
}

func retryAfterOf(err error) time.Duration {
	var ce *ControllerError
	if !errors.As(err, &ce) {
		return 0
	}
	var rl *rateLimitError
	if errors.As(ce.Err, &rl) {
		return rl.after
	}
	return 0
}

// attempt performs a single request. The second return value reports
// whether the caller should retry.
func (c *Client) attempt(ctx context.Context, method, path string, reauthed *bool) (json.RawMessage, bool, error) {
	op := method + " " + path
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, false, &ControllerError{Type: ErrorTypeConnection, Op: op, Host: c.cfg.Host, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.csrfToken != "" {
		req.Header.Set("X-Csrf-Token", c.csrfToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, true, &ControllerError{Type: ErrorTypeConnection, Op: op, Host: c.cfg.Host, Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if readErr != nil {
		return nil, true, &ControllerError{Type: ErrorTypeConnection, Op: op, Host: c.cfg.Host, Retryable: true, Err: readErr}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if *reauthed {
			return nil, false, &ControllerError{
				Type: ErrorTypeAuth, Op: op, Host: c.cfg.Host, Status: resp.StatusCode,
				Hint: "session rejected twice; verify the account is a local account with read access",
				Err:  fmt.Errorf("unauthorized after reauthentication"),
			}
		}
		*reauthed = true
		telemetry.Reauths.Inc()
		log.Info().Str("path", path).Msg("Session expired, reauthenticating")
		if err := c.Authenticate(ctx); err != nil {
			return nil, false, err
		}
		return nil, true, &ControllerError{Type: ErrorTypeAuth, Op: op, Host: c.cfg.Host, Status: resp.StatusCode, Retryable: true, Err: fmt.Errorf("unauthorized")}

	case resp.StatusCode == http.StatusTooManyRequests:
		after := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
				after = time.Duration(secs) * time.Second
			}
		}
		return nil, true, &ControllerError{
			Type: ErrorTypeAPI, Op: op, Host: c.cfg.Host, Status: resp.StatusCode, Retryable: true,
			Err: &rateLimitError{after: after},
		}

	case resp.StatusCode >= 500:
		return nil, true, &ControllerError{
			Type: ErrorTypeConnection, Op: op, Host: c.cfg.Host, Status: resp.StatusCode, Retryable: true,
			Err: fmt.Errorf("server error"),
		}

	case resp.StatusCode >= 400:
		return nil, false, &ControllerError{
			Type: ErrorTypeAPI, Op: op, Host: c.cfg.Host, Status: resp.StatusCode,
			Err: fmt.Errorf("request rejected"),
		}
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, &ControllerError{Type: ErrorTypeParse, Op: op, Host: c.cfg.Host, Err: err}
	}
	if env.Meta.RC != "" && env.Meta.RC != "ok" {
		if strings.EqualFold(env.Meta.Msg, "api.err.LoginRequired") && !*reauthed {
			*reauthed = true
			telemetry.Reauths.Inc()
			if err := c.Authenticate(ctx); err != nil {
				return nil, false, err
			}
			return nil, true, &ControllerError{Type: ErrorTypeAuth, Op: op, Host: c.cfg.Host, Retryable: true, Err: fmt.Errorf("login required")}
		}
		return nil, false, &ControllerError{
			Type: ErrorTypeAPI, Op: op, Host: c.cfg.Host,
			Err: fmt.Errorf("controller returned rc=%s msg=%s", env.Meta.RC, env.Meta.Msg),
		}
	}
	return env.Data, false, nil
}

// decodeList decodes a data array item by item so one malformed record
// never discards the batch.
func decodeList[T any](data json.RawMessage, kind string) []T {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		telemetry.ParseErrors.Inc()
		log.Warn().Str("kind", kind).Err(err).Msg("Malformed data array")
		return nil
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var item T
		if err := json.Unmarshal(row, &item); err != nil {
			telemetry.ParseErrors.Inc()
			log.Debug().Str("kind", kind).Err(err).Msg("Skipping malformed record")
			continue
		}
		out = append(out, item)
	}
	return out
}

// ListSites returns the sites visible to the account.
func (c *Client) ListSites(ctx context.Context) ([]Site, error) {
	data, err := c.do(ctx, http.MethodGet, c.networkPath("/self/sites"))
	if err != nil {
		return nil, err
	}
	return decodeList[Site](data, "site"), nil
}

// GetEvents fetches the recent event window for a site. The controller
// does not filter server-side by timestamp; within bounds the window in
// hours and limit caps the row count.
func (c *Client) GetEvents(ctx context.Context, site string, withinHours, limit int) ([]Event, error) {
	path := fmt.Sprintf("%s?within=%d&_limit=%d", c.networkPath("/s/"+site+"/stat/event"), withinHours, limit)
	data, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	events := decodeList[Event](data, "event")
	telemetry.EventsCollected.WithLabelValues("event").Add(float64(len(events)))
	return events, nil
}

// GetIPSEvents fetches intrusion-detection events for a site.
func (c *Client) GetIPSEvents(ctx context.Context, site string, withinHours, limit int) ([]IPSEvent, error) {
	path := fmt.Sprintf("%s?within=%d&_limit=%d", c.networkPath("/s/"+site+"/stat/ips/event"), withinHours, limit)
	data, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	events := decodeList[IPSEvent](data, "ips_event")
	telemetry.EventsCollected.WithLabelValues("ips_event").Add(float64(len(events)))
	return events, nil
}

// GetDevices fetches the device-health snapshots for a site.
func (c *Client) GetDevices(ctx context.Context, site string) ([]DeviceStats, error) {
	data, err := c.do(ctx, http.MethodGet, c.networkPath("/s/"+site+"/stat/device"))
	if err != nil {
		return nil, err
	}
	return decodeList[DeviceStats](data, "device"), nil
}

// GetAlarms fetches non-archived alarms for a site.
func (c *Client) GetAlarms(ctx context.Context, site string) ([]Alarm, error) {
	data, err := c.do(ctx, http.MethodGet, c.networkPath("/s/"+site+"/stat/alarm"))
	if err != nil {
		return nil, err
	}
	alarms := decodeList[Alarm](data, "alarm")
	active := alarms[:0]
	for _, a := range alarms {
		if !a.Archived {
			active = append(active, a)
		}
	}
	telemetry.EventsCollected.WithLabelValues("alarm").Add(float64(len(active)))
	return active, nil
}
