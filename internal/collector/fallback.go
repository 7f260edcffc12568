package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/unifiscan/unifi-scanner/internal/telemetry"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// SSHConfig configures the gateway database fallback.
type SSHConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	KeyFile  string
	Timeout  time.Duration
}

// SSHFallback reads IPS events from the gateway's local event log when
// the controller API path is unavailable. The gateway logs detections as
// newline-delimited JSON in the suricata eve format.
type SSHFallback struct {
	cfg SSHConfig
}

// eveLogCommand tails the gateway's detection log. The window is wide;
// the caller applies the same time filter as the API path.
const eveLogCommand = "tail -n 5000 /var/log/suricata/eve.json 2>/dev/null"

// NewSSHFallback builds the fallback.
func NewSSHFallback(cfg SSHConfig) *SSHFallback {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SSHFallback{cfg: cfg}
}

// FetchIPSEvents opens an SSH channel to the gateway and reads recent
// detection rows. Rows missing the source or the destination IP are
// dropped with the parse-error counter rather than guessed at; the
// fallback schema varies by firmware.
func (f *SSHFallback) FetchIPSEvents(ctx context.Context) ([]unifi.IPSEvent, error) {
	client, err := f.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", f.cfg.Host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	output, err := session.Output(eveLogCommand)
	if err != nil {
		return nil, fmt.Errorf("read gateway event log: %w", err)
	}
	return parseEveLog(output), nil
}

func (f *SSHFallback) dial(ctx context.Context) (*ssh.Client, error) {
	var methods []ssh.AuthMethod
	if f.cfg.KeyFile != "" {
		keyData, err := os.ReadFile(f.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if f.cfg.Password != "" {
		methods = append(methods, ssh.Password(f.cfg.Password))
	}

	sshCfg := &ssh.ClientConfig{
		User: f.cfg.Username,
		Auth: methods,
		// The gateway is on the local management network and its host key
		// changes on factory reset; pinning would strand the fallback.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         f.cfg.Timeout,
	}

	addr := net.JoinHostPort(f.cfg.Host, fmt.Sprintf("%d", f.cfg.Port))
	dialer := net.Dialer{Timeout: f.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// eveRow is one suricata detection line.
type eveRow struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	SrcIP     string `json:"src_ip"`
	SrcPort   int    `json:"src_port"`
	DestIP    string `json:"dest_ip"`
	DestPort  int    `json:"dest_port"`
	Proto     string `json:"proto"`
	Alert     struct {
		Signature   string `json:"signature"`
		SignatureID int64  `json:"signature_id"`
		Category    string `json:"category"`
		Severity    int    `json:"severity"`
		Action      string `json:"action"`
	} `json:"alert"`
}

func parseEveLog(output []byte) []unifi.IPSEvent {
	var out []unifi.IPSEvent
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row eveRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			telemetry.ParseErrors.Inc()
			continue
		}
		if row.EventType != "alert" {
			continue
		}
		if row.SrcIP == "" || row.DestIP == "" {
			telemetry.ParseErrors.Inc()
			log.Debug().Msg("Dropping fallback row without src/dst IPs")
			continue
		}
		ev, ok := row.toIPSEvent()
		if !ok {
			telemetry.ParseErrors.Inc()
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (r *eveRow) toIPSEvent() (unifi.IPSEvent, bool) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return unifi.IPSEvent{}, false
	}
	var ev unifi.IPSEvent
	// Round-trip through the API wire shape so the fallback produces
	// records identical to the HTTPS path.
	wire := map[string]any{
		"_id":                      fmt.Sprintf("ssh-%d-%s-%d", ts.UnixMilli(), r.SrcIP, r.Alert.SignatureID),
		"timestamp":                ts.UnixMilli(),
		"src_ip":                   r.SrcIP,
		"src_port":                 r.SrcPort,
		"dst_ip":                   r.DestIP,
		"dst_port":                 r.DestPort,
		"proto":                    r.Proto,
		"inner_alert_signature":    r.Alert.Signature,
		"inner_alert_signature_id": r.Alert.SignatureID,
		"inner_alert_category":     r.Alert.Category,
		"inner_alert_severity":     r.Alert.Severity,
		"inner_alert_action":       r.Alert.Action,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return unifi.IPSEvent{}, false
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return unifi.IPSEvent{}, false
	}
	return ev, true
}
