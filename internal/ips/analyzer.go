// Package ips classifies intrusion-detection events by signature, groups
// them into threat summaries and aggregates attacking sources.
package ips

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/unifiscan/unifi-scanner/internal/analysis"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// signatureRe matches Emerging Threats signature strings: "ET <CATEGORY> <desc>".
var signatureRe = regexp.MustCompile(`^ET\s+([A-Z0-9_]+)\s+(.+)$`)

// categoryNames maps the ET category token to a report-friendly name.
var categoryNames = map[string]string{
	"SCAN":              "Reconnaissance",
	"MALWARE":           "Malware Activity",
	"POLICY":            "Policy Violation",
	"TROJAN":            "Trojan Activity",
	"DOS":               "Denial of Service",
	"PHISHING":          "Phishing Attempt",
	"TOR":               "TOR Network Traffic",
	"P2P":               "Peer-to-Peer Traffic",
	"EXPLOIT":           "Exploit Attempt",
	"EXPLOIT_KIT":       "Exploit Kit Activity",
	"WEB_SERVER":        "Web Server Attack",
	"WEB_CLIENT":        "Web Client Attack",
	"WEB_SPECIFIC_APPS": "Web Application Attack",
	"ATTACK_RESPONSE":   "Attack Response",
	"CNC":               "Botnet Command and Control",
	"BOTCC":             "Botnet Command and Control",
	"COMPROMISED":       "Compromised Host Traffic",
	"DROP":              "Known Bad Traffic",
	"DNS":               "DNS Anomaly",
	"SHELLCODE":         "Shellcode Detection",
	"WORM":              "Worm Activity",
	"ADWARE_PUP":        "Adware or Unwanted Program",
	"COINMINER":         "Cryptocurrency Mining",
	"MOBILE_MALWARE":    "Mobile Malware",
	"USER_AGENTS":       "Suspicious User Agent",
	"CURRENT_EVENTS":    "Active Campaign Traffic",
	"INFO":              "Informational",
	"HUNTING":           "Threat Hunting Match",
}

// UnknownCategory is the friendly name for unparseable signatures.
const UnknownCategory = "Security Event"

// categoryDescriptions give each friendly category a one-line explanation.
var categoryDescriptions = map[string]string{
	"Reconnaissance":             "Hosts probing the network for open services or vulnerabilities.",
	"Malware Activity":           "Traffic matching known malware behavior or infrastructure.",
	"Policy Violation":           "Traffic that violates common network usage policy.",
	"Trojan Activity":            "Communication patterns of trojan implants.",
	"Denial of Service":          "Traffic patterns consistent with denial-of-service activity.",
	"Phishing Attempt":           "Connections to known phishing infrastructure.",
	"TOR Network Traffic":        "Connections into or out of the TOR anonymity network.",
	"Peer-to-Peer Traffic":       "Peer-to-peer file sharing protocol activity.",
	"Exploit Attempt":            "Attempts to exploit a known software vulnerability.",
	"Exploit Kit Activity":       "Traffic matching browser exploit kit infrastructure.",
	"Web Server Attack":          "Attacks directed at web server software.",
	"Web Client Attack":          "Attacks directed at browsers and web clients.",
	"Web Application Attack":     "Attacks against specific web applications.",
	"Attack Response":            "Responses indicating a host may already be compromised.",
	"Botnet Command and Control": "Communication with botnet command-and-control servers.",
	"Compromised Host Traffic":   "Traffic to or from hosts on compromised-host blocklists.",
	"Known Bad Traffic":          "Traffic to addresses on curated drop lists.",
	"DNS Anomaly":                "Suspicious or policy-violating DNS activity.",
	"Shellcode Detection":        "Payloads containing executable shellcode.",
	"Worm Activity":              "Self-propagating malware behavior.",
	"Adware or Unwanted Program": "Adware or potentially unwanted program traffic.",
	"Cryptocurrency Mining":      "Unauthorized cryptocurrency mining traffic.",
	"Mobile Malware":             "Malware targeting mobile devices.",
	"Suspicious User Agent":      "HTTP clients identifying as known-bad software.",
	"Active Campaign Traffic":    "Traffic matching currently active attack campaigns.",
	"Informational":              "Informational signature matches.",
	"Threat Hunting Match":       "Matches from broad threat-hunting signatures.",
	UnknownCategory:              "Signature did not follow the standard naming scheme.",
}

// remediationTemplates map (category token, severity) to guidance rendered
// with {src_ip}, {dest_ip} and {signature}. Low severity gets none.
var remediationTemplates = map[string]map[analysis.Severity]string{
	"SCAN": {
		analysis.SeveritySevere: "Block {src_ip} at the gateway firewall and confirm no internal service answered the probe targeting {dest_ip}.",
		analysis.SeverityMedium: "Monitor {src_ip} for continued scanning. Recurring probes from one source are worth a firewall block.",
	},
	"MALWARE": {
		analysis.SeveritySevere: "Isolate {dest_ip} from the network and run a malware scan on it. The signature {signature} indicates active malware communication.",
		analysis.SeverityMedium: "Scan the host at {dest_ip} with an up-to-date malware scanner and review its recent downloads.",
	},
	"TROJAN": {
		analysis.SeveritySevere: "Isolate {dest_ip} immediately and investigate for a trojan implant; {signature} matches implant traffic.",
		analysis.SeverityMedium: "Inspect the host at {dest_ip} for unexpected processes and scheduled tasks.",
	},
	"DOS": {
		analysis.SeveritySevere: "Rate-limit or block {src_ip} at the gateway and contact the ISP if the volume saturates the uplink.",
		analysis.SeverityMedium: "Watch traffic volume from {src_ip}; enable gateway rate limiting if it grows.",
	},
	"PHISHING": {
		analysis.SeveritySevere: "Identify which internal host reached the phishing site and check whether credentials were submitted; reset them if in doubt.",
		analysis.SeverityMedium: "Warn the user behind {src_ip} about the phishing attempt and verify no credentials were entered.",
	},
	"EXPLOIT": {
		analysis.SeveritySevere: "Patch the service on {dest_ip} targeted by {signature} and review its logs for successful exploitation.",
		analysis.SeverityMedium: "Verify the software on {dest_ip} is at the latest version; the attempted exploit targets a known vulnerability.",
	},
	"CNC": {
		analysis.SeveritySevere: "Isolate {dest_ip}: command-and-control traffic means the host is likely compromised. Rebuild it rather than clean it.",
		analysis.SeverityMedium: "Investigate {dest_ip} for malware; repeated C2 matches justify isolation.",
	},
	"BOTCC": {
		analysis.SeveritySevere: "Isolate {dest_ip}: command-and-control traffic means the host is likely compromised. Rebuild it rather than clean it.",
		analysis.SeverityMedium: "Investigate {dest_ip} for malware; repeated C2 matches justify isolation.",
	},
}

// genericRemediation applies when no category-specific template exists.
var genericRemediation = map[analysis.Severity]string{
	analysis.SeveritySevere: "Investigate the traffic matching {signature} between {src_ip} and {dest_ip}. If the source is external and persistent, block it at the gateway.",
	analysis.SeverityMedium: "Review the events matching {signature} and confirm the traffic between {src_ip} and {dest_ip} is expected.",
}

// DetectionModeNote is attached when the ruleset only logs.
const DetectionModeNote = "IPS is in detection mode; threats are logged but not blocked."

// ThreatSummary aggregates one signature group.
type ThreatSummary struct {
	Category         string
	Description      string
	Count            int
	Severity         analysis.Severity
	SampleSignature  string
	SourceIPs        []string
	Remediation      string
	CybersecureCount int
}

// IsCybersecure reports whether any constituent event carried an ET Pro
// signature.
func (t *ThreatSummary) IsCybersecure() bool { return t.CybersecureCount > 0 }

// IPActivity aggregates events per attacking source.
type IPActivity struct {
	IP               string
	Count            int
	Internal         bool
	Categories       map[string]int
	SampleSignatures []string
}

// Result is the full output of one IPS analysis pass.
type Result struct {
	TotalEvents       int
	BlockedCount      int
	DetectedCount     int
	BlockedThreats    []*ThreatSummary
	DetectedThreats   []*ThreatSummary
	TopSources        []*IPActivity
	DetectionModeNote string
}

// DefaultMinEventsPerIP is the aggregation threshold for the source-IP pass.
const DefaultMinEventsPerIP = 10

// Analyzer classifies IPS events. Stateless between runs.
type Analyzer struct {
	minEventsPerIP int
}

// NewAnalyzer builds an analyzer; threshold <= 0 uses the default.
func NewAnalyzer(minEventsPerIP int) *Analyzer {
	if minEventsPerIP <= 0 {
		minEventsPerIP = DefaultMinEventsPerIP
	}
	return &Analyzer{minEventsPerIP: minEventsPerIP}
}

// ParseSignature extracts the ET category token and friendly name from a
// signature string. Unparseable signatures map to the unknown category.
func ParseSignature(sig string) (token, friendly string) {
	m := signatureRe.FindStringSubmatch(strings.TrimSpace(sig))
	if m == nil {
		return "UNKNOWN", UnknownCategory
	}
	token = m[1]
	if name, ok := categoryNames[token]; ok {
		return token, name
	}
	return token, UnknownCategory
}

// severityOf maps the controller's numeric severity to report severity;
// 1 is the controller's highest.
func severityOf(n int) analysis.Severity {
	switch {
	case n <= 1:
		return analysis.SeveritySevere
	case n == 2:
		return analysis.SeverityMedium
	default:
		return analysis.SeverityLow
	}
}

// Analyze classifies and aggregates the given events.
func (a *Analyzer) Analyze(events []unifi.IPSEvent) *Result {
	res := &Result{TotalEvents: len(events)}
	if len(events) == 0 {
		return res
	}

	groups := make(map[string][]*unifi.IPSEvent)
	order := make([]string, 0)
	anyBlocked := false
	for i := range events {
		e := &events[i]
		if e.Blocked() {
			anyBlocked = true
			res.BlockedCount++
		} else {
			res.DetectedCount++
		}
		if _, ok := groups[e.Signature]; !ok {
			order = append(order, e.Signature)
		}
		groups[e.Signature] = append(groups[e.Signature], e)
	}

	for _, sig := range order {
		group := groups[sig]
		summary := a.summarize(sig, group)
		if anyInGroupBlocked(group) {
			res.BlockedThreats = append(res.BlockedThreats, summary)
		} else {
			res.DetectedThreats = append(res.DetectedThreats, summary)
		}
	}
	sortSummaries(res.BlockedThreats)
	sortSummaries(res.DetectedThreats)

	if !anyBlocked {
		res.DetectionModeNote = DetectionModeNote
	}

	res.TopSources = a.aggregateSources(events)
	return res
}

func (a *Analyzer) summarize(sig string, group []*unifi.IPSEvent) *ThreatSummary {
	token, friendly := ParseSignature(sig)
	s := &ThreatSummary{
		Category:        friendly,
		Description:     categoryDescriptions[friendly],
		Count:           len(group),
		SampleSignature: sig,
	}

	best := analysis.SeverityLow
	seenIPs := make(map[string]bool)
	for _, e := range group {
		if sev := severityOf(int(e.Severity)); sev.Rank() > best.Rank() {
			best = sev
		}
		if e.Cybersecure() {
			s.CybersecureCount++
		}
		if e.SrcIP != "" && !seenIPs[e.SrcIP] {
			seenIPs[e.SrcIP] = true
			s.SourceIPs = append(s.SourceIPs, e.SrcIP)
		}
	}
	s.Severity = best

	if best != analysis.SeverityLow {
		tmpl := genericRemediation[best]
		if byCat, ok := remediationTemplates[token]; ok {
			if t, ok := byCat[best]; ok {
				tmpl = t
			}
		}
		rep := group[0]
		s.Remediation = analysis.RenderTemplate(tmpl, map[string]string{
			"src_ip":    rep.SrcIP,
			"dest_ip":   rep.DstIP,
			"signature": sig,
		})
	}
	return s
}

func anyInGroupBlocked(group []*unifi.IPSEvent) bool {
	for _, e := range group {
		if e.Blocked() {
			return true
		}
	}
	return false
}

func sortSummaries(list []*ThreatSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Severity.Rank() != list[j].Severity.Rank() {
			return list[i].Severity.Rank() > list[j].Severity.Rank()
		}
		return list[i].Count > list[j].Count
	})
}

const maxSampleSignatures = 3

func (a *Analyzer) aggregateSources(events []unifi.IPSEvent) []*IPActivity {
	byIP := make(map[string]*IPActivity)
	for i := range events {
		e := &events[i]
		if e.SrcIP == "" {
			continue
		}
		act, ok := byIP[e.SrcIP]
		if !ok {
			act = &IPActivity{
				IP:         e.SrcIP,
				Internal:   IsInternalIP(e.SrcIP),
				Categories: make(map[string]int),
			}
			byIP[e.SrcIP] = act
		}
		act.Count++
		_, friendly := ParseSignature(e.Signature)
		act.Categories[friendly]++
		if len(act.SampleSignatures) < maxSampleSignatures && !containsStr(act.SampleSignatures, e.Signature) {
			act.SampleSignatures = append(act.SampleSignatures, e.Signature)
		}
	}

	var out []*IPActivity
	for _, act := range byIP {
		if act.Count >= a.minEventsPerIP {
			out = append(out, act)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	return out
}

var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

var uniqueLocalV6 = netip.MustParsePrefix("fc00::/7")

// IsInternalIP reports RFC1918 / RFC4193 membership. Unparseable
// addresses count as external.
func IsInternalIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.Is4() {
		for _, p := range privateV4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return uniqueLocalV6.Contains(addr)
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CategoryName exposes the token-to-friendly mapping for reports.
func CategoryName(token string) string {
	if name, ok := categoryNames[strings.ToUpper(token)]; ok {
		return name
	}
	return UnknownCategory
}

// String implements a compact description for logs.
func (r *Result) String() string {
	return fmt.Sprintf("ips: %d events, %d blocked, %d detected, %d noisy sources",
		r.TotalEvents, r.BlockedCount, r.DetectedCount, len(r.TopSources))
}
