package analysis

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

func testEvent(key, id string, at time.Time, raw map[string]any) unifi.Event {
	ev := unifi.Event{
		ID:      id,
		Key:     key,
		Time:    at,
		Message: "msg",
		Raw:     raw,
	}
	if mac, ok := raw["ap"].(string); ok {
		ev.DeviceMAC = mac
	}
	if name, ok := raw["ap_name"].(string); ok {
		ev.DeviceName = name
	}
	return ev
}

func TestEngine_KnownEventProducesFinding(t *testing.T) {
	store := NewStore(time.Hour)
	engine := NewEngine(NewRegistry(DefaultRules()), store)

	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	engine.Analyze(testEvent("EVT_AP_Lost_Contact", "evt-1", at, map[string]any{
		"ap":      "aa:bb:cc:dd:ee:ff",
		"ap_name": "Office AP",
	}))

	findings := store.Findings()
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, SeveritySevere, f.Severity)
	assert.Equal(t, CategoryConnectivity, f.Category)
	assert.True(t, strings.HasPrefix(f.Title, "[Connectivity]"))
	assert.True(t, strings.HasSuffix(f.Description, "(EVT_AP_Lost_Contact)"),
		"description must end with the raw key, got %q", f.Description)
	assert.Contains(t, f.Description, "Office AP")
	assert.NotEmpty(t, f.Remediation)
	assert.Equal(t, []string{"evt-1"}, f.SourceEventIDs)
	assert.NotEmpty(t, f.ID)
}

func TestEngine_UnknownEventCountedNotFailed(t *testing.T) {
	store := NewStore(time.Hour)
	engine := NewEngine(NewRegistry(DefaultRules()), store)

	at := time.Now().UTC()
	engine.Analyze(testEvent("EVT_Totally_New", "e1", at, map[string]any{}))
	engine.Analyze(testEvent("EVT_Totally_New", "e2", at, map[string]any{}))

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, map[string]int{"EVT_Totally_New": 2}, engine.UnknownTypes())
	assert.Equal(t, []string{"EVT_Totally_New"}, engine.UnknownTypeKeys())
}

func TestEngine_MissingTemplateFieldRendersUnknown(t *testing.T) {
	store := NewStore(time.Hour)
	engine := NewEngine(NewRegistry(DefaultRules()), store)

	// Rogue AP description references {essid}, which this event lacks.
	engine.Analyze(testEvent("EVT_AP_DetectRogueAP", "e1", time.Now().UTC(), map[string]any{
		"ap": "aa:bb:cc:dd:ee:ff",
	}))

	findings := store.Findings()
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Description, "Unknown")
}

func TestEngine_LowSeverityRuleHasNoRemediation(t *testing.T) {
	store := NewStore(time.Hour)
	engine := NewEngine(NewRegistry(DefaultRules()), store)

	engine.Analyze(testEvent("EVT_AD_Login", "e1", time.Now().UTC(), map[string]any{
		"admin": "netadmin",
	}))

	findings := store.Findings()
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityLow, findings[0].Severity)
	assert.Empty(t, findings[0].Remediation)
}

func TestEngine_NumericRawValuesRender(t *testing.T) {
	store := NewStore(time.Hour)
	engine := NewEngine(NewRegistry(DefaultRules()), store)

	engine.Analyze(testEvent("EVT_SW_PoeDisconnect", "e1", time.Now().UTC(), map[string]any{
		"sw":      "11:22:33:44:55:66",
		"sw_name": "Rack Switch",
		"port":    float64(7),
	}))

	findings := store.Findings()
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Description, "port 7")
}
