package analysis

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unifiscan/unifi-scanner/internal/telemetry"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// Engine dispatches events to rules and merges the resulting findings into
// the store.
type Engine struct {
	registry *Registry
	store    *Store

	unknownTypes map[string]int
}

// NewEngine builds an engine over the given registry and finding store.
func NewEngine(registry *Registry, store *Store) *Engine {
	return &Engine{
		registry:     registry,
		store:        store,
		unknownTypes: make(map[string]int),
	}
}

// Analyze dispatches one event. An event matching no rule is not an error;
// it is counted and skipped.
func (e *Engine) Analyze(ev unifi.Event) {
	rules := e.registry.Lookup(ev.Key)
	if len(rules) == 0 {
		e.unknownTypes[ev.Key]++
		telemetry.UnknownEventTypes.WithLabelValues(ev.Key).Inc()
		log.Debug().Str("key", ev.Key).Msg("No rule for event type")
		return
	}

	vars := eventVars(ev)
	for _, rule := range rules {
		f := &Finding{
			ID:          uuid.NewString(),
			EventType:   ev.Key,
			Severity:    rule.Severity,
			Category:    rule.Category,
			Title:       RenderTemplate(rule.Title, vars),
			Description: RenderTemplate(rule.Description, vars),
			DeviceMAC:   ev.DeviceMAC,
			DeviceName:  ev.DeviceName,
		}
		if rule.Remediation != "" {
			f.Remediation = RenderTemplate(rule.Remediation, vars)
		}
		if ev.ID != "" {
			f.SourceEventIDs = []string{ev.ID}
		}
		e.store.Add(f, ev.Time)
	}
}

// UnknownTypes returns a copy of the per-run counters of event types that
// matched no rule. The map is unordered; UnknownTypeKeys gives the keys
// sorted.
func (e *Engine) UnknownTypes() map[string]int {
	out := make(map[string]int, len(e.unknownTypes))
	for k, v := range e.unknownTypes {
		out[k] = v
	}
	return out
}

// UnknownTypeKeys returns the unmatched keys in sorted order.
func (e *Engine) UnknownTypeKeys() []string {
	keys := make([]string, 0, len(e.unknownTypes))
	for k := range e.unknownTypes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// eventVars flattens the event into the template variable bag. Scalar raw
// attributes are exposed under their native keys so rule templates can use
// fields like {channel} or {essid} directly.
func eventVars(ev unifi.Event) map[string]string {
	vars := make(map[string]string, len(ev.Raw)+4)
	for k, v := range ev.Raw {
		switch val := v.(type) {
		case string:
			vars[k] = val
		case float64:
			if val == float64(int64(val)) {
				vars[k] = fmt.Sprintf("%d", int64(val))
			} else {
				vars[k] = fmt.Sprintf("%g", val)
			}
		case bool:
			vars[k] = fmt.Sprintf("%t", val)
		}
	}
	vars["event_type"] = ev.Key
	vars["msg"] = ev.Message
	if ev.DeviceMAC != "" {
		vars["device_mac"] = ev.DeviceMAC
	}
	if ev.DeviceName != "" {
		vars["device_name"] = ev.DeviceName
	}
	return vars
}
