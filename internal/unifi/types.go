package unifi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DeviceType identifies the controller flavour, which determines endpoint
// paths and the login route.
type DeviceType string

const (
	DeviceTypeUnknown    DeviceType = ""
	DeviceTypeUDMLike    DeviceType = "udm_like"     // UniFi OS console on 443
	DeviceTypeSelfHosted DeviceType = "self_hosted"  // software controller on 8443
	DeviceTypeOSServer   DeviceType = "os_server"    // UniFi OS Server on 11443
)

// apiEnvelope is the controller's standard response wrapper.
type apiEnvelope struct {
	Meta struct {
		RC  string `json:"rc"`
		Msg string `json:"msg"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// flexFloat tolerates numbers the controller serializes as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
		if s == "" || strings.EqualFold(s, "n/a") {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexInt is flexFloat truncated to an integer.
type flexInt int64

func (i *flexInt) UnmarshalJSON(data []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(data); err != nil {
		return err
	}
	*i = flexInt(f)
	return nil
}

// millisTime decodes the controller's millisecond epoch timestamps.
type millisTime time.Time

func (m *millisTime) UnmarshalJSON(data []byte) error {
	var v flexInt
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	if v == 0 {
		*m = millisTime(time.Time{})
		return nil
	}
	*m = millisTime(time.UnixMilli(int64(v)).UTC())
	return nil
}

func (m millisTime) Time() time.Time { return time.Time(m) }

// Site is one logical network partition on the controller.
type Site struct {
	Name        string `json:"name"` // URL slug, e.g. "default"
	Description string `json:"desc"`
}

// Event is a generic controller log record. Raw keeps the full attribute
// bag for rule template substitution.
type Event struct {
	ID         string
	Key        string
	Time       time.Time
	Message    string
	DeviceMAC  string
	DeviceName string
	Raw        map[string]any
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var aux struct {
		ID   string     `json:"_id"`
		Key  string     `json:"key"`
		Time millisTime `json:"time"`
		Msg  string     `json:"msg"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.ID = aux.ID
	e.Key = aux.Key
	e.Time = aux.Time.Time()
	e.Message = aux.Msg
	e.Raw = raw
	e.DeviceMAC, e.DeviceName = deviceIdentity(raw)
	return nil
}

// deviceIdentity pulls the device MAC and friendly name out of the raw
// attribute bag. Events name the device field after its role (ap, sw, gw).
func deviceIdentity(raw map[string]any) (mac, name string) {
	for _, key := range []string{"ap", "sw", "gw", "dev", "device"} {
		if v, ok := raw[key].(string); ok && v != "" {
			mac = strings.ToLower(v)
			if n, ok := raw[key+"_name"].(string); ok {
				name = n
			}
			return mac, name
		}
	}
	if v, ok := raw["device_mac"].(string); ok {
		mac = strings.ToLower(v)
	}
	if n, ok := raw["device_name"].(string); ok {
		name = n
	}
	return mac, name
}

// IPSEvent is one intrusion-detection record.
type IPSEvent struct {
	ID          string     `json:"_id"`
	Time        millisTime `json:"timestamp"`
	SrcIP       string     `json:"src_ip"`
	SrcPort     flexInt    `json:"src_port"`
	DstIP       string     `json:"dst_ip"`
	DstPort     flexInt    `json:"dst_port"`
	Proto       string     `json:"proto"`
	Signature   string     `json:"inner_alert_signature"`
	SignatureID flexInt    `json:"inner_alert_signature_id"`
	Category    string     `json:"inner_alert_category"`
	Severity    flexInt    `json:"inner_alert_severity"`
	Action      string     `json:"inner_alert_action"`
}

// CybersecureSIDMin and CybersecureSIDMax bound the ET Pro signature range.
const (
	CybersecureSIDMin = 2_800_000
	CybersecureSIDMax = 2_899_999
)

// Blocked reports whether the controller stopped the traffic.
func (e *IPSEvent) Blocked() bool {
	switch strings.ToLower(e.Action) {
	case "blocked", "drop", "reject":
		return true
	}
	return false
}

// Cybersecure reports whether the signature belongs to the paid ET Pro
// ruleset, identified purely by SID range.
func (e *IPSEvent) Cybersecure() bool {
	return int64(e.SignatureID) >= CybersecureSIDMin && int64(e.SignatureID) <= CybersecureSIDMax
}

// DeviceKind is the normalized hardware class of a managed device.
type DeviceKind string

const (
	DeviceKindAP      DeviceKind = "ap"
	DeviceKindSwitch  DeviceKind = "switch"
	DeviceKindGateway DeviceKind = "gateway"
	DeviceKindUDM     DeviceKind = "udm"
	DeviceKindUnknown DeviceKind = "unknown"
)

// DeviceStats is a polled device-health snapshot.
type DeviceStats struct {
	MAC           string
	Name          string
	Model         string
	Kind          DeviceKind
	State         int
	CPUPct        *float64
	MemPct        *float64
	UptimeSeconds *int64
	TemperatureC  *float64
	PoEBudgetW    *float64
	PoEUsedW      *float64
	LastSeen      time.Time
}

// UptimeDays converts the uptime to days, 0 when unknown.
func (d *DeviceStats) UptimeDays() float64 {
	if d.UptimeSeconds == nil {
		return 0
	}
	return float64(*d.UptimeSeconds) / 86400
}

func (d *DeviceStats) UnmarshalJSON(data []byte) error {
	var aux struct {
		MAC         string     `json:"mac"`
		Name        string     `json:"name"`
		Model       string     `json:"model"`
		Type        string     `json:"type"`
		State       flexInt    `json:"state"`
		Uptime      *flexInt   `json:"uptime"`
		LastSeen    millisTime `json:"last_seen"`
		GeneralTemp *flexFloat `json:"general_temperature"`
		HasTemp     bool       `json:"has_temperature"`
		MaxPower    *flexFloat `json:"total_max_power"`
		SystemStats *struct {
			CPU *flexFloat `json:"cpu"`
			Mem *flexFloat `json:"mem"`
		} `json:"system-stats"`
		PortTable []struct {
			PoEPower *flexFloat `json:"poe_power"`
		} `json:"port_table"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.MAC = strings.ToLower(aux.MAC)
	d.Name = aux.Name
	d.Model = aux.Model
	d.Kind = deviceKind(aux.Type)
	d.State = int(aux.State)
	d.LastSeen = aux.LastSeen.Time()
	if aux.Uptime != nil {
		v := int64(*aux.Uptime)
		d.UptimeSeconds = &v
	}
	if aux.SystemStats != nil {
		if aux.SystemStats.CPU != nil {
			v := float64(*aux.SystemStats.CPU)
			d.CPUPct = &v
		}
		if aux.SystemStats.Mem != nil {
			v := float64(*aux.SystemStats.Mem)
			d.MemPct = &v
		}
	}
	if aux.HasTemp && aux.GeneralTemp != nil {
		v := float64(*aux.GeneralTemp)
		d.TemperatureC = &v
	}
	if aux.MaxPower != nil && float64(*aux.MaxPower) > 0 {
		budget := float64(*aux.MaxPower)
		d.PoEBudgetW = &budget
		used := 0.0
		for _, p := range aux.PortTable {
			if p.PoEPower != nil {
				used += float64(*p.PoEPower)
			}
		}
		d.PoEUsedW = &used
	}
	return nil
}

func deviceKind(raw string) DeviceKind {
	switch strings.ToLower(raw) {
	case "uap":
		return DeviceKindAP
	case "usw":
		return DeviceKindSwitch
	case "ugw", "uxg":
		return DeviceKindGateway
	case "udm":
		return DeviceKindUDM
	}
	return DeviceKindUnknown
}

// Alarm is an archived-capable alert record; alarms share the event key
// space and are merged into the event stream by the collector.
type Alarm struct {
	Event
	Archived bool
}

func (a *Alarm) UnmarshalJSON(data []byte) error {
	if err := a.Event.UnmarshalJSON(data); err != nil {
		return err
	}
	if v, ok := a.Event.Raw["archived"].(bool); ok {
		a.Archived = v
	}
	return nil
}
