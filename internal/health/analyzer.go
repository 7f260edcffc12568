// Package health applies threshold rules to polled device statistics.
package health

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/unifiscan/unifi-scanner/internal/analysis"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// Thresholds are the warning and critical trip points. Comparison is
// strict: the threshold value itself does not trip.
type Thresholds struct {
	TempWarnC      float64
	TempCritC      float64
	CPUWarnPct     float64
	CPUCritPct     float64
	MemWarnPct     float64
	MemCritPct     float64
	UptimeWarnDays float64
	UptimeCritDays float64
}

// DefaultThresholds returns the stock trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempWarnC:      80,
		TempCritC:      90,
		CPUWarnPct:     80,
		CPUCritPct:     95,
		MemWarnPct:     85,
		MemCritPct:     95,
		UptimeWarnDays: 90,
		UptimeCritDays: 180,
	}
}

// DeviceStatus summarizes one device after threshold checks.
type DeviceStatus string

const (
	StatusHealthy  DeviceStatus = "healthy"
	StatusWarning  DeviceStatus = "warning"
	StatusCritical DeviceStatus = "critical"
)

// DeviceSummary is the per-device rollup for the report.
type DeviceSummary struct {
	MAC    string
	Name   string
	Model  string
	Kind   unifi.DeviceKind
	Status DeviceStatus
}

// Result carries the health findings and per-device summaries.
type Result struct {
	Critical []*analysis.Finding
	Warnings []*analysis.Finding
	Devices  []DeviceSummary
}

// HasFindings reports whether any threshold tripped.
func (r *Result) HasFindings() bool {
	return len(r.Critical) > 0 || len(r.Warnings) > 0
}

// dimension describes one checked metric. Checks run in declaration order
// and each device emits at most one finding per dimension; critical
// supersedes warning.
type dimension struct {
	name        string
	unit        string
	value       func(*unifi.DeviceStats) (float64, bool)
	warn        func(Thresholds) float64
	crit        func(Thresholds) float64
	critSteps   string
	warnTip string
}

var dimensions = []dimension{
	{
		name: "temperature",
		unit: "°C",
		value: func(d *unifi.DeviceStats) (float64, bool) {
			if d.TemperatureC == nil {
				return 0, false
			}
			return *d.TemperatureC, true
		},
		warn: func(t Thresholds) float64 { return t.TempWarnC },
		crit: func(t Thresholds) float64 { return t.TempCritC },
		critSteps: "1. Check {device_name} for blocked vents or failed fans.\n" +
			"2. Move the device out of enclosed spaces or direct sunlight.\n" +
			"3. If the temperature stays above {threshold}{unit}, power the device down before it fails.",
		warnTip: "{device_name} is running at {current}{unit}, above the {threshold}{unit} comfort limit. Improve airflow around the device before it reaches critical temperature.",
	},
	{
		name: "cpu",
		unit: "%",
		value: func(d *unifi.DeviceStats) (float64, bool) {
			if d.CPUPct == nil {
				return 0, false
			}
			return *d.CPUPct, true
		},
		warn: func(t Thresholds) float64 { return t.CPUWarnPct },
		crit: func(t Thresholds) float64 { return t.CPUCritPct },
		critSteps: "1. Identify what is loading {device_name}: client count, IPS inspection or a stuck process.\n" +
			"2. Update the firmware; sustained CPU above {threshold}{unit} on current firmware is abnormal.\n" +
			"3. Reboot the device during a maintenance window if the load does not drop.",
		warnTip: "{device_name} CPU is at {current}{unit}, above the {threshold}{unit} guideline. Watch whether the load is sustained or a passing spike.",
	},
	{
		name: "memory",
		unit: "%",
		value: func(d *unifi.DeviceStats) (float64, bool) {
			if d.MemPct == nil {
				return 0, false
			}
			return *d.MemPct, true
		},
		warn: func(t Thresholds) float64 { return t.MemWarnPct },
		crit: func(t Thresholds) float64 { return t.MemCritPct },
		critSteps: "1. Reboot {device_name} during a maintenance window to reclaim memory.\n" +
			"2. Update the firmware; memory above {threshold}{unit} usually indicates a leak fixed upstream.\n" +
			"3. If it recurs within days, reduce enabled features on the device.",
		warnTip: "{device_name} memory is at {current}{unit}, above the {threshold}{unit} guideline. A slow climb over days points at a firmware leak; plan a reboot.",
	},
	{
		name: "uptime",
		unit: " days",
		value: func(d *unifi.DeviceStats) (float64, bool) {
			if d.UptimeSeconds == nil {
				return 0, false
			}
			return d.UptimeDays(), true
		},
		warn: func(t Thresholds) float64 { return t.UptimeWarnDays },
		crit: func(t Thresholds) float64 { return t.UptimeCritDays },
		critSteps: "1. Schedule a restart of {device_name}; it has run {current}{unit} without one.\n" +
			"2. Apply pending firmware updates during the same window.\n" +
			"3. Verify the device rejoins cleanly after the restart.",
		warnTip: "{device_name} has been up {current}{unit}, past the {threshold}{unit} guideline. Long uptimes usually mean postponed firmware updates; plan a maintenance restart.",
	},
}

// Analyze checks every device against the thresholds. Pure function; the
// input slice is not modified.
func Analyze(devices []unifi.DeviceStats, th Thresholds) *Result {
	res := &Result{}
	for i := range devices {
		d := &devices[i]
		status := StatusHealthy
		for _, dim := range dimensions {
			value, ok := dim.value(d)
			if !ok {
				continue
			}
			switch {
			case value > dim.crit(th):
				res.Critical = append(res.Critical, healthFinding(d, dim, value, dim.crit(th), analysis.SeveritySevere))
				status = StatusCritical
			case value > dim.warn(th):
				res.Warnings = append(res.Warnings, healthFinding(d, dim, value, dim.warn(th), analysis.SeverityMedium))
				if status == StatusHealthy {
					status = StatusWarning
				}
			}
		}
		res.Devices = append(res.Devices, DeviceSummary{
			MAC:    d.MAC,
			Name:   deviceName(d),
			Model:  d.Model,
			Kind:   d.Kind,
			Status: status,
		})
	}
	return res
}

func healthFinding(d *unifi.DeviceStats, dim dimension, value, threshold float64, sev analysis.Severity) *analysis.Finding {
	vars := map[string]string{
		"device_name": deviceName(d),
		"device_mac":  d.MAC,
		"current":     formatValue(value),
		"threshold":   formatValue(threshold),
		"unit":        dim.unit,
	}

	level := "warning"
	tmpl := dim.warnTip
	if sev == analysis.SeveritySevere {
		level = "critical"
		tmpl = dim.critSteps
	}

	return &analysis.Finding{
		ID:          uuid.NewString(),
		EventType:   "device_health_" + dim.name,
		Severity:    sev,
		Category:    analysis.CategoryDeviceHealth,
		Title:       fmt.Sprintf("[Device Health] %s %s %s", deviceName(d), dim.name, level),
		Description: fmt.Sprintf("%s reports %s %s%s, above the %s%s threshold.", deviceName(d), dim.name, formatValue(value), dim.unit, formatValue(threshold), dim.unit),
		Remediation: analysis.RenderTemplate(tmpl, vars),
		DeviceMAC:   d.MAC,
		DeviceName:  deviceName(d),

		OccurrenceCount: 1,
		FirstSeen:       d.LastSeen,
		LastSeen:        d.LastSeen,
	}
}

func deviceName(d *unifi.DeviceStats) string {
	if d.Name != "" {
		return d.Name
	}
	if d.MAC != "" {
		return d.MAC
	}
	return "Unknown"
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}
