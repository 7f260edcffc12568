// Package report assembles the per-run report and renders it to HTML and
// plain text.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/unifiscan/unifi-scanner/internal/analysis"
	"github.com/unifiscan/unifi-scanner/internal/health"
	"github.com/unifiscan/unifi-scanner/internal/ips"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// Report is the immutable output root for one run.
type Report struct {
	ID             string
	GeneratedAt    time.Time
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Site           string
	ControllerType unifi.DeviceType

	Findings []*analysis.Finding
	IPS      *ips.Result    // nil when no IPS events were collected
	Health   *health.Result // nil when the device poll failed

	EventCount        int
	IPSEventCount     int
	UnknownEventTypes map[string]int
}

// Params carries everything the builder needs.
type Params struct {
	Site              string
	ControllerType    unifi.DeviceType
	PeriodStart       time.Time
	GeneratedAt       time.Time
	Findings          []*analysis.Finding
	IPS               *ips.Result
	Health            *health.Result
	EventCount        int
	IPSEventCount     int
	UnknownEventTypes map[string]int
}

// Build assembles the report. PeriodEnd equals GeneratedAt.
func Build(p Params) *Report {
	return &Report{
		ID:                uuid.NewString(),
		GeneratedAt:       p.GeneratedAt,
		PeriodStart:       p.PeriodStart,
		PeriodEnd:         p.GeneratedAt,
		Site:              p.Site,
		ControllerType:    p.ControllerType,
		Findings:          p.Findings,
		IPS:               p.IPS,
		Health:            p.Health,
		EventCount:        p.EventCount,
		IPSEventCount:     p.IPSEventCount,
		UnknownEventTypes: p.UnknownEventTypes,
	}
}

// SevereCount counts severe findings.
func (r *Report) SevereCount() int { return r.countSeverity(analysis.SeveritySevere) }

// MediumCount counts medium findings.
func (r *Report) MediumCount() int { return r.countSeverity(analysis.SeverityMedium) }

// LowCount counts low findings.
func (r *Report) LowCount() int { return r.countSeverity(analysis.SeverityLow) }

func (r *Report) countSeverity(s analysis.Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// HasIPS reports whether the IPS section should render.
func (r *Report) HasIPS() bool {
	return r.IPS != nil && r.IPS.TotalEvents > 0
}

// HasHealth reports whether the health section should render.
func (r *Report) HasHealth() bool {
	return r.Health != nil && len(r.Health.Devices) > 0
}

// IsEmpty reports whether the run produced nothing to show. Empty reports
// are still delivered as the liveness confirmation.
func (r *Report) IsEmpty() bool {
	return len(r.Findings) == 0 && !r.HasIPS() && !r.HasHealth()
}
