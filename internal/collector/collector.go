// Package collector fetches events, IPS events and alarms for one site
// and applies the client-side incremental time filter.
package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// ClockSkewTolerance is subtracted from the watermark on non-first runs
// to absorb drift between the daemon and the controller. Re-emitted
// events are absorbed by the finding store's dedup window.
const ClockSkewTolerance = 5 * time.Minute

// fetchLimit caps the row count per controller request.
const fetchLimit = 3000

// ControllerAPI is the slice of the controller client the collector uses.
type ControllerAPI interface {
	GetEvents(ctx context.Context, site string, withinHours, limit int) ([]unifi.Event, error)
	GetIPSEvents(ctx context.Context, site string, withinHours, limit int) ([]unifi.IPSEvent, error)
	GetAlarms(ctx context.Context, site string) ([]unifi.Alarm, error)
}

// Collector fetches and filters one site's records.
type Collector struct {
	client       ControllerAPI
	site         string
	historyHours int
	fallback     *SSHFallback // nil when not configured

	now func() time.Time
}

// New builds a collector. historyHours bounds the first-run lookback.
func New(client ControllerAPI, site string, historyHours int, fallback *SSHFallback) *Collector {
	if historyHours <= 0 {
		historyHours = 24
	}
	return &Collector{
		client:       client,
		site:         site,
		historyHours: historyHours,
		fallback:     fallback,
		now:          time.Now,
	}
}

// Collect returns the events and IPS events newer than the watermark. A
// nil since means first run: the cutoff is now minus the lookback with no
// skew subtraction. An empty result is a valid outcome.
func (c *Collector) Collect(ctx context.Context, since *time.Time) ([]unifi.Event, []unifi.IPSEvent, error) {
	cutoff := c.cutoff(since)

	events, err := c.client.GetEvents(ctx, c.site, c.historyHours, fetchLimit)
	if err != nil {
		return nil, nil, err
	}
	events = append(events, c.collectAlarms(ctx)...)
	events = filterEvents(events, cutoff)

	ipsEvents, err := c.collectIPS(ctx, cutoff)
	if err != nil {
		return nil, nil, err
	}

	log.Debug().
		Str("site", c.site).
		Int("events", len(events)).
		Int("ipsEvents", len(ipsEvents)).
		Time("cutoff", cutoff).
		Msg("Collection complete")
	return events, ipsEvents, nil
}

// cutoff computes the client-side filter boundary.
func (c *Collector) cutoff(since *time.Time) time.Time {
	if since == nil {
		return c.now().UTC().Add(-time.Duration(c.historyHours) * time.Hour)
	}
	return since.Add(-ClockSkewTolerance)
}

// collectAlarms merges active alarms into the event stream; alarm failure
// never fails the collection.
func (c *Collector) collectAlarms(ctx context.Context) []unifi.Event {
	alarms, err := c.client.GetAlarms(ctx, c.site)
	if err != nil {
		log.Warn().Str("site", c.site).Err(err).Msg("Alarm fetch failed, continuing with events only")
		return nil
	}
	out := make([]unifi.Event, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, a.Event)
	}
	return out
}

// collectIPS fetches IPS events, falling back to the gateway database
// over SSH when the API path fails or yields nothing while a fallback is
// configured. Fallback data is strictly additive.
func (c *Collector) collectIPS(ctx context.Context, cutoff time.Time) ([]unifi.IPSEvent, error) {
	ipsEvents, err := c.client.GetIPSEvents(ctx, c.site, c.historyHours, fetchLimit)
	if err != nil {
		if unifi.IsAuthError(err) || unifi.IsConnectionError(err) {
			if c.fallback == nil {
				return nil, err
			}
			log.Warn().Err(err).Msg("IPS API path failed, using SSH fallback")
			ipsEvents = nil
		} else {
			// A controller without the IPS feature rejects the endpoint;
			// that is an empty result, not a failed tick.
			log.Debug().Err(err).Msg("IPS endpoint unavailable, treating as empty")
			ipsEvents = nil
		}
	}
	ipsEvents = filterIPSEvents(ipsEvents, cutoff)

	if c.fallback != nil && len(ipsEvents) == 0 {
		extra, ferr := c.fallback.FetchIPSEvents(ctx)
		if ferr != nil {
			log.Warn().Err(ferr).Msg("SSH fallback failed")
			if err != nil && unifi.IsConnectionError(err) {
				return nil, err
			}
			return ipsEvents, nil
		}
		ipsEvents = mergeIPSEvents(ipsEvents, filterIPSEvents(extra, cutoff))
	}
	return ipsEvents, nil
}

func filterEvents(events []unifi.Event, cutoff time.Time) []unifi.Event {
	out := events[:0]
	for _, e := range events {
		if e.Time.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func filterIPSEvents(events []unifi.IPSEvent, cutoff time.Time) []unifi.IPSEvent {
	out := events[:0]
	for _, e := range events {
		if e.Time.Time().After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// mergeIPSEvents unions by event id so fallback rows never duplicate API
// rows.
func mergeIPSEvents(primary, extra []unifi.IPSEvent) []unifi.IPSEvent {
	seen := make(map[string]bool, len(primary))
	for _, e := range primary {
		if e.ID != "" {
			seen[e.ID] = true
		}
	}
	for _, e := range extra {
		if e.ID != "" && seen[e.ID] {
			continue
		}
		primary = append(primary, e)
	}
	return primary
}
