// Package delivery fans a rendered report out to the configured channels
// and reports the success predicate that gates the state checkpoint.
package delivery

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/unifiscan/unifi-scanner/internal/report"
	"github.com/unifiscan/unifi-scanner/internal/telemetry"
)

// Channel delivers one rendered report.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, rep *report.Report, html, text []byte) error
}

// Manager executes the channel fan-out. Channel failures are isolated:
// one failing channel never stops the others.
type Manager struct {
	channels []Channel
}

// NewManager builds a manager over the ordered channel list.
func NewManager(channels ...Channel) *Manager {
	return &Manager{channels: channels}
}

// Deliver sends the report through every channel. Returns true when at
// least one channel succeeded, plus the last error for the health file.
// Empty reports are delivered like any other; they are the operator's
// confirmation that the daemon is alive.
func (m *Manager) Deliver(ctx context.Context, rep *report.Report, html, text []byte) (bool, error) {
	if len(m.channels) == 0 {
		log.Warn().Msg("No delivery channels configured")
		return false, nil
	}

	success := false
	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Deliver(ctx, rep, html, text); err != nil {
			lastErr = err
			telemetry.Deliveries.WithLabelValues(ch.Name(), "failure").Inc()
			log.Warn().Str("channel", ch.Name()).Err(err).Msg("Delivery channel failed")
			continue
		}
		success = true
		telemetry.Deliveries.WithLabelValues(ch.Name(), "success").Inc()
		log.Info().Str("channel", ch.Name()).Msg("Report delivered")
	}
	return success, lastErr
}
