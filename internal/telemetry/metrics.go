// Package telemetry holds the process-wide prometheus collectors and the
// optional metrics listener.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// Ticks counts scheduler ticks by outcome (success, failure).
	Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_scanner_ticks_total",
		Help: "Scheduler ticks by outcome.",
	}, []string{"outcome"})

	// EventsCollected counts raw records fetched from the controller.
	EventsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_scanner_events_collected_total",
		Help: "Raw records fetched from the controller by kind.",
	}, []string{"kind"})

	// ParseErrors counts payload records dropped as malformed.
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unifi_scanner_parse_errors_total",
		Help: "Controller payload records dropped as malformed.",
	})

	// UnknownEventTypes counts events that matched no rule.
	UnknownEventTypes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_scanner_unknown_event_types_total",
		Help: "Events that matched no analysis rule, by event key.",
	}, []string{"key"})

	// Reauths counts transparent mid-tick reauthentications.
	Reauths = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unifi_scanner_reauths_total",
		Help: "Transparent session reauthentications.",
	})

	// Deliveries counts delivery attempts by channel and outcome.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_scanner_deliveries_total",
		Help: "Report delivery attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	// LastRun exposes the checkpoint as a unix timestamp gauge.
	LastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unifi_scanner_last_successful_run_timestamp",
		Help: "Unix timestamp of the last successful run checkpoint.",
	})
)

// Serve starts the metrics listener on addr and blocks until ctx is done.
// An empty addr disables the listener.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}
