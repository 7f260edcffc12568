// Package scheduler owns the main loop: single-flight tick execution,
// signal-driven shutdown and the checkpoint-after-delivery contract.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unifiscan/unifi-scanner/internal/analysis"
	"github.com/unifiscan/unifi-scanner/internal/collector"
	"github.com/unifiscan/unifi-scanner/internal/config"
	"github.com/unifiscan/unifi-scanner/internal/delivery"
	"github.com/unifiscan/unifi-scanner/internal/health"
	"github.com/unifiscan/unifi-scanner/internal/integrations"
	"github.com/unifiscan/unifi-scanner/internal/ips"
	"github.com/unifiscan/unifi-scanner/internal/report"
	"github.com/unifiscan/unifi-scanner/internal/state"
	"github.com/unifiscan/unifi-scanner/internal/telemetry"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// ShutdownGrace bounds how long an in-flight tick may keep running after
// a shutdown signal. An aborted tick never advanced state, so the next
// start re-processes the same window safely.
const ShutdownGrace = 30 * time.Second

// Deps wires the scheduler's collaborators.
type Deps struct {
	Client     *unifi.Client
	Collector  *collector.Collector
	Store      *state.Store
	Registry   *analysis.Registry
	IPS        *ips.Analyzer
	Thresholds health.Thresholds
	Renderer   *report.Renderer
	Delivery   *delivery.Manager
	Runner     *integrations.Runner
	ThreatFeed *integrations.ThreatFeed
	Health     *HealthFile
}

// Scheduler drives the tick loop. Single process, single flight: a tick
// runs to completion before the next may begin, so there is never a
// read-modify-write race on the state file.
type Scheduler struct {
	deps Deps
	cfg  *config.Config

	mu       sync.Mutex
	interval time.Duration

	now func() time.Time
}

// New builds the scheduler.
func New(cfg *config.Config, deps Deps) *Scheduler {
	return &Scheduler{
		deps:     deps,
		cfg:      cfg,
		interval: cfg.PollInterval.Std(),
		now:      time.Now,
	}
}

// SetInterval updates the poll interval; picked up at the next wait.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	old := s.interval
	s.interval = d
	s.mu.Unlock()
	if old != d {
		log.Info().Dur("old", old).Dur("new", d).Msg("Poll interval updated")
	}
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Startup probes the controller and authenticates once so configuration
// and credential problems surface before the loop starts. The error maps
// to the process exit code in main.
func (s *Scheduler) Startup(ctx context.Context) error {
	s.deps.Health.Set(HealthStarting, "probing controller")
	if _, err := s.deps.Client.DetectDeviceType(ctx); err != nil {
		return err
	}
	if err := s.deps.Client.Authenticate(ctx); err != nil {
		return err
	}
	s.deps.Client.Logout(ctx)

	if s.deps.Runner.Enabled() {
		log.Info().Strs("integrations", s.deps.Runner.Names()).Msg("Integrations enabled")
	}
	return nil
}

// Run executes ticks until ctx is cancelled. A tick in flight when the
// signal arrives completes within the grace window; the wait between
// ticks uses a fresh timer so a missed interval coalesces to at most one
// catch-up run.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.runTick(ctx)

		timer := time.NewTimer(s.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Scheduler stopped")
			return
		case <-timer.C:
		}
	}
}

// runTick runs one tick on its own context so shutdown cancels the wait
// between ticks immediately but only aborts an in-flight tick after the
// grace window.
func (s *Scheduler) runTick(parent context.Context) {
	tickCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(ShutdownGrace, cancel)
	})
	defer stop()

	if err := s.Tick(tickCtx); err != nil {
		telemetry.Ticks.WithLabelValues("failure").Inc()
		s.deps.Health.Set(HealthUnhealthy, err.Error())
		if hint := unifi.Hint(err); hint != "" {
			log.Error().Err(err).Str("hint", hint).Msg("Tick failed")
		} else {
			log.Error().Err(err).Msg("Tick failed")
		}
		return
	}
	telemetry.Ticks.WithLabelValues("success").Inc()
}

// Tick runs one full collect-analyze-deliver-checkpoint cycle.
func (s *Scheduler) Tick(ctx context.Context) error {
	started := s.now().UTC()
	log.Info().Str("site", s.cfg.Site).Msg("Run started")

	// 1. Watermark. Read failures degrade to first-run semantics.
	since, err := s.deps.Store.Read()
	if err != nil {
		log.Error().Err(err).Msg("State read failed, treating as first run")
		since = nil
	}
	periodStart := started.Add(-time.Duration(s.cfg.InitialLookbackHours) * time.Hour)
	if since != nil {
		periodStart = *since
	}

	// Fresh session every run; the cookie jar never crosses ticks.
	if err := s.deps.Client.Authenticate(ctx); err != nil {
		return err
	}
	defer s.deps.Client.Logout(ctx)

	// 2. Collect.
	events, ipsEvents, err := s.deps.Collector.Collect(ctx, since)
	if err != nil {
		return err
	}

	// 3. Analyze events into deduplicated findings.
	findingStore := analysis.NewStore(s.cfg.DedupWindow.Std())
	engine := analysis.NewEngine(s.deps.Registry, findingStore)
	for _, e := range events {
		engine.Analyze(e)
	}
	if unknown := engine.UnknownTypeKeys(); len(unknown) > 0 {
		log.Debug().Strs("keys", unknown).Msg("Events with no matching rule")
	}

	// 4. IPS classification.
	ipsAnalysis := s.deps.IPS.Analyze(ipsEvents)

	// 5+6. Device health, isolated: a failed device poll degrades to a
	// report without the health section, never an aborted tick.
	var healthAnalysis *health.Result
	if devices, derr := s.deps.Client.GetDevices(ctx, s.cfg.Site); derr != nil {
		log.Warn().Err(derr).Msg("Device poll failed, skipping health analysis")
	} else {
		healthAnalysis = health.Analyze(devices, s.deps.Thresholds)
	}

	// Optional enrichment, fully isolated from the pipeline.
	s.runIntegrations(ctx, ipsAnalysis)

	// 7. Build.
	findings := findingStore.Findings()
	rep := report.Build(report.Params{
		Site:              s.cfg.Site,
		ControllerType:    s.deps.Client.DeviceType(),
		PeriodStart:       periodStart,
		GeneratedAt:       started,
		Findings:          findings,
		IPS:               ipsAnalysis,
		Health:            healthAnalysis,
		EventCount:        len(events),
		IPSEventCount:     len(ipsEvents),
		UnknownEventTypes: engine.UnknownTypes(),
	})

	// 8. Render.
	html, text, err := s.deps.Renderer.Render(rep)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	// 9. Deliver. Empty reports are delivered too; they confirm liveness.
	success, deliverErr := s.deps.Delivery.Deliver(ctx, rep, html, text)

	// 10. Checkpoint only after a channel succeeded.
	if !success {
		reason := "all delivery channels failed"
		if deliverErr != nil {
			reason = deliverErr.Error()
		}
		s.deps.Health.Set(HealthUnhealthy, reason)
		log.Warn().Str("reason", reason).Msg("Run not checkpointed; window will be re-processed")
		return nil
	}

	if err := s.deps.Store.Write(started, len(findings)); err != nil {
		// The report is already delivered; the next run over-reports a
		// bounded window and dedup absorbs the duplicates.
		log.Error().Err(err).Msg("State write failed after delivery")
	} else {
		telemetry.LastRun.Set(float64(started.Unix()))
	}
	s.deps.Health.Set(HealthHealthy, fmt.Sprintf("%d findings delivered", len(findings)))
	log.Info().
		Str("site", s.cfg.Site).
		Int("events", len(events)).
		Int("ipsEvents", len(ipsEvents)).
		Int("findings", len(findings)).
		Int("severe", rep.SevereCount()).
		Dur("elapsed", s.now().UTC().Sub(started)).
		Msg("Run complete")
	return nil
}

// runIntegrations feeds the noisiest sources to the enrichment runner and
// logs the outcomes. Integration failures never influence the tick.
func (s *Scheduler) runIntegrations(ctx context.Context, ipsAnalysis *ips.Result) {
	if !s.deps.Runner.Enabled() {
		return
	}
	if s.deps.ThreatFeed != nil {
		var targets []string
		for _, src := range ipsAnalysis.TopSources {
			if !src.Internal {
				targets = append(targets, src.IP)
			}
		}
		s.deps.ThreatFeed.SetTargets(targets)
	}
	for _, res := range s.deps.Runner.Run(ctx) {
		if res.Succeeded() {
			log.Info().Str("integration", res.Name).Dur("elapsed", res.Elapsed).Msg("Integration completed")
		} else {
			log.Warn().Str("integration", res.Name).Str("reason", res.Err).Msg("Integration failed")
		}
	}
}
