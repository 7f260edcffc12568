// Package integrations runs optional enrichment sources in parallel with
// complete failure isolation.
package integrations

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/unifiscan/unifi-scanner/internal/integrations/circuit"
)

// Integration is one optional enrichment source.
type Integration interface {
	Name() string
	// IsConfigured reports whether every required credential is present.
	IsConfigured() bool
	// ValidateConfig reports partial configuration; a non-nil error
	// excludes the integration with a startup warning.
	ValidateConfig() error
	// Fetch produces the enrichment payload.
	Fetch(ctx context.Context) (any, error)
}

// Result is the outcome of one integration's fetch. Exactly one Result is
// returned per configured integration, successful or not.
type Result struct {
	Name    string
	Data    any
	Err     string // empty on success
	Elapsed time.Duration
}

// Succeeded reports whether the fetch produced data.
func (r Result) Succeeded() bool { return r.Err == "" }

// DefaultTimeout bounds each integration's fetch.
const DefaultTimeout = 30 * time.Second

// Runner owns the configured integrations and their circuit breakers.
// Breakers live in memory only and reset on process restart.
type Runner struct {
	integrations []Integration
	breakers     map[string]*circuit.Breaker
	timeout      time.Duration
}

// NewRunner filters the given integrations: fully absent configuration is
// skipped silently; partial configuration is excluded with a warning.
func NewRunner(candidates []Integration, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Runner{
		breakers: make(map[string]*circuit.Breaker),
		timeout:  timeout,
	}
	for _, in := range candidates {
		if err := in.ValidateConfig(); err != nil {
			log.Warn().Str("integration", in.Name()).Err(err).Msg("Integration partially configured, excluding")
			continue
		}
		if !in.IsConfigured() {
			continue
		}
		r.integrations = append(r.integrations, in)
		r.breakers[in.Name()] = circuit.New(in.Name())
	}
	return r
}

// Enabled reports whether any integration survived configuration checks.
func (r *Runner) Enabled() bool { return len(r.integrations) > 0 }

// Names lists the active integrations.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.integrations))
	for _, in := range r.integrations {
		names = append(names, in.Name())
	}
	return names
}

// Run executes every integration concurrently. A timeout or panic in one
// integration never cancels another; the returned slice always holds one
// Result per integration in registration order.
func (r *Runner) Run(ctx context.Context) []Result {
	results := make([]Result, len(r.integrations))
	var g errgroup.Group
	for i, in := range r.integrations {
		i, in := i, in
		g.Go(func() error {
			results[i] = r.runOne(ctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) runOne(ctx context.Context, in Integration) Result {
	res := Result{Name: in.Name()}
	breaker := r.breakers[in.Name()]
	if !breaker.Allow() {
		res.Err = "circuit_open"
		return res
	}

	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		data, err := in.Fetch(fetchCtx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-fetchCtx.Done():
		res.Elapsed = time.Since(start)
		res.Err = "timeout_" + in.Name()
		breaker.RecordFailure(fetchCtx.Err())
	case out := <-done:
		res.Elapsed = time.Since(start)
		if out.err != nil {
			res.Err = "error: " + out.err.Error()
			breaker.RecordFailure(out.err)
		} else {
			res.Data = out.data
			breaker.RecordSuccess()
		}
	}
	return res
}
