// Package state persists the run checkpoint that gates incremental
// collection.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unifiscan/unifi-scanner/internal/utils"
)

// SchemaVersion identifies the on-disk checkpoint format.
const SchemaVersion = "1.0"

// RunState is the persisted checkpoint. LastReportCount is recorded for
// forward compatibility and never read back into a decision.
type RunState struct {
	SchemaVersion     string `json:"schema_version"`
	LastSuccessfulRun string `json:"last_successful_run"`
	LastReportCount   *int   `json:"last_report_count,omitempty"`
}

// Store reads and writes the checkpoint file. The daemon process owns the
// file exclusively.
type Store struct {
	path string
}

// NewStore builds a store for the given checkpoint path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint location.
func (s *Store) Path() string { return s.path }

// Read returns the last successful run instant, or nil when no usable
// checkpoint exists. Every degradable failure (missing file, bad JSON,
// missing field, naive or unparsable timestamp) logs a warning and returns
// nil so the run falls back to the initial lookback; only permission
// errors propagate.
func (s *Store) Read() (*time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("read state %s: %w", s.path, err)
		}
		if !os.IsNotExist(err) {
			log.Warn().Str("path", s.path).Err(err).Msg("State file unreadable, treating as first run")
		}
		return nil, nil
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn().Str("path", s.path).Err(err).Msg("State file corrupt, treating as first run")
		return nil, nil
	}
	if st.LastSuccessfulRun == "" {
		log.Warn().Str("path", s.path).Msg("State file missing last_successful_run, treating as first run")
		return nil, nil
	}
	// RFC3339 requires an explicit offset, so naive timestamps are
	// rejected here rather than guessed at.
	ts, err := time.Parse(time.RFC3339Nano, st.LastSuccessfulRun)
	if err != nil {
		log.Warn().
			Str("path", s.path).
			Str("value", st.LastSuccessfulRun).
			Msg("State timestamp unparsable or missing timezone, treating as first run")
		return nil, nil
	}
	ts = ts.UTC()
	return &ts, nil
}

// Write atomically replaces the checkpoint. Called by the scheduler only
// after delivery succeeded.
func (s *Store) Write(runAt time.Time, reportCount int) error {
	st := RunState{
		SchemaVersion:     SchemaVersion,
		LastSuccessfulRun: runAt.UTC().Truncate(time.Microsecond).Format("2006-01-02T15:04:05.999999Z07:00"),
		LastReportCount:   &reportCount,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", s.path, err)
	}
	return nil
}
