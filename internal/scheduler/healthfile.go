package scheduler

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unifiscan/unifi-scanner/internal/utils"
)

// HealthStatus is the container liveness state.
type HealthStatus string

const (
	HealthStarting  HealthStatus = "STARTING"
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthFile mirrors the daemon state for container health checks. It is
// rewritten atomically on every status change and after every tick.
type HealthFile struct {
	path string
}

// NewHealthFile builds a writer for path; empty disables it.
func NewHealthFile(path string) *HealthFile {
	return &HealthFile{path: path}
}

type healthDoc struct {
	Status    HealthStatus `json:"status"`
	Timestamp string       `json:"timestamp"`
	Details   string       `json:"details,omitempty"`
}

// Set writes the status. Failures are logged, never propagated; a broken
// health file must not take the daemon down.
func (h *HealthFile) Set(status HealthStatus, details string) {
	if h.path == "" {
		return
	}
	doc := healthDoc{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode health document")
		return
	}
	if err := utils.WriteFileAtomic(h.path, append(data, '\n'), 0o644); err != nil {
		log.Error().Str("path", h.path).Err(err).Msg("Failed to write health file")
	}
}
