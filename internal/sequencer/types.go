package sequencer

import (
	"time"

	"arc-framework/bootseq/internal/deps"
)

// Status values used across Report and StageResult.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
	StatusCached     = "cached"
)

// Stage names, in execution order.
const (
	StageContext      = "context"
	StageDependencies = "dependencies"
	StageSource       = "source"
	StageLogSink      = "log-sink"
	StagePort         = "port"
)

// Stages lists the build stages in the order they run.
var Stages = []string{StageContext, StageDependencies, StageSource, StageLogSink, StagePort}

// Report is the aggregate result of one build. A Report handed out by the
// Sequencer is never mutated afterwards.
type Report struct {
	BuildID    string        `json:"build_id"`
	Status     string        `json:"status"` // "ok", "error", "in-progress"
	State      State         `json:"state"`
	Workdir    string        `json:"workdir"`
	Port       int           `json:"port"`
	LockDigest deps.Digest   `json:"lock_digest,omitempty"`
	Packages   int           `json:"packages"`
	Stages     []StageResult `json:"stages"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Stage returns the result recorded for name.
func (r *Report) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Cached reports whether the dependency stage reused a previous install.
func (r *Report) Cached() bool {
	s, ok := r.Stage(StageDependencies)
	return ok && s.Status == StatusCached
}

// StageResult represents the outcome of a single build stage.
type StageResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // "ok", "error", "cached", "skipped"
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ProbeResult is returned by each backend client's Probe.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Event is published to the EventSink on every state transition.
type Event struct {
	BuildID string    `json:"build_id"`
	Stage   string    `json:"stage"`
	State   State     `json:"state"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
