package domain

import (
	"fmt"
	"time"
)

// JobKind identifies a scheduled job.
type JobKind string

const (
	JobForecast  JobKind = "forecast"
	JobWarning   JobKind = "warning"
	JobShapefile JobKind = "shapefile"
)

// JobKinds lists every job kind in dispatch order.
func JobKinds() []JobKind {
	return []JobKind{JobForecast, JobWarning, JobShapefile}
}

// ParseJobKind validates a job kind name.
func ParseJobKind(s string) (JobKind, error) {
	switch k := JobKind(s); k {
	case JobForecast, JobWarning, JobShapefile:
		return k, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// RunStatus is the state of a ScrapeRun.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Terminal reports whether the status closes a run.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunSkipped
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerStartup  Trigger = "startup"
	TriggerManual   Trigger = "manual"
)

// Counts are the generic item counters of a run.
type Counts struct {
	Found   int `json:"found"`
	Saved   int `json:"saved"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Found += other.Found
	c.Saved += other.Saved
	c.Updated += other.Updated
	c.Failed += other.Failed
}

// ScrapeRun is the audit record of one job execution.
type ScrapeRun struct {
	ID              string         `json:"id"`
	Kind            JobKind        `json:"kind"`
	Trigger         Trigger        `json:"trigger"`
	Status          RunStatus      `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	Attempts        int            `json:"attempts"`
	Counts          Counts         `json:"counts"`
	Details         map[string]int `json:"details,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}
