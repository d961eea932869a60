package engine

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the lifecycle state of a batch deployment job.
type JobStatus string

const (
	// JobStatusPending indicates the job was accepted but execution has not started.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates the job is dispatching batches.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted indicates every target was attempted and the job never aborted.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job aborted or could not start.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates an external cancel request was honored.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive returns true if the job is pending or running.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown values.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := JobStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// RecordStatus represents the state of a single per-target deployment.
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "pending"
	RecordStatusRunning    RecordStatus = "running"
	RecordStatusSuccess    RecordStatus = "success"
	RecordStatusFailed     RecordStatus = "failed"
	RecordStatusRolledBack RecordStatus = "rolled_back"
)

// IsTerminal returns true once the record will not change again during its step.
func (s RecordStatus) IsTerminal() bool {
	return s == RecordStatusSuccess || s == RecordStatusFailed || s == RecordStatusRolledBack
}

// Validate checks if the record status is valid.
func (s RecordStatus) Validate() error {
	switch s {
	case RecordStatusPending, RecordStatusRunning, RecordStatusSuccess,
		RecordStatusFailed, RecordStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid record status: %s", s)
	}
}

// DeploymentMode selects how a job partitions its targets.
type DeploymentMode string

const (
	// ModeParallel runs fixed-size batches concurrently and checks the cumulative failure rate.
	ModeParallel DeploymentMode = "parallel"

	// ModeSequential runs one target at a time in input order.
	ModeSequential DeploymentMode = "sequential"

	// ModeRolling runs 20% waves and checks each wave's own failure rate.
	ModeRolling DeploymentMode = "rolling"
)

// Validate checks if the deployment mode is valid.
func (m DeploymentMode) Validate() error {
	switch m {
	case ModeParallel, ModeSequential, ModeRolling:
		return nil
	default:
		return fmt.Errorf("invalid deployment mode: %s", m)
	}
}

// ParseDeploymentMode converts a user supplied string into a DeploymentMode.
func ParseDeploymentMode(s string) (DeploymentMode, error) {
	m := DeploymentMode(s)
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

// MonitoringStatus is the observed state of a configuration on a target.
type MonitoringStatus string

const (
	MonitoringRunning MonitoringStatus = "running"
	MonitoringStopped MonitoringStatus = "stopped"
	MonitoringError   MonitoringStatus = "error"
)

// Validate checks if the monitoring status is valid.
func (s MonitoringStatus) Validate() error {
	switch s {
	case MonitoringRunning, MonitoringStopped, MonitoringError:
		return nil
	default:
		return fmt.Errorf("invalid monitoring status: %s", s)
	}
}

// RiskLevel classifies the size of a configuration change.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels so the highest of several comparisons can be picked.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// DiffType is the kind of a single configuration difference.
type DiffType string

const (
	DiffAdded     DiffType = "added"
	DiffRemoved   DiffType = "removed"
	DiffModified  DiffType = "modified"
	DiffUnchanged DiffType = "unchanged"
)

// DiffMode records which comparison strategy produced a ConfigComparison.
type DiffMode string

const (
	DiffModeStructural DiffMode = "structural"
	DiffModeTextual    DiffMode = "textual"
)
