package engine

import (
	"context"
	"time"

	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// Deployer performs the remote half of a deployment step.
// Implementations are transport specific; every call may block on the network
// and must honor ctx cancellation and deadlines.
type Deployer interface {
	// CheckConnectivity verifies the target is reachable before anything is changed.
	CheckConnectivity(ctx context.Context, target *Target) error

	// BackupConfig saves the configuration currently active on the target.
	BackupConfig(ctx context.Context, target *Target, configType string) error

	// ApplyConfig pushes content to the target and activates it.
	ApplyConfig(ctx context.Context, target *Target, configType string, content []byte) error

	// ValidateDeployment confirms the target runs correctly after apply.
	ValidateDeployment(ctx context.Context, target *Target, configType string) error
}

// VersionSource gives the orchestrator access to configuration versions.
type VersionSource interface {
	// Get returns the version including its content.
	Get(ctx context.Context, id string) (*ConfigVersion, error)

	// MarkDeployed records that the version reached the target. Idempotent.
	MarkDeployed(ctx context.Context, id, targetID string) error
}

// TargetSource gives the orchestrator access to the inventory.
type TargetSource interface {
	// Resolve expands groups and explicit ids into a deduplicated target list,
	// preserving first-seen order. It also returns the referenced groups.
	Resolve(ctx context.Context, groupIDs, targetIDs []string) ([]*Target, []*TargetGroup, error)

	// Get returns a copy of a target.
	Get(ctx context.Context, id string) (*Target, error)

	// RecordDeployment marks configType as deployed at versionID on the target
	// and appends recordID to its history.
	RecordDeployment(ctx context.Context, targetID, configType, versionID, recordID string, at time.Time) error

	// RestoreDeployment resets the deployed version of configType after a rollback.
	RestoreDeployment(ctx context.Context, targetID, configType, versionID string, at time.Time) error
}

// Differ compares two versions and classifies the change.
type Differ interface {
	Compare(ctx context.Context, from, to *ConfigVersion) (*ConfigComparison, error)
}

// AdmissionController decides whether a deployment may start.
type AdmissionController interface {
	Admit(ctx context.Context, req *AdmissionRequest) (*AdmissionDecision, error)
}

// JobStore persists jobs and their deployment records.
type JobStore interface {
	SaveJob(ctx context.Context, job *BatchDeploymentJob) error
	GetJob(ctx context.Context, id string) (*BatchDeploymentJob, error)
	SaveRecord(ctx context.Context, record *DeploymentRecord) error
}

// EventPublisher delivers lifecycle events to subscribers.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}
