package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = engine.ErrNotFound

// EventRecord is a persisted lifecycle event.
type EventRecord struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      string    `json:"data,omitempty"` // JSON
	Timestamp time.Time `json:"timestamp"`
}

// EventQuery narrows GetEvents. Empty fields match everything.
type EventQuery struct {
	JobID    string
	TargetID string
	Level    string
	Limit    int
	Offset   int
}

// Store defines the persistence interface for confdeploy.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Configuration versions
	CreateVersion(ctx context.Context, v *engine.ConfigVersion) error
	GetVersion(ctx context.Context, id string) (*engine.ConfigVersion, error)
	ListVersions(ctx context.Context, configName string, includeArchived bool) ([]*engine.ConfigVersion, error)
	ListAllVersions(ctx context.Context) ([]*engine.ConfigVersion, error)
	ArchiveVersion(ctx context.Context, id string, at time.Time) error
	AddVersionDeployment(ctx context.Context, versionID, targetID string, at time.Time) (bool, error)

	// Inventory
	UpsertTarget(ctx context.Context, t *engine.Target) error
	GetTarget(ctx context.Context, id string) (*engine.Target, error)
	ListTargets(ctx context.Context) ([]*engine.Target, error)
	DeleteTarget(ctx context.Context, id string) error
	UpsertGroup(ctx context.Context, g *engine.TargetGroup) error
	ListGroups(ctx context.Context) ([]*engine.TargetGroup, error)

	// Jobs and deployment records
	SaveJob(ctx context.Context, job *engine.BatchDeploymentJob) error
	GetJob(ctx context.Context, id string) (*engine.BatchDeploymentJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*engine.BatchDeploymentJob, error)
	SaveRecord(ctx context.Context, record *engine.DeploymentRecord) error
	ListRecordsByJob(ctx context.Context, jobID string) ([]*engine.DeploymentRecord, error)

	// Events
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error)
}
