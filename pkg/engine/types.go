package engine

import (
	"time"
)

// ConfigVersion is an immutable, content-hashed snapshot of a configuration payload.
type ConfigVersion struct {
	// ID is the unique version identifier.
	ID string `json:"id" validate:"required"`

	// ConfigName groups versions of the same logical configuration.
	ConfigName string `json:"config_name" validate:"required"`

	// ConfigType selects the diff strategy and the collaborator profile (e.g. "prometheus").
	ConfigType string `json:"config_type" validate:"required"`

	// Content is the raw configuration payload.
	Content []byte `json:"-"`

	// ContentHash is the hex encoded sha256 of Content.
	ContentHash string `json:"content_hash"`

	// ParentVersionID links this version to the one it was derived from.
	ParentVersionID string `json:"parent_version_id,omitempty"`

	// Author submitted the version.
	Author string `json:"author,omitempty"`

	// Description is a free-form change note.
	Description string `json:"description,omitempty"`

	// Tags are arbitrary labels attached on creation.
	Tags []string `json:"tags,omitempty"`

	// ChangesSummary counts the differences against the parent version.
	ChangesSummary ChangesSummary `json:"changes_summary"`

	// DeployedTo lists the target IDs this version has been deployed to, each once.
	DeployedTo []string `json:"deployed_to,omitempty"`

	// CreatedAt is when the version was submitted.
	CreatedAt time.Time `json:"created_at"`

	// ArchivedAt is set once the version has been archived.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// IsArchived reports whether the version was removed from its history.
func (v *ConfigVersion) IsArchived() bool {
	return v.ArchivedAt != nil
}

// ChangesSummary counts additions, deletions and modifications against a parent.
type ChangesSummary struct {
	Additions     int `json:"additions"`
	Deletions     int `json:"deletions"`
	Modifications int `json:"modifications"`
}

// ConfigDiff is one difference between two configuration versions.
type ConfigDiff struct {
	// Type is added, removed, modified or unchanged.
	Type DiffType `json:"type"`

	// Path is the dotted structural path. Empty in textual mode.
	Path string `json:"path,omitempty"`

	// OldValue and NewValue carry structural values.
	OldValue interface{} `json:"old_value,omitempty"`
	NewValue interface{} `json:"new_value,omitempty"`

	// Line is the 1-based line number in textual mode. Removed lines refer to
	// the old content, added lines to the new content.
	Line int `json:"line,omitempty"`

	// Text is the line content in textual mode.
	Text string `json:"text,omitempty"`

	// Description is a human-readable rendering of the change.
	Description string `json:"description"`
}

// ComparisonSummary aggregates a comparison and carries the derived risk.
type ComparisonSummary struct {
	TotalChanges        int       `json:"total_changes"`
	Additions           int       `json:"additions"`
	Deletions           int       `json:"deletions"`
	Modifications       int       `json:"modifications"`
	RiskLevel           RiskLevel `json:"risk_level"`
	CompatibilityIssues []string  `json:"compatibility_issues,omitempty"`
}

// ConfigComparison is the result of comparing two versions.
type ConfigComparison struct {
	FromVersion string            `json:"from_version"`
	ToVersion   string            `json:"to_version"`
	Mode        DiffMode          `json:"mode"`
	Diffs       []ConfigDiff      `json:"diffs"`
	Summary     ComparisonSummary `json:"summary"`
	ComparedAt  time.Time         `json:"compared_at"`
}

// Target is a managed endpoint that receives configuration.
type Target struct {
	// ID is the unique target identifier.
	ID string `json:"id" validate:"required"`

	// Address is the network address (host or host:port).
	Address string `json:"address" validate:"required"`

	// Vendor is the vendor or device classification.
	Vendor string `json:"vendor,omitempty"`

	// Tags are classification labels used for filtering.
	Tags []string `json:"tags,omitempty"`

	// Capabilities lists capability flags such as "snmp" or "node_exporter".
	Capabilities []string `json:"capabilities,omitempty"`

	// Monitoring holds the deployment state per configType.
	Monitoring map[string]*MonitoringState `json:"monitoring,omitempty"`

	// History lists deployment record IDs in the order they were produced.
	History []string `json:"history,omitempty"`

	// CreatedAt is when the target was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the target was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the target carries the given tag.
func (t *Target) HasTag(tag string) bool {
	for _, tt := range t.Tags {
		if tt == tag {
			return true
		}
	}
	return false
}

// HasCapability reports whether the target advertises the given capability.
func (t *Target) HasCapability(capability string) bool {
	for _, c := range t.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// DeployedVersion returns the version currently deployed for configType, if any.
func (t *Target) DeployedVersion(configType string) string {
	if t.Monitoring == nil {
		return ""
	}
	if m, ok := t.Monitoring[configType]; ok && m != nil {
		return m.DeployedVersion
	}
	return ""
}

// Clone returns a deep copy of the target.
func (t *Target) Clone() *Target {
	if t == nil {
		return nil
	}
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.Capabilities = append([]string(nil), t.Capabilities...)
	c.History = append([]string(nil), t.History...)
	if t.Monitoring != nil {
		c.Monitoring = make(map[string]*MonitoringState, len(t.Monitoring))
		for k, v := range t.Monitoring {
			if v == nil {
				continue
			}
			mv := *v
			c.Monitoring[k] = &mv
		}
	}
	return &c
}

// MonitoringState is the deployment state of one configType on a target.
type MonitoringState struct {
	Enabled         bool             `json:"enabled"`
	DeployedVersion string           `json:"deployed_version,omitempty"`
	LastDeployed    *time.Time       `json:"last_deployed,omitempty"`
	Status          MonitoringStatus `json:"status,omitempty"`
}

// TargetGroup is a named set of targets with a default rollout policy.
type TargetGroup struct {
	// ID is the unique group identifier.
	ID string `json:"id" validate:"required"`

	// Name is a display name.
	Name string `json:"name,omitempty"`

	// Members lists target IDs, each at most once.
	Members []string `json:"members,omitempty"`

	// DefaultVersions maps configType to the version deployed by default.
	DefaultVersions map[string]string `json:"default_versions,omitempty"`

	// Policy is used when a deployment request does not carry its own.
	Policy DeploymentPolicy `json:"policy"`

	// CreatedAt is when the group was created.
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether the target is part of the group.
func (g *TargetGroup) HasMember(targetID string) bool {
	for _, m := range g.Members {
		if m == targetID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the group.
func (g *TargetGroup) Clone() *TargetGroup {
	if g == nil {
		return nil
	}
	c := *g
	c.Members = append([]string(nil), g.Members...)
	if g.DefaultVersions != nil {
		c.DefaultVersions = make(map[string]string, len(g.DefaultVersions))
		for k, v := range g.DefaultVersions {
			c.DefaultVersions[k] = v
		}
	}
	return &c
}

// DeploymentPolicy controls how a job rolls a version out.
type DeploymentPolicy struct {
	// Mode is parallel, sequential or rolling.
	Mode DeploymentMode `json:"mode" yaml:"mode" validate:"required,oneof=parallel sequential rolling"`

	// BatchSize is the number of targets per batch in parallel mode.
	BatchSize int `json:"batch_size" yaml:"batch_size" validate:"gte=1"`

	// DelayBetweenBatches is inserted between consecutive batches, steps or waves.
	DelayBetweenBatches time.Duration `json:"delay_between_batches" yaml:"delay_between_batches" validate:"gte=0"`

	// RollbackOnFailure enables the abort check and rollback of successful targets.
	RollbackOnFailure bool `json:"rollback_on_failure" yaml:"rollback_on_failure"`

	// MaxFailureRate is the tolerated ratio of failed to attempted targets.
	MaxFailureRate float64 `json:"max_failure_rate" yaml:"max_failure_rate" validate:"gte=0,lte=1"`

	// PreDeploymentChecks runs a connectivity check before touching a target.
	PreDeploymentChecks bool `json:"pre_deployment_checks" yaml:"pre_deployment_checks"`

	// PostDeploymentValidation validates the target after apply.
	PostDeploymentValidation bool `json:"post_deployment_validation" yaml:"post_deployment_validation"`

	// BackupBeforeDeployment backs up the current configuration before apply.
	BackupBeforeDeployment bool `json:"backup_before_deployment" yaml:"backup_before_deployment"`

	// RequireBackup turns a failed backup into a failed step.
	RequireBackup bool `json:"require_backup,omitempty" yaml:"require_backup"`

	// MaxRetries bounds the extra attempts for each collaborator call.
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`

	// RetryBaseDelay is the first backoff delay; later delays double.
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" validate:"gte=0"`

	// StepTimeout bounds every single collaborator call attempt.
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout" validate:"gte=0"`

	// SkipUnchanged succeeds without apply when the target already runs identical content.
	SkipUnchanged bool `json:"skip_unchanged,omitempty" yaml:"skip_unchanged"`
}

// DefaultPolicy returns the policy used when neither the request nor a group supplies one.
func DefaultPolicy() DeploymentPolicy {
	return DeploymentPolicy{
		Mode:                     ModeParallel,
		BatchSize:                5,
		DelayBetweenBatches:      0,
		RollbackOnFailure:        true,
		MaxFailureRate:           0.2,
		PreDeploymentChecks:      true,
		PostDeploymentValidation: true,
		BackupBeforeDeployment:   true,
		MaxRetries:               2,
		RetryBaseDelay:           500 * time.Millisecond,
		StepTimeout:              5 * time.Minute,
	}
}

// IsZero reports whether the policy was left unset.
func (p DeploymentPolicy) IsZero() bool {
	return p.Mode == ""
}

// Progress counts the targets of a job by outcome.
// Completed+Failed+Pending always equals Total.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Attempted returns the number of targets that finished, successfully or not.
func (p Progress) Attempted() int {
	return p.Completed + p.Failed
}

// FailureRate returns failed/(completed+failed), or 0 before anything finished.
func (p Progress) FailureRate() float64 {
	if p.Attempted() == 0 {
		return 0
	}
	return float64(p.Failed) / float64(p.Attempted())
}

// Consistent reports whether the counters add up.
func (p Progress) Consistent() bool {
	return p.Completed+p.Failed+p.Pending == p.Total && p.Pending >= 0
}

// BatchDeploymentJob is one rollout of a version across a set of targets.
type BatchDeploymentJob struct {
	ID              string              `json:"id"`
	Targets         []string            `json:"targets"`
	GroupIDs        []string            `json:"group_ids,omitempty"`
	ConfigType      string              `json:"config_type"`
	ConfigVersionID string              `json:"config_version_id"`
	Policy          DeploymentPolicy    `json:"policy"`
	Status          JobStatus           `json:"status"`
	Progress        Progress            `json:"progress"`
	Records         []*DeploymentRecord `json:"records"`
	Errors          []string            `json:"errors,omitempty"`
	Risk            RiskLevel           `json:"risk,omitempty"`
	User            string              `json:"user,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out while the job keeps running.
func (j *BatchDeploymentJob) Clone() *BatchDeploymentJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Targets = append([]string(nil), j.Targets...)
	c.GroupIDs = append([]string(nil), j.GroupIDs...)
	c.Errors = append([]string(nil), j.Errors...)
	c.Records = make([]*DeploymentRecord, 0, len(j.Records))
	for _, r := range j.Records {
		c.Records = append(c.Records, r.Clone())
	}
	return &c
}

// Record returns the record for the given target, or nil.
func (j *BatchDeploymentJob) Record(targetID string) *DeploymentRecord {
	for _, r := range j.Records {
		if r.TargetID == targetID {
			return r
		}
	}
	return nil
}

// DeploymentRecord is the outcome of deploying a version to one target within a job.
type DeploymentRecord struct {
	ID                string       `json:"id"`
	JobID             string       `json:"job_id"`
	TargetID          string       `json:"target_id"`
	ConfigType        string       `json:"config_type"`
	ConfigVersionID   string       `json:"config_version_id"`
	Status            RecordStatus `json:"status"`
	Attempts          int          `json:"attempts"`
	Error             string       `json:"error,omitempty"`
	ErrorCode         string       `json:"error_code,omitempty"`
	Warnings          []string     `json:"warnings,omitempty"`
	PreviousVersionID string       `json:"previous_version_id,omitempty"`
	RollbackVersionID string       `json:"rollback_version_id,omitempty"`
	Skipped           bool         `json:"skipped,omitempty"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// Clone returns a copy of the record.
func (r *DeploymentRecord) Clone() *DeploymentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Warnings = append([]string(nil), r.Warnings...)
	return &c
}

// Duration returns how long the step took, or zero while it is running.
func (r *DeploymentRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// DeploymentRequest asks the orchestrator to roll a version out.
type DeploymentRequest struct {
	// GroupIDs are expanded to their members.
	GroupIDs []string `json:"group_ids,omitempty"`

	// TargetIDs are added after group members, duplicates removed.
	TargetIDs []string `json:"target_ids,omitempty"`

	// ConfigType names the configuration kind being deployed.
	ConfigType string `json:"config_type" validate:"required"`

	// ConfigVersionID is the version to deploy.
	ConfigVersionID string `json:"config_version_id" validate:"required"`

	// Policy overrides the group policy when set.
	Policy *DeploymentPolicy `json:"policy,omitempty"`

	// User is recorded on the job.
	User string `json:"user,omitempty"`
}

// TargetFilter narrows a target listing. Every non-empty field must match.
type TargetFilter struct {
	// Tags must all be present on the target.
	Tags []string

	// GroupID restricts to members of the group.
	GroupID string

	// Status matches the monitoring status of ConfigType, or of any configType
	// when ConfigType is empty.
	Status MonitoringStatus

	// ConfigType scopes Status.
	ConfigType string

	// Capabilities must all be present on the target.
	Capabilities []string
}

// AdmissionRequest is evaluated by the admission policy before a job is created.
type AdmissionRequest struct {
	ConfigType      string             `json:"config_type"`
	ConfigVersionID string             `json:"config_version_id"`
	TargetCount     int                `json:"target_count"`
	Policy          DeploymentPolicy   `json:"policy"`
	Risk            RiskLevel          `json:"risk"`
	Summary         *ComparisonSummary `json:"summary,omitempty"`
	User            string             `json:"user,omitempty"`
}

// AdmissionDecision is the result of an admission evaluation.
type AdmissionDecision struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}
