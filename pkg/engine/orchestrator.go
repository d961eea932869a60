package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// OrchestratorConfig holds process-wide orchestrator settings.
type OrchestratorConfig struct {
	// MaxConcurrency bounds the per-target goroutines of one batch or wave.
	// Zero runs every target of a batch at once.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=0"`

	// MaxBackoff caps the delay between retries of a collaborator call.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gte=0"`

	// DefaultPolicy applies when neither the request nor a group supplies one.
	DefaultPolicy DeploymentPolicy `yaml:"default_policy"`
}

// DefaultOrchestratorConfig returns the default orchestrator settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrency: 0,
		MaxBackoff:     30 * time.Second,
		DefaultPolicy:  DefaultPolicy(),
	}
}

// Orchestrator runs batch deployment jobs.
//
// Submit validates a request, creates the job and hands it to a dedicated
// goroutine. That goroutine partitions the targets according to the policy,
// fans each batch out to per-target goroutines and applies the batch outcome
// to the job progress once the batch has settled.
type Orchestrator struct {
	deployer  Deployer
	versions  VersionSource
	targets   TargetSource
	differ    Differ
	admission AdmissionController
	jobs      JobStore
	events    EventPublisher

	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	validator *validator.Validate
	config    OrchestratorConfig
	now       func() time.Time

	mu     sync.RWMutex
	runs   map[string]*jobRun
	order  []string
	closed bool
	wg     sync.WaitGroup
}

// jobRun is the scheduler-side state of one job.
type jobRun struct {
	mu  sync.Mutex
	job *BatchDeploymentJob

	version *ConfigVersion
	targets []*Target

	// dispatch is cancelled by Cancel, under mu together with the status
	// change. It stops new batches, the inter-batch delay and in-flight
	// collaborator calls.
	dispatch context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDiffer enables risk assessment against the currently deployed versions.
func WithDiffer(d Differ) OrchestratorOption {
	return func(o *Orchestrator) { o.differ = d }
}

// WithAdmission evaluates every request against an admission policy.
func WithAdmission(a AdmissionController) OrchestratorOption {
	return func(o *Orchestrator) { o.admission = a }
}

// WithJobStore persists jobs and records.
func WithJobStore(s JobStore) OrchestratorOption {
	return func(o *Orchestrator) { o.jobs = s }
}

// WithEventPublisher overrides the event bus of the telemetry bundle.
func WithEventPublisher(p EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.events = p }
}

// WithTelemetry sets logging, tracing, metrics and the default event bus.
func WithTelemetry(t *telemetry.Telemetry) OrchestratorOption {
	return func(o *Orchestrator) { o.tel = t }
}

// WithOrchestratorConfig replaces the default settings.
func WithOrchestratorConfig(cfg OrchestratorConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.config = cfg }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deployer Deployer, versions VersionSource, targets TargetSource, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		deployer:  deployer,
		versions:  versions,
		targets:   targets,
		validator: validator.New(),
		config:    DefaultOrchestratorConfig(),
		now:       time.Now,
		runs:      make(map[string]*jobRun),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.tel == nil {
		o.tel = telemetry.NewNopTelemetry()
	}
	if o.events == nil && o.tel.Events != nil {
		o.events = o.tel.Events
	}
	if o.config.DefaultPolicy.IsZero() {
		o.config.DefaultPolicy = DefaultPolicy()
	}
	if o.config.MaxBackoff <= 0 {
		o.config.MaxBackoff = 30 * time.Second
	}
	o.logger = o.tel.Logger.NewComponentLogger("orchestrator")

	return o
}

// Submit validates a deployment request, creates its job and schedules it.
//
// The returned snapshot is in pending state; no target work has started.
// Validation failures return a nil job. An unknown version returns a job
// that is already failed together with a VERSION_NOT_FOUND error.
func (o *Orchestrator) Submit(ctx context.Context, req DeploymentRequest) (*BatchDeploymentJob, error) {
	if err := o.validator.Struct(req); err != nil {
		return nil, NewValidationError("invalid deployment request: %v", err)
	}
	if len(req.GroupIDs) == 0 && len(req.TargetIDs) == 0 {
		return nil, NewValidationError("deployment request names no groups or targets")
	}

	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, NewPermanentError("orchestrator is shut down", nil).WithCode(ErrCodeCancelled)
	}

	targets, groups, err := o.targets.Resolve(ctx, req.GroupIDs, req.TargetIDs)
	if err != nil {
		if IsNotFound(err) {
			return nil, NewValidationError("cannot resolve deployment targets: %s", messageOf(err))
		}
		return nil, fmt.Errorf("failed to resolve targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, NewValidationError("deployment resolves to no targets")
	}

	policy := o.resolvePolicy(req, groups)
	if err := o.validator.Struct(policy); err != nil {
		return nil, NewValidationError("invalid deployment policy: %v", err)
	}

	job := o.newJob(req, targets, policy)

	version, err := o.versions.Get(ctx, req.ConfigVersionID)
	if err != nil {
		if IsNotFound(err) {
			return o.failMissingVersion(ctx, job)
		}
		return nil, fmt.Errorf("failed to load version %s: %w", req.ConfigVersionID, err)
	}
	if version.ConfigType != req.ConfigType {
		return nil, NewValidationError("version %s has config type %q, request asks for %q",
			version.ID, version.ConfigType, req.ConfigType)
	}

	risk, summary := o.assessRisk(ctx, version, targets)
	job.Risk = risk

	var warnings []string
	if o.admission != nil {
		decision, err := o.admission.Admit(ctx, &AdmissionRequest{
			ConfigType:      req.ConfigType,
			ConfigVersionID: version.ID,
			TargetCount:     len(targets),
			Policy:          policy,
			Risk:            risk,
			Summary:         summary,
			User:            req.User,
		})
		if err != nil {
			return nil, fmt.Errorf("admission evaluation failed: %w", err)
		}
		if !decision.Allowed {
			o.tel.Metrics.RecordAdmissionDenied(req.ConfigType)
			return nil, NewPermanentError("deployment denied by policy: "+strings.Join(decision.Violations, "; "), nil).
				WithCode(ErrCodePolicyDenied).
				WithDetail("violations", decision.Violations)
		}
		warnings = decision.Warnings
	}

	for _, t := range targets {
		job.Records = append(job.Records, &DeploymentRecord{
			ID:              uuid.New().String(),
			JobID:           job.ID,
			TargetID:        t.ID,
			ConfigType:      job.ConfigType,
			ConfigVersionID: job.ConfigVersionID,
			Status:          RecordStatusPending,
		})
	}

	if err := o.persistNewJob(ctx, job); err != nil {
		return nil, err
	}

	run := o.register(job, version, targets)
	snapshot := job.Clone()

	o.tel.Metrics.RecordJobSubmitted(string(policy.Mode), job.ConfigType)
	o.logger.WithJobID(job.ID).WithFields(map[string]interface{}{
		"version_id": version.ID,
		"targets":    len(targets),
		"mode":       string(policy.Mode),
		"risk":       string(risk),
	}).Info("deployment job submitted")
	for _, w := range warnings {
		o.logger.WithJobID(job.ID).Warnf("admission warning: %s", w)
	}

	o.wg.Add(1)
	go o.execute(run, warnings)

	return snapshot, nil
}

func (o *Orchestrator) newJob(req DeploymentRequest, targets []*Target, policy DeploymentPolicy) *BatchDeploymentJob {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	return &BatchDeploymentJob{
		ID:              uuid.New().String(),
		Targets:         ids,
		GroupIDs:        append([]string(nil), req.GroupIDs...),
		ConfigType:      req.ConfigType,
		ConfigVersionID: req.ConfigVersionID,
		Policy:          policy,
		Status:          JobStatusPending,
		Progress:        Progress{Total: len(ids), Pending: len(ids)},
		Records:         []*DeploymentRecord{},
		User:            req.User,
		CreatedAt:       o.now(),
	}
}

// resolvePolicy picks the request policy, then the first group's, then the default.
func (o *Orchestrator) resolvePolicy(req DeploymentRequest, groups []*TargetGroup) DeploymentPolicy {
	if req.Policy != nil && !req.Policy.IsZero() {
		return *req.Policy
	}
	if len(groups) > 0 && !groups[0].Policy.IsZero() {
		return groups[0].Policy
	}
	return o.config.DefaultPolicy
}

// assessRisk compares each distinct version currently deployed on the
// targets with the requested one and returns the highest risk found.
func (o *Orchestrator) assessRisk(ctx context.Context, version *ConfigVersion, targets []*Target) (RiskLevel, *ComparisonSummary) {
	if o.differ == nil {
		return RiskLow, nil
	}

	risk := RiskLow
	var worst *ComparisonSummary
	seen := make(map[string]bool)
	for _, t := range targets {
		prev := t.DeployedVersion(version.ConfigType)
		if prev == "" || prev == version.ID || seen[prev] {
			continue
		}
		seen[prev] = true

		from, err := o.versions.Get(ctx, prev)
		if err != nil {
			o.logger.WithVersionID(prev).WithError(err).Warn("cannot load deployed version for risk assessment")
			continue
		}
		cmp, err := o.differ.Compare(ctx, from, version)
		if err != nil {
			o.logger.WithVersionID(prev).WithError(err).Warn("risk comparison failed")
			continue
		}
		if worst == nil || cmp.Summary.RiskLevel.Rank() > risk.Rank() {
			risk = cmp.Summary.RiskLevel
			summary := cmp.Summary
			worst = &summary
		}
	}
	return risk, worst
}

// failMissingVersion records a job that cannot start because its version is unknown.
func (o *Orchestrator) failMissingVersion(ctx context.Context, job *BatchDeploymentJob) (*BatchDeploymentJob, error) {
	msg := fmt.Sprintf("configuration version not found: %s", job.ConfigVersionID)
	now := o.now()
	job.Status = JobStatusFailed
	job.Errors = append(job.Errors, msg)
	job.CompletedAt = &now

	if err := o.persistNewJob(ctx, job); err != nil {
		o.logger.WithJobID(job.ID).WithError(err).Error("failed to persist failed job")
	}

	run := o.register(job, nil, nil)
	run.cancel()
	close(run.done)

	o.tel.Metrics.RecordJobSubmitted(string(job.Policy.Mode), job.ConfigType)
	o.tel.Metrics.RecordJobFinished(string(JobStatusFailed), 0)
	o.logger.WithJobID(job.ID).WithVersionID(job.ConfigVersionID).Error("deployment job failed: version not found")
	o.publish(telemetry.Event{
		Type:    telemetry.EventTypeJobFailed,
		JobID:   job.ID,
		Level:   telemetry.EventLevelError,
		Message: msg,
	})

	return job.Clone(), NewPermanentError(msg, nil).
		WithCode(ErrCodeVersionNotFound).
		WithDetail("job_id", job.ID)
}

func (o *Orchestrator) persistNewJob(ctx context.Context, job *BatchDeploymentJob) error {
	if o.jobs == nil {
		return nil
	}
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	for _, r := range job.Records {
		if err := o.jobs.SaveRecord(ctx, r); err != nil {
			return fmt.Errorf("failed to persist record: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) register(job *BatchDeploymentJob, version *ConfigVersion, targets []*Target) *jobRun {
	dispatch, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		job:      job,
		version:  version,
		targets:  targets,
		dispatch: dispatch,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	o.runs[job.ID] = run
	o.order = append(o.order, job.ID)
	o.mu.Unlock()
	return run
}

func (o *Orchestrator) lookup(id string) (*jobRun, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[id]
	return run, ok
}

// Job returns a deep copy of a job. Jobs from earlier processes are read
// from the job store.
func (o *Orchestrator) Job(ctx context.Context, id string) (*BatchDeploymentJob, error) {
	if run, ok := o.lookup(id); ok {
		return run.snapshot(), nil
	}
	if o.jobs != nil {
		job, err := o.jobs.GetJob(ctx, id)
		if err == nil {
			return job, nil
		}
		if !IsNotFound(err) {
			return nil, fmt.Errorf("failed to load job %s: %w", id, err)
		}
	}
	return nil, NewNotFoundError("job", id)
}

// Jobs returns snapshots of the jobs submitted to this orchestrator, oldest first.
func (o *Orchestrator) Jobs() []*BatchDeploymentJob {
	o.mu.RLock()
	runs := make([]*jobRun, 0, len(o.order))
	for _, id := range o.order {
		runs = append(runs, o.runs[id])
	}
	o.mu.RUnlock()

	out := make([]*BatchDeploymentJob, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.snapshot())
	}
	return out
}

// Wait blocks until the job has finished or ctx is done and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*BatchDeploymentJob, error) {
	run, ok := o.lookup(id)
	if !ok {
		return o.Job(ctx, id)
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return run.snapshot(), ctx.Err()
	}
}

// Cancel stops a job from dispatching further batches and interrupts the
// collaborator calls of steps in flight. Interrupted records fail with
// CANCELLED; steps that already settled keep their outcome. The job is
// cancelled as soon as Cancel returns.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	run, ok := o.lookup(id)
	if !ok {
		if _, err := o.Job(ctx, id); err != nil {
			return err
		}
		return NewConflictError("job is not running in this process", nil).
			WithCode(ErrCodeConflict).
			WithDetail("job_id", id)
	}

	run.mu.Lock()
	if run.job.Status.IsTerminal() {
		status := run.job.Status
		run.mu.Unlock()
		return NewConflictError(fmt.Sprintf("job already %s", status), nil).
			WithCode(ErrCodeConflict).
			WithDetail("job_id", id)
	}
	run.job.Status = JobStatusCancelled
	run.cancel()
	job := run.job.Clone()
	run.mu.Unlock()

	o.saveJob(ctx, job)
	o.logger.WithJobID(id).Info("deployment job cancelled")
	o.publish(telemetry.Event{
		Type:    telemetry.EventTypeJobCancelled,
		JobID:   id,
		Level:   telemetry.EventLevelWarning,
		Message: "job cancelled",
		Data:    progressData(job.Progress),
	})
	return nil
}

// Shutdown rejects new submissions and waits for running jobs to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown orchestrator: %w", ctx.Err())
	}
}

func (r *jobRun) snapshot() *BatchDeploymentJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

func (o *Orchestrator) saveJob(ctx context.Context, job *BatchDeploymentJob) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		o.logger.WithJobID(job.ID).WithError(err).Error("failed to persist job")
	}
}

func (o *Orchestrator) saveRecord(ctx context.Context, record *DeploymentRecord) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.SaveRecord(ctx, record); err != nil {
		o.logger.WithJobID(record.JobID).WithRecordID(record.ID).WithError(err).Error("failed to persist record")
	}
}

func (o *Orchestrator) publish(event telemetry.Event) {
	if o.events == nil {
		return
	}
	event.Source = "orchestrator"
	if err := o.events.Publish(event); err != nil {
		o.logger.WithError(err).WithField("event_type", event.Type).Warn("failed to publish event")
	}
}

func progressData(p Progress) map[string]interface{} {
	return map[string]interface{}{
		"total":     p.Total,
		"completed": p.Completed,
		"failed":    p.Failed,
		"pending":   p.Pending,
	}
}

// messageOf returns the message of an EngineError without its class prefix.
func messageOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}
