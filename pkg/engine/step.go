package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// Collaborator operation names used in logs, spans and metrics.
const (
	OpCheckConnectivity  = "check_connectivity"
	OpBackupConfig       = "backup_config"
	OpApplyConfig        = "apply_config"
	OpValidateDeployment = "validate_deployment"
)

// runStep deploys the job's version to one target and reports success.
// The record is terminal when runStep returns.
//
// Collaborator calls run under a context that Cancel interrupts. Record and
// ledger writes use ctx so an interrupted step is still persisted.
func (o *Orchestrator) runStep(ctx context.Context, run *jobRun, target *Target) (ok bool) {
	run.mu.Lock()
	record := run.job.Record(target.ID).Clone()
	policy := run.job.Policy
	run.mu.Unlock()
	version := run.version

	ctx, span := o.tel.Tracer.StartStepSpan(ctx, record.JobID, record.ID, target.ID)
	defer span.End()

	callCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(run.dispatch, stop)()

	logger := o.logger.WithJobID(record.JobID).WithTargetID(target.ID).WithRecordID(record.ID)
	started := o.now()
	attempts := 0

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("deployment step panicked: %v", r)
			o.failRecord(ctx, run, record.ID, attempts, fmt.Sprintf("internal error: %v", r), ErrCodeInternal, started)
			ok = false
		}
	}()

	o.updateRecord(ctx, run, record.ID, func(r *DeploymentRecord) {
		r.Status = RecordStatusRunning
		r.StartedAt = &started
	})

	// The cached target may be stale after earlier jobs; re-read it.
	if current, err := o.targets.Get(ctx, target.ID); err == nil {
		target = current
	} else {
		logger.WithError(err).Warn("cannot refresh target, using resolved copy")
	}

	previous := target.DeployedVersion(version.ConfigType)
	if previous != "" && previous != version.ID {
		o.updateRecord(ctx, run, record.ID, func(r *DeploymentRecord) {
			r.PreviousVersionID = previous
		})
	}

	if policy.SkipUnchanged && o.unchanged(ctx, previous, version) {
		logger.Debug("target already runs identical content")
		o.succeedRecord(ctx, run, target, record.ID, attempts, true, started)
		telemetry.RecordSuccess(span)
		return true
	}

	if policy.PreDeploymentChecks {
		n, err := o.call(callCtx, policy, OpCheckConnectivity, target.ID, func(ctx context.Context) error {
			return o.deployer.CheckConnectivity(ctx, target)
		})
		attempts += n
		if err != nil {
			logger.WithError(err).Warn("connectivity check failed")
			o.failStep(ctx, run, record.ID, attempts, "connectivity check", err, started)
			telemetry.RecordError(span, err)
			return false
		}
	}

	if policy.BackupBeforeDeployment {
		n, err := o.call(callCtx, policy, OpBackupConfig, target.ID, func(ctx context.Context) error {
			return o.deployer.BackupConfig(ctx, target, version.ConfigType)
		})
		attempts += n
		if err != nil && run.dispatch.Err() != nil {
			o.failStep(ctx, run, record.ID, attempts, "backup", err, started)
			telemetry.RecordError(span, err)
			return false
		}
		if err != nil {
			if policy.RequireBackup {
				logger.WithError(err).Warn("required backup failed")
				o.failStep(ctx, run, record.ID, attempts, "backup", err, started)
				telemetry.RecordError(span, err)
				return false
			}
			logger.WithError(err).Warn("backup failed, continuing")
			o.updateRecord(ctx, run, record.ID, func(r *DeploymentRecord) {
				r.Warnings = append(r.Warnings, fmt.Sprintf("backup failed: %v", err))
			})
		}
	}

	n, err := o.call(callCtx, policy, OpApplyConfig, target.ID, func(ctx context.Context) error {
		return o.deployer.ApplyConfig(ctx, target, version.ConfigType, version.Content)
	})
	attempts += n
	if err != nil {
		logger.WithError(err).Warn("apply failed")
		o.failStep(ctx, run, record.ID, attempts, "apply", err, started)
		telemetry.RecordError(span, err)
		return false
	}

	if policy.PostDeploymentValidation {
		n, err := o.call(callCtx, policy, OpValidateDeployment, target.ID, func(ctx context.Context) error {
			return o.deployer.ValidateDeployment(ctx, target, version.ConfigType)
		})
		attempts += n
		if err != nil {
			logger.WithError(err).Warn("post-deployment validation failed")
			o.failStep(ctx, run, record.ID, attempts, "validation", err, started)
			telemetry.RecordError(span, err)
			return false
		}
	}

	o.succeedRecord(ctx, run, target, record.ID, attempts, false, started)
	telemetry.RecordSuccess(span)
	return true
}

// unchanged reports whether the deployed version carries the same content.
func (o *Orchestrator) unchanged(ctx context.Context, previous string, version *ConfigVersion) bool {
	if previous == "" {
		return false
	}
	if previous == version.ID {
		return true
	}
	deployed, err := o.versions.Get(ctx, previous)
	if err != nil {
		return false
	}
	return deployed.ContentHash != "" && deployed.ContentHash == version.ContentHash
}

// succeedRecord marks the record successful and updates the target and version ledgers.
// Ledger failures do not fail a step whose remote work already succeeded.
func (o *Orchestrator) succeedRecord(ctx context.Context, run *jobRun, target *Target, recordID string, attempts int, skipped bool, started time.Time) {
	version := run.version
	now := o.now()

	var warnings []string
	if err := o.targets.RecordDeployment(ctx, target.ID, version.ConfigType, version.ID, recordID, now); err != nil {
		warnings = append(warnings, fmt.Sprintf("failed to update target state: %v", err))
	}
	if err := o.versions.MarkDeployed(ctx, version.ID, target.ID); err != nil {
		warnings = append(warnings, fmt.Sprintf("failed to mark version deployed: %v", err))
	}

	rec := o.updateRecord(ctx, run, recordID, func(r *DeploymentRecord) {
		r.Status = RecordStatusSuccess
		r.Attempts = attempts
		r.Skipped = skipped
		r.Warnings = append(r.Warnings, warnings...)
		r.CompletedAt = &now
	})

	o.tel.Metrics.RecordStep(version.ConfigType, string(RecordStatusSuccess), now.Sub(started))
	o.publish(telemetry.Event{
		Type:     telemetry.EventTypeRecordUpdated,
		JobID:    rec.JobID,
		TargetID: rec.TargetID,
		RecordID: rec.ID,
		Level:    telemetry.EventLevelInfo,
		Message:  fmt.Sprintf("deployed %s to %s", version.ID, target.ID),
		Data: map[string]interface{}{
			"status":   string(rec.Status),
			"attempts": rec.Attempts,
			"skipped":  rec.Skipped,
		},
	})
}

// failStep fails the record for a collaborator error. Once the job is
// cancelled every failure is reported as CANCELLED.
func (o *Orchestrator) failStep(ctx context.Context, run *jobRun, recordID string, attempts int, stage string, err error, started time.Time) {
	code := codeOf(err)
	message := fmt.Sprintf("%s failed: %v", stage, err)
	switch {
	case run.dispatch.Err() != nil:
		code = ErrCodeCancelled
		message = fmt.Sprintf("%s interrupted by cancel: %v", stage, err)
	case code == "":
		code = ErrCodeCollaboratorFailed
	}
	o.failRecord(ctx, run, recordID, attempts, message, code, started)
}

func (o *Orchestrator) failRecord(ctx context.Context, run *jobRun, recordID string, attempts int, message, code string, started time.Time) {
	now := o.now()
	rec := o.updateRecord(ctx, run, recordID, func(r *DeploymentRecord) {
		r.Status = RecordStatusFailed
		r.Attempts = attempts
		r.Error = message
		r.ErrorCode = code
		r.CompletedAt = &now
	})
	telemetry.SetAttributes(telemetry.SpanFromContext(ctx), telemetry.AttrErrorCode.String(code))

	o.tel.Metrics.RecordStep(rec.ConfigType, string(RecordStatusFailed), now.Sub(started))
	o.publish(telemetry.Event{
		Type:     telemetry.EventTypeRecordUpdated,
		JobID:    rec.JobID,
		TargetID: rec.TargetID,
		RecordID: rec.ID,
		Level:    telemetry.EventLevelError,
		Message:  message,
		Data: map[string]interface{}{
			"status":     string(rec.Status),
			"attempts":   rec.Attempts,
			"error_code": rec.ErrorCode,
		},
	})
}

// updateRecord mutates a record under the job lock, persists it and returns a copy.
func (o *Orchestrator) updateRecord(ctx context.Context, run *jobRun, recordID string, fn func(*DeploymentRecord)) *DeploymentRecord {
	run.mu.Lock()
	var rec *DeploymentRecord
	for _, r := range run.job.Records {
		if r.ID == recordID {
			fn(r)
			rec = r.Clone()
			break
		}
	}
	run.mu.Unlock()

	if rec != nil {
		o.saveRecord(ctx, rec)
	}
	return rec
}

// call runs one collaborator operation with per-attempt timeout and bounded
// retry. It returns the number of attempts made.
func (o *Orchestrator) call(ctx context.Context, policy DeploymentPolicy, operation, targetID string, fn func(context.Context) error) (int, error) {
	var err error
	attempt := 0
	for ; attempt <= policy.MaxRetries; attempt++ {
		err = o.attempt(ctx, policy, operation, targetID, attempt, fn)
		if err == nil {
			return attempt + 1, nil
		}

		if !IsRetryable(err) {
			break
		}

		// Don't retry on last attempt
		if attempt >= policy.MaxRetries {
			break
		}

		backoff := o.calculateBackoff(policy, attempt, err)
		o.tel.Metrics.RecordRetry(operation)
		o.logger.WithTargetID(targetID).WithError(err).WithFields(map[string]interface{}{
			"operation": operation,
			"attempt":   attempt + 1,
			"backoff":   backoff.String(),
		}).Debug("retrying collaborator call")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		}
	}
	return attempt + 1, err
}

type attemptResult struct {
	err error
}

// attempt runs fn once. The step timeout is enforced on the wall clock even
// when the collaborator ignores its context.
func (o *Orchestrator) attempt(ctx context.Context, policy DeploymentPolicy, operation, targetID string, attempt int, fn func(context.Context) error) error {
	ctx, span := o.tel.Tracer.StartCollaboratorSpan(ctx, operation, targetID, attempt)
	defer span.End()

	callCtx := ctx
	if policy.StepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, policy.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: NewPermanentError(fmt.Sprintf("%s panicked: %v", operation, r), nil).
					WithCode(ErrCodeInternal)}
			}
		}()
		done <- attemptResult{err: fn(callCtx)}
	}()

	var err error
	select {
	case res := <-done:
		err = res.err
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = timeoutError(operation, policy.StepTimeout, err)
		}
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = timeoutError(operation, policy.StepTimeout, callCtx.Err())
		} else {
			err = callCtx.Err()
		}
	}

	class := ""
	if err != nil {
		class = errorClassLabel(err)
		telemetry.SetAttributes(span, telemetry.AttrErrorClass.String(class))
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	o.tel.Metrics.RecordCollaboratorCall(operation, time.Since(start), class)

	return err
}

func timeoutError(operation string, timeout time.Duration, err error) *EngineError {
	return NewTransientError(fmt.Sprintf("%s timed out after %s", operation, timeout), err).
		WithCode(ErrCodeTimeout)
}

func errorClassLabel(err error) string {
	if c, ok := classOf(err); ok {
		return string(c)
	}
	return "unclassified"
}

// calculateBackoff calculates exponential backoff with jitter.
func (o *Orchestrator) calculateBackoff(policy DeploymentPolicy, attempt int, err error) time.Duration {
	baseDelay := policy.RetryBaseDelay
	if baseDelay <= 0 {
		return 0
	}

	// Use longer delays for throttling and conflicts
	if IsThrottled(err) {
		baseDelay *= 5
	} else if IsConflict(err) {
		baseDelay *= 2
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	maxDelay := o.config.MaxBackoff
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// Add up to 25% jitter
	if quarter := int64(delay) / 4; quarter > 0 {
		delay += time.Duration(rand.Int64N(quarter))
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
