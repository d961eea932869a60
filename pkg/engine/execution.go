package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// stepOutcome is the settled result of one per-target step.
type stepOutcome struct {
	targetID string
	ok       bool

	// dispatched is false for targets the batch never started because the
	// job was cancelled first. Their records stay pending.
	dispatched bool
}

// execute drives a job from pending to a terminal state.
func (o *Orchestrator) execute(run *jobRun, warnings []string) {
	defer o.wg.Done()
	defer close(run.done)
	defer run.cancel()

	run.mu.Lock()
	jobID := run.job.ID
	policy := run.job.Policy
	configType := run.job.ConfigType
	run.mu.Unlock()

	ctx, span := o.tel.Tracer.StartJobSpan(context.Background(), jobID, configType, string(policy.Mode))
	defer span.End()

	logger := o.logger.WithJobID(jobID)
	started := o.now()

	run.mu.Lock()
	if run.job.Status == JobStatusCancelled {
		// Cancelled between Submit and the first scheduling.
		now := o.now()
		run.job.CompletedAt = &now
		job := run.job.Clone()
		run.mu.Unlock()
		o.saveJob(ctx, job)
		o.tel.Metrics.RecordJobFinished(string(JobStatusCancelled), 0)
		return
	}
	run.job.Status = JobStatusRunning
	run.job.StartedAt = &started
	job := run.job.Clone()
	run.mu.Unlock()
	telemetry.SetAttributes(span, telemetry.AttrVersionID.String(job.ConfigVersionID))

	if o.jobs != nil {
		if err := o.jobs.SaveJob(ctx, job); err != nil {
			o.finish(ctx, run, JobStatusFailed, fmt.Sprintf("failed to persist job: %v", err), started)
			telemetry.RecordError(span, err)
			return
		}
	}

	logger.Infof("deployment job started with %d targets", len(run.targets))
	o.publish(telemetry.Event{
		Type:    telemetry.EventTypeJobStarted,
		JobID:   jobID,
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("deploying %s to %d targets", job.ConfigVersionID, len(run.targets)),
		Data: map[string]interface{}{
			"mode":       string(policy.Mode),
			"version_id": job.ConfigVersionID,
			"risk":       string(job.Risk),
			"warnings":   warnings,
		},
	})

	batches := partition(run.targets, policy)
	for i, batch := range batches {
		if i > 0 && policy.DelayBetweenBatches > 0 {
			timer := time.NewTimer(policy.DelayBetweenBatches)
			select {
			case <-run.dispatch.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if run.dispatch.Err() != nil {
			break
		}

		outcomes := o.runBatch(ctx, run, batch)

		failedInBatch := 0
		run.mu.Lock()
		for _, out := range outcomes {
			if !out.dispatched {
				continue
			}
			if out.ok {
				run.job.Progress.Completed++
			} else {
				run.job.Progress.Failed++
				failedInBatch++
			}
			run.job.Progress.Pending--
		}
		progress := run.job.Progress
		job := run.job.Clone()
		run.mu.Unlock()

		if o.jobs != nil {
			if err := o.jobs.SaveJob(ctx, job); err != nil {
				o.finish(ctx, run, JobStatusFailed, fmt.Sprintf("failed to persist progress: %v", err), started)
				telemetry.RecordError(span, err)
				return
			}
		}

		telemetry.AddEvent(span, "batch.settled",
			telemetry.AttrBatch.Int(i+1),
			telemetry.AttrBatchSize.Int(len(batch)),
		)
		logger.WithFields(map[string]interface{}{
			"batch":     i + 1,
			"batches":   len(batches),
			"completed": progress.Completed,
			"failed":    progress.Failed,
			"pending":   progress.Pending,
		}).Debug("batch settled")
		o.publish(telemetry.Event{
			Type:    telemetry.EventTypeJobProgress,
			JobID:   jobID,
			Level:   telemetry.EventLevelInfo,
			Message: fmt.Sprintf("batch %d/%d settled", i+1, len(batches)),
			Data:    progressData(progress),
		})

		// A cancelled job neither aborts nor rolls back; Cancel already
		// decided its terminal state.
		if run.dispatch.Err() != nil {
			break
		}

		if reason := abortReason(policy, progress, failedInBatch, len(batch)); reason != "" {
			logger.Warn(reason)
			if policy.RollbackOnFailure {
				o.rollback(ctx, run)
			}
			o.finish(ctx, run, JobStatusFailed, reason, started)
			telemetry.RecordError(span, fmt.Errorf("%s", reason))
			return
		}
	}

	run.mu.Lock()
	cancelled := run.job.Status == JobStatusCancelled
	run.mu.Unlock()
	if cancelled {
		o.finish(ctx, run, JobStatusCancelled, "", started)
		return
	}

	o.finish(ctx, run, JobStatusCompleted, "", started)
	telemetry.RecordSuccess(span)
}

// abortReason returns a non-empty explanation when the job must stop
// dispatching after a settled batch.
func abortReason(policy DeploymentPolicy, progress Progress, failedInBatch, batchLen int) string {
	if policy.Mode == ModeRolling {
		if batchLen == 0 {
			return ""
		}
		rate := float64(failedInBatch) / float64(batchLen)
		if rate > policy.MaxFailureRate {
			return fmt.Sprintf("wave failure rate %.2f exceeds maximum %.2f (%d of %d targets failed)",
				rate, policy.MaxFailureRate, failedInBatch, batchLen)
		}
		return ""
	}

	if !policy.RollbackOnFailure {
		return ""
	}
	if rate := progress.FailureRate(); rate > policy.MaxFailureRate {
		return fmt.Sprintf("failure rate %.2f exceeds maximum %.2f (%d failed, %d completed)",
			rate, policy.MaxFailureRate, progress.Failed, progress.Completed)
	}
	return ""
}

// finish moves the job to its terminal state and announces it.
// A job cancelled while running stays cancelled whatever status is passed;
// the reason is still kept in Errors.
func (o *Orchestrator) finish(ctx context.Context, run *jobRun, status JobStatus, reason string, started time.Time) {
	run.mu.Lock()
	if run.job.Status == JobStatusCancelled {
		status = JobStatusCancelled
	}
	run.job.Status = status
	if reason != "" {
		run.job.Errors = append(run.job.Errors, reason)
	}
	now := o.now()
	run.job.CompletedAt = &now
	job := run.job.Clone()
	run.mu.Unlock()

	o.saveJob(ctx, job)
	telemetry.SetAttributes(telemetry.SpanFromContext(ctx), telemetry.AttrJobStatus.String(string(status)))

	duration := now.Sub(started)
	o.tel.Metrics.RecordJobFinished(string(status), duration)

	logger := o.logger.WithJobID(job.ID).WithFields(map[string]interface{}{
		"status":    string(status),
		"completed": job.Progress.Completed,
		"failed":    job.Progress.Failed,
		"pending":   job.Progress.Pending,
		"duration":  duration.String(),
	})

	switch status {
	case JobStatusCompleted:
		logger.Info("deployment job completed")
		o.publish(telemetry.Event{
			Type:    telemetry.EventTypeJobCompleted,
			JobID:   job.ID,
			Level:   telemetry.EventLevelInfo,
			Message: fmt.Sprintf("%d of %d targets deployed", job.Progress.Completed, job.Progress.Total),
			Data:    progressData(job.Progress),
		})
	case JobStatusFailed:
		logger.Error("deployment job failed")
		o.publish(telemetry.Event{
			Type:    telemetry.EventTypeJobFailed,
			JobID:   job.ID,
			Level:   telemetry.EventLevelError,
			Message: reason,
			Data:    progressData(job.Progress),
		})
	case JobStatusCancelled:
		// job-cancelled was published by Cancel.
		logger.Info("deployment job stopped after cancel")
	}
}

// runBatch runs one step per target and returns once every step has settled.
func (o *Orchestrator) runBatch(ctx context.Context, run *jobRun, batch []*Target) []stepOutcome {
	outcomes := make([]stepOutcome, len(batch))
	index := make(map[string]int, len(batch))
	for i, t := range batch {
		index[t.ID] = i
	}

	o.forEach(batch, func(target *Target) {
		if run.dispatch.Err() != nil {
			outcomes[index[target.ID]] = stepOutcome{targetID: target.ID}
			return
		}
		outcomes[index[target.ID]] = stepOutcome{
			targetID:   target.ID,
			ok:         o.runStep(ctx, run, target),
			dispatched: true,
		}
	})
	return outcomes
}

// forEach calls fn for every target on a bounded worker pool and waits for
// all calls to return. At most MaxConcurrency calls run at the same time.
func (o *Orchestrator) forEach(targets []*Target, fn func(*Target)) {
	if len(targets) == 0 {
		return
	}
	workers := len(targets)
	if o.config.MaxConcurrency > 0 && o.config.MaxConcurrency < workers {
		workers = o.config.MaxConcurrency
	}

	workQueue := make(chan *Target, len(targets))
	for _, t := range targets {
		workQueue <- t
	}
	close(workQueue)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range workQueue {
				fn(target)
			}
		}()
	}
	wg.Wait()
}

// partition splits targets into the batches dictated by the policy mode.
func partition(targets []*Target, policy DeploymentPolicy) [][]*Target {
	size := batchSize(len(targets), policy)
	batches := make([][]*Target, 0, (len(targets)+size-1)/size)
	for start := 0; start < len(targets); start += size {
		end := start + size
		if end > len(targets) {
			end = len(targets)
		}
		batches = append(batches, targets[start:end])
	}
	return batches
}

func batchSize(n int, policy DeploymentPolicy) int {
	switch policy.Mode {
	case ModeSequential:
		return 1
	case ModeRolling:
		return max(1, int(math.Ceil(0.2*float64(n))))
	default:
		if policy.BatchSize < 1 {
			return 1
		}
		return policy.BatchSize
	}
}
