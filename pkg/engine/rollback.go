package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// rollback re-applies the previous version on every target the aborted job
// already changed. Targets that had nothing deployed are left in place.
func (o *Orchestrator) rollback(ctx context.Context, run *jobRun) {
	run.mu.Lock()
	policy := run.job.Policy
	var candidates []*DeploymentRecord
	for _, r := range run.job.Records {
		if r.Status == RecordStatusSuccess && !r.Skipped {
			candidates = append(candidates, r.Clone())
		}
	}
	run.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	logger := o.logger.WithJobID(run.job.ID)
	logger.Infof("rolling back %d targets", len(candidates))

	byID := make(map[string]*Target, len(run.targets))
	for _, t := range run.targets {
		byID[t.ID] = t
	}

	var batch []*Target
	records := make(map[string]*DeploymentRecord, len(candidates))
	for _, rec := range candidates {
		if rec.PreviousVersionID == "" {
			o.updateRecord(ctx, run, rec.ID, func(r *DeploymentRecord) {
				r.Warnings = append(r.Warnings, "no previous version to roll back to")
			})
			logger.WithTargetID(rec.TargetID).Warn("no previous version, target left on new version")
			continue
		}
		if t, ok := byID[rec.TargetID]; ok {
			batch = append(batch, t)
			records[rec.TargetID] = rec
		}
	}

	o.forEach(batch, func(target *Target) {
		o.rollbackTarget(ctx, run, policy, target, records[target.ID])
	})
}

func (o *Orchestrator) rollbackTarget(ctx context.Context, run *jobRun, policy DeploymentPolicy, target *Target, rec *DeploymentRecord) {
	configType := run.version.ConfigType
	logger := o.logger.WithJobID(rec.JobID).WithTargetID(target.ID).WithVersionID(rec.PreviousVersionID)

	previous, err := o.versions.Get(ctx, rec.PreviousVersionID)
	if err == nil {
		_, err = o.call(ctx, policy, OpApplyConfig, target.ID, func(ctx context.Context) error {
			return o.deployer.ApplyConfig(ctx, target, configType, previous.Content)
		})
	}
	if err != nil {
		o.tel.Metrics.RecordRollback(configType, false)
		logger.WithError(err).Error("rollback failed")
		o.updateRecord(ctx, run, rec.ID, func(r *DeploymentRecord) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("rollback failed: %v", err))
		})
		return
	}

	now := o.now()
	if err := o.targets.RestoreDeployment(ctx, target.ID, configType, rec.PreviousVersionID, now); err != nil {
		logger.WithError(err).Warn("failed to restore target state after rollback")
	}

	updated := o.updateRecord(ctx, run, rec.ID, func(r *DeploymentRecord) {
		r.Status = RecordStatusRolledBack
		r.RollbackVersionID = rec.PreviousVersionID
	})
	o.tel.Metrics.RecordRollback(configType, true)
	logger.Info("target rolled back")

	o.publish(telemetry.Event{
		Type:     telemetry.EventTypeRecordRolledBack,
		JobID:    updated.JobID,
		TargetID: updated.TargetID,
		RecordID: updated.ID,
		Level:    telemetry.EventLevelWarning,
		Message:  fmt.Sprintf("rolled back %s to %s", target.ID, rec.PreviousVersionID),
		Data: map[string]interface{}{
			"from_version": updated.ConfigVersionID,
			"to_version":   updated.RollbackVersionID,
		},
	})
}
