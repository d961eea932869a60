// Package engine provides the deployment orchestrator and the core types
// shared by the confdeploy packages.
//
// # Overview
//
// A deployment pushes one immutable ConfigVersion to a set of Targets. The
// caller submits a DeploymentRequest naming groups and targets; the
// orchestrator resolves them into a deduplicated list, evaluates admission
// and risk, and runs a BatchDeploymentJob in the background:
//
//	orch := engine.NewOrchestrator(deployer, versions, registry,
//	    engine.WithDiffer(differ),
//	    engine.WithJobStore(store),
//	)
//	job, err := orch.Submit(ctx, engine.DeploymentRequest{
//	    GroupIDs:        []string{"edge"},
//	    ConfigType:      "prometheus",
//	    ConfigVersionID: version.ID,
//	})
//	if err != nil {
//	    return err
//	}
//	job, err = orch.Wait(ctx, job.ID)
//
// # Deployment Steps
//
// Every target goes through the same step, each call delegated to the
// Deployer and retried with exponential backoff while the error is retryable:
//
//  1. check_connectivity (PreDeploymentChecks)
//  2. backup_config (BackupBeforeDeployment, fatal only with RequireBackup)
//  3. apply_config
//  4. validate_deployment (PostDeploymentValidation)
//
// A successful step marks the version deployed on the target and records the
// new deployed version in the inventory.
//
// # Modes
//
//   - parallel: batches of BatchSize targets run concurrently, bounded by
//     OrchestratorConfig.MaxConcurrency
//   - sequential: one target at a time
//   - rolling: waves of 20% of the targets; a wave whose failure rate exceeds
//     MaxFailureRate stops the job
//
// In parallel and sequential mode the cumulative failure rate is checked after
// every batch when RollbackOnFailure is set. When a job aborts with rollback
// enabled, every target that already succeeded is restored to the version it
// ran before the job.
//
// # Error Classification
//
// Collaborator errors are EngineErrors carrying a class that drives retries:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting, retried with a longer backoff
//   - Conflict: concurrent modification, retried
//   - Permanent: never retried
//
// Plain errors are treated as transient. Cancellation and shutdown are
// permanent with code CANCELLED.
package engine
