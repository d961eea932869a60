// Package telemetry provides observability for confdeploy.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithJobID(job.ID).WithTargetID(target.ID)
//	logger.Info("deploying")
//
// # Event Bus
//
// The EventBus delivers every event at least once to every subscriber that
// was registered when it was published. Each subscriber has its own ordered
// queue, so events for a job arrive in the order the orchestrator produced
// them:
//
//	unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.JobID)
//	}, telemetry.FilterByJobID(jobID))
//	defer unsubscribe()
//
// # Metrics
//
// Metrics live in a private registry served by StartMetricsServer:
//
//   - confdeploy_jobs_submitted_total{mode,config_type}
//   - confdeploy_jobs_finished_total{status}
//   - confdeploy_job_duration_seconds{status}
//   - confdeploy_active_jobs
//   - confdeploy_deployment_records_total{config_type,status}
//   - confdeploy_step_duration_seconds{config_type,status}
//   - confdeploy_rollbacks_total{config_type,outcome}
//   - confdeploy_collaborator_calls_total{operation}
//   - confdeploy_collaborator_errors_total{operation,class}
//   - confdeploy_collaborator_duration_seconds{operation}
//   - confdeploy_collaborator_retries_total{operation}
//   - confdeploy_comparisons_total{mode,risk}
//   - confdeploy_admission_denials_total{config_type}
//   - confdeploy_targets_registered
package telemetry
