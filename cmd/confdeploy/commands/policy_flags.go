package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

// policyFlags binds the deployment policy fields to command flags. Only the
// flags given on the command line override the base policy.
type policyFlags struct {
	mode           string
	batchSize      int
	delay          time.Duration
	rollback       bool
	maxFailureRate float64
	preChecks      bool
	postValidation bool
	backup         bool
	requireBackup  bool
	maxRetries     int
	retryBaseDelay time.Duration
	stepTimeout    time.Duration
	skipUnchanged  bool
}

func (pf *policyFlags) bind(cmd *cobra.Command) {
	def := engine.DefaultPolicy()
	fs := cmd.Flags()
	fs.StringVar(&pf.mode, "mode", string(def.Mode), "deployment mode (parallel, sequential, rolling)")
	fs.IntVar(&pf.batchSize, "batch-size", def.BatchSize, "targets per batch in parallel mode")
	fs.DurationVar(&pf.delay, "delay", def.DelayBetweenBatches, "delay between batches, steps or waves")
	fs.BoolVar(&pf.rollback, "rollback", def.RollbackOnFailure, "abort on excessive failures and roll back succeeded targets")
	fs.Float64Var(&pf.maxFailureRate, "max-failure-rate", def.MaxFailureRate, "tolerated ratio of failed targets (0-1)")
	fs.BoolVar(&pf.preChecks, "pre-checks", def.PreDeploymentChecks, "check connectivity before deploying")
	fs.BoolVar(&pf.postValidation, "validate", def.PostDeploymentValidation, "validate targets after apply")
	fs.BoolVar(&pf.backup, "backup", def.BackupBeforeDeployment, "back up the current configuration before apply")
	fs.BoolVar(&pf.requireBackup, "require-backup", def.RequireBackup, "fail the target when the backup fails")
	fs.IntVar(&pf.maxRetries, "max-retries", def.MaxRetries, "extra attempts per remote call")
	fs.DurationVar(&pf.retryBaseDelay, "retry-delay", def.RetryBaseDelay, "first retry backoff, doubled per attempt")
	fs.DurationVar(&pf.stepTimeout, "step-timeout", def.StepTimeout, "timeout of a single remote call attempt")
	fs.BoolVar(&pf.skipUnchanged, "skip-unchanged", def.SkipUnchanged, "skip targets already running identical content")
}

// changed reports whether any policy flag was set.
func (pf *policyFlags) changed(cmd *cobra.Command) bool {
	for _, name := range policyFlagNames {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

var policyFlagNames = []string{
	"mode", "batch-size", "delay", "rollback", "max-failure-rate", "pre-checks", "validate",
	"backup", "require-backup", "max-retries", "retry-delay", "step-timeout", "skip-unchanged",
}

// apply returns base with every explicitly set flag applied.
func (pf *policyFlags) apply(cmd *cobra.Command, base engine.DeploymentPolicy) (engine.DeploymentPolicy, error) {
	p := base
	fs := cmd.Flags()
	if fs.Changed("mode") {
		mode, err := engine.ParseDeploymentMode(pf.mode)
		if err != nil {
			return p, err
		}
		p.Mode = mode
	}
	if fs.Changed("batch-size") {
		p.BatchSize = pf.batchSize
	}
	if fs.Changed("delay") {
		p.DelayBetweenBatches = pf.delay
	}
	if fs.Changed("rollback") {
		p.RollbackOnFailure = pf.rollback
	}
	if fs.Changed("max-failure-rate") {
		p.MaxFailureRate = pf.maxFailureRate
	}
	if fs.Changed("pre-checks") {
		p.PreDeploymentChecks = pf.preChecks
	}
	if fs.Changed("validate") {
		p.PostDeploymentValidation = pf.postValidation
	}
	if fs.Changed("backup") {
		p.BackupBeforeDeployment = pf.backup
	}
	if fs.Changed("require-backup") {
		p.RequireBackup = pf.requireBackup
	}
	if fs.Changed("max-retries") {
		p.MaxRetries = pf.maxRetries
	}
	if fs.Changed("retry-delay") {
		p.RetryBaseDelay = pf.retryBaseDelay
	}
	if fs.Changed("step-timeout") {
		p.StepTimeout = pf.stepTimeout
	}
	if fs.Changed("skip-unchanged") {
		p.SkipUnchanged = pf.skipUnchanged
	}
	return p, nil
}
