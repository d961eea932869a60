package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		highRiskRollbackPolicy(),
		highRiskFailureRatePolicy(),
		largeSequentialRolloutPolicy(),
	}
}

// highRiskRollbackPolicy blocks high risk changes pushed to many targets at
// once without a way back.
func highRiskRollbackPolicy() Policy {
	return Policy{
		Name:        "high-risk-rollback",
		Description: "High risk changes must not use parallel mode with rollback disabled",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"risk", "rollback"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package confdeploy.admission.rollback

import rego.v1

deny contains violation if {
	input.request.risk == "high"
	input.request.policy.mode == "parallel"
	not input.request.policy.rollback_on_failure
	violation := {
		"message": sprintf("high risk change to %d targets uses parallel mode with rollback disabled", [input.request.target_count]),
		"severity": "error",
		"remediation": "enable rollback_on_failure or use rolling mode",
	}
}
`,
	}
}

// highRiskFailureRatePolicy caps the tolerated failure rate of high risk rollouts.
func highRiskFailureRatePolicy() Policy {
	return Policy{
		Name:        "high-risk-failure-rate",
		Description: "High risk changes must tolerate at most half of the targets failing",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"risk", "abort"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package confdeploy.admission.failure_rate

import rego.v1

deny contains violation if {
	input.request.risk == "high"
	input.request.policy.max_failure_rate > 0.5
	violation := {
		"message": sprintf("high risk change allows a failure rate of %v, maximum is 0.5", [input.request.policy.max_failure_rate]),
		"severity": "error",
		"remediation": "lower max_failure_rate to 0.5 or less",
	}
}
`,
	}
}

// largeSequentialRolloutPolicy warns about long sequential rollouts that have
// no delay budget between steps.
func largeSequentialRolloutPolicy() Policy {
	return Policy{
		Name:        "large-sequential-rollout",
		Description: "Jobs over 50 targets should not run sequentially without a delay budget",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"rollout", "duration"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package confdeploy.admission.sequential

import rego.v1

deny contains violation if {
	input.request.target_count > 50
	input.request.policy.mode == "sequential"
	input.request.policy.delay_between_batches == 0
	violation := {
		"message": sprintf("sequential rollout to %d targets has no delay between steps", [input.request.target_count]),
		"severity": "warning",
		"remediation": "use rolling mode or set delay_between_batches",
	}
}
`,
	}
}
