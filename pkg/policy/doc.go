// Package policy provides Open Policy Agent (OPA) admission control for
// deployment jobs.
//
// Before the orchestrator creates a job it hands the request, the resolved
// rollout policy, the target count and the risk of the change to Engine.Admit.
// Every enabled Rego policy is evaluated and its deny set collected. A
// violation with severity error or critical rejects the request; lower
// severities are returned as warnings and logged on the job.
//
// # Built-in Policies
//
//  1. high-risk-rollback - high risk changes must not run in parallel mode with rollback disabled
//  2. high-risk-failure-rate - high risk changes must keep max_failure_rate at or below 0.5
//  3. large-sequential-rollout - warns about sequential jobs over 50 targets without a delay
//
// # Custom Policies
//
// Custom policies are .rego files (or JSON documents carrying a Policy) loaded
// from a directory. The file name becomes the policy name and the leading
// comment its description:
//
//	package custom.freeze
//
//	import rego.v1
//
//	# No prometheus changes during the freeze
//
//	deny contains violation if {
//	    input.request.config_type == "prometheus"
//	    input.context.environment == "production"
//	    violation := {
//	        "message": "change freeze in effect",
//	        "severity": "error",
//	        "remediation": "wait for the freeze to end",
//	    }
//	}
//
// The input document is {request: AdmissionRequest, context: {user,
// environment, timestamp}} with the JSON field names of the engine types.
//
// # Hot Reload
//
// WatchPolicies loads a set of paths and reloads them through fsnotify when a
// policy file is written, created or removed. A reload that fails to compile
// keeps the previous policy set.
package policy
