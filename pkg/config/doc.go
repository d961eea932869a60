// Package config loads the confdeploy application configuration.
//
// A configuration file may be YAML, JSON or CUE. Every file is applied on top
// of Default(), so a file only needs the settings it changes:
//
//	store:
//	  path: /var/lib/confdeploy/state.db
//	orchestrator:
//	  max_concurrency: 20
//	  default_policy:
//	    mode: rolling
//	    max_failure_rate: 0.1
//	deployer:
//	  ssh:
//	    user: deploy
//	    private_key_path: /etc/confdeploy/id_ed25519
//	  profiles:
//	    prometheus:
//	      remote_path: /etc/prometheus/prometheus.yml
//	      reload_command: systemctl reload prometheus
//	      validate_command: promtool check config {path}
//
// CUE files are unified with a closed schema before decoding, so unknown
// sections, out of range values and malformed durations are rejected with
// the CUE position of the offending value.
//
// LOG_LEVEL, CONFDEPLOY_DB, CONFDEPLOY_POLICY_DIR and CONFDEPLOY_ENV override
// the file.
package config
