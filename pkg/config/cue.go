package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// schema constrains CUE configuration files. Top level sections are closed so
// misspelled keys are reported instead of ignored.
const schema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Policy: {
	mode?:                       "parallel" | "sequential" | "rolling"
	batch_size?:                 int & >=1
	delay_between_batches?:      #Duration
	rollback_on_failure?:        bool
	max_failure_rate?:           number & >=0 & <=1
	pre_deployment_checks?:      bool
	post_deployment_validation?: bool
	backup_before_deployment?:   bool
	require_backup?:             bool
	max_retries?:                int & >=0 & <=10
	retry_base_delay?:           #Duration
	step_timeout?:               #Duration
	skip_unchanged?:             bool
}

#Profile: {
	remote_path:       string & =~"^/"
	backup_suffix?:    string
	reload_command?:   string
	validate_command?: string
	file_mode?:        string & =~"^0?[0-7]{3}$"
	verify_checksum?:  bool
}

#Config: {
	store?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}
	telemetry?: {...}
	orchestrator?: {
		max_concurrency?: int & >=0
		max_backoff?:     #Duration
		default_policy?:  #Policy
	}
	diff?: {
		formats?: [string]: "yaml" | "json" | "cue" | "text"
		critical_paths?: [...string]
		list_keys?: [...string]
		include_unchanged?: bool
		cache_size?:        int & >=0
	}
	policy?: {
		enabled?:     bool
		dir?:         string
		watch?:       bool
		environment?: string
	}
	deployer?: {
		ssh?: {...}
		health_command?: string
		idle_timeout?:   #Duration
		profiles?: [string]: #Profile
	}
}
`

// evaluateCUE checks a CUE document against the schema and returns it
// exported as JSON.
func evaluateCUE(path string, data []byte) ([]byte, error) {
	ctx := cuecontext.New()

	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %s", path, errors.Details(err, nil))
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config %s: %s", path, errors.Details(err, nil))
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export config %s: %w", path, err)
	}
	return out, nil
}
