package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

// Engine evaluates deployment requests against Rego admission policies.
// It implements engine.AdmissionController.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	logger          zerolog.Logger
	builtinPolicies []Policy
	environment     string
	loader          *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnvironment sets the environment passed to policies as input.context.environment.
func WithEnvironment(env string) Option {
	return func(e *Engine) { e.environment = env }
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)

	// Load built-in policies
	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Admit evaluates a deployment request. Evaluation failures of single
// policies become warnings; only blocking violations deny the request.
func (e *Engine) Admit(ctx context.Context, req *engine.AdmissionRequest) (*engine.AdmissionDecision, error) {
	result, err := e.Evaluate(ctx, &PolicyInput{
		Request: req,
		Context: &PolicyContext{
			User:        req.User,
			Environment: e.environment,
			Timestamp:   time.Now(),
		},
	})
	if err != nil {
		return nil, err
	}

	decision := &engine.AdmissionDecision{Allowed: result.Allowed}
	for _, v := range result.Violations {
		decision.Violations = append(decision.Violations, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	for _, w := range result.Warnings {
		decision.Warnings = append(decision.Warnings, fmt.Sprintf("%s: %s", w.Policy, w.Message))
	}
	return decision, nil
}

// Evaluate runs every enabled policy against the input.
func (e *Engine) Evaluate(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("policy evaluation cancelled: %w", ctx.Err())
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, PolicyViolation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Admission evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation

	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// The deny rule is a set, returned as a slice
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	lines := strings.Split(rego, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "confdeploy.admission"
}

// createViolation creates a PolicyViolation from a deny set member.
func createViolation(policy *Policy, result interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if rem, ok := v["remediation"].(string); ok {
			violation.Remediation = rem
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query := fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))
	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    prepared,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads custom policy files or directories of .rego and .json files.
// Nothing is replaced when any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceCustom(ctx, policies)
}

// WatchPolicies loads the paths and reloads them whenever a policy file changes.
// Watching stops when ctx is done.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceCustom(ctx, policies)
	})
}

// replaceCustom swaps the custom policy set. Built-in policies keep their state.
func (e *Engine) replaceCustom(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}

	for i := range policies {
		p := policies[i]
		if existing, ok := e.policies[p.Name]; ok && existing.policy.Builtin {
			e.policies = previous
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// sortedNames returns policy names in evaluation order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = time.Now()
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}
