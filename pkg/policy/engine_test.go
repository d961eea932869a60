package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, WithEnvironment("test"))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func admissionRequest(risk engine.RiskLevel, mode engine.DeploymentMode, targets int) *engine.AdmissionRequest {
	policy := engine.DefaultPolicy()
	policy.Mode = mode
	return &engine.AdmissionRequest{
		ConfigType:      "prometheus",
		ConfigVersionID: "v2",
		TargetCount:     targets,
		Policy:          policy,
		Risk:            risk,
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"high-risk-failure-rate", "high-risk-rollback", "large-sequential-rollout"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected %s to be built-in", name)
		}
	}
}

func TestAdmit_BuiltinRules(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		request       func() *engine.AdmissionRequest
		expectAllowed bool
		expectPolicy  string
		expectWarning bool
	}{
		{
			name: "low risk parallel without rollback",
			request: func() *engine.AdmissionRequest {
				r := admissionRequest(engine.RiskLow, engine.ModeParallel, 10)
				r.Policy.RollbackOnFailure = false
				return r
			},
			expectAllowed: true,
		},
		{
			name: "high risk parallel without rollback",
			request: func() *engine.AdmissionRequest {
				r := admissionRequest(engine.RiskHigh, engine.ModeParallel, 10)
				r.Policy.RollbackOnFailure = false
				return r
			},
			expectAllowed: false,
			expectPolicy:  "high-risk-rollback",
		},
		{
			name: "high risk parallel with rollback",
			request: func() *engine.AdmissionRequest {
				return admissionRequest(engine.RiskHigh, engine.ModeParallel, 10)
			},
			expectAllowed: true,
		},
		{
			name: "high risk rolling without rollback",
			request: func() *engine.AdmissionRequest {
				r := admissionRequest(engine.RiskHigh, engine.ModeRolling, 10)
				r.Policy.RollbackOnFailure = false
				return r
			},
			expectAllowed: true,
		},
		{
			name: "high risk tolerant failure rate",
			request: func() *engine.AdmissionRequest {
				r := admissionRequest(engine.RiskHigh, engine.ModeRolling, 10)
				r.Policy.MaxFailureRate = 0.8
				return r
			},
			expectAllowed: false,
			expectPolicy:  "high-risk-failure-rate",
		},
		{
			name: "medium risk tolerant failure rate",
			request: func() *engine.AdmissionRequest {
				r := admissionRequest(engine.RiskMedium, engine.ModeRolling, 10)
				r.Policy.MaxFailureRate = 0.8
				return r
			},
			expectAllowed: true,
		},
		{
			name: "large sequential rollout warns",
			request: func() *engine.AdmissionRequest {
				return admissionRequest(engine.RiskLow, engine.ModeSequential, 80)
			},
			expectAllowed: true,
			expectWarning: true,
		},
		{
			name: "large sequential rollout with delay",
			request: func() *engine.AdmissionRequest {
				r := admissionRequest(engine.RiskLow, engine.ModeSequential, 80)
				r.Policy.DelayBetweenBatches = time.Second
				return r
			},
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Admit(context.Background(), tt.request())
			if err != nil {
				t.Fatalf("Admit failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %v)", tt.expectAllowed, decision.Allowed, decision.Violations)
			}

			if tt.expectPolicy != "" {
				found := false
				for _, v := range decision.Violations {
					if strings.HasPrefix(v, tt.expectPolicy+":") {
						found = true
					}
				}
				if !found {
					t.Errorf("Expected violation from %s, got %v", tt.expectPolicy, decision.Violations)
				}
			}

			if tt.expectWarning != (len(decision.Warnings) > 0) {
				t.Errorf("Expected warning=%v, got %v", tt.expectWarning, decision.Warnings)
			}
		})
	}
}

func TestEvaluate_Remediation(t *testing.T) {
	eng := newTestEngine(t)

	r := admissionRequest(engine.RiskHigh, engine.ModeParallel, 3)
	r.Policy.RollbackOnFailure = false

	result, err := eng.Evaluate(context.Background(), &PolicyInput{Request: r, Context: &PolicyContext{}})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(result.Violations))
	}
	v := result.Violations[0]
	if v.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", v.Severity)
	}
	if v.Remediation == "" {
		t.Error("Expected remediation hint")
	}
	if !strings.Contains(v.Message, "3 targets") {
		t.Errorf("Expected target count in message, got %q", v.Message)
	}
	if len(result.EvaluatedPolicies) != 3 {
		t.Errorf("Expected 3 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestDisableAndEnablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	r := admissionRequest(engine.RiskHigh, engine.ModeParallel, 10)
	r.Policy.RollbackOnFailure = false

	if err := eng.DisablePolicy("high-risk-rollback"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	decision, err := eng.Admit(context.Background(), r)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %v", decision.Violations)
	}

	if err := eng.EnablePolicy("high-risk-rollback"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	decision, _ = eng.Admit(context.Background(), r)
	if decision.Allowed {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	custom := `package custom.grafana

import rego.v1

# Grafana dashboards must be rolled out sequentially

deny contains violation if {
	input.request.config_type == "grafana"
	input.request.policy.mode != "sequential"
	violation := {"message": "grafana must deploy sequentially", "severity": "error"}
}

deny contains msg if {
	input.context.environment == "test"
	input.request.user == "intern"
	msg := "interns deploy with review"
}
`
	if err := os.WriteFile(filepath.Join(dir, "grafana.rego"), []byte(custom), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("grafana")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Builtin || p.Description != "Grafana dashboards must be rolled out sequentially" {
		t.Errorf("Unexpected custom policy %+v", p)
	}

	r := admissionRequest(engine.RiskLow, engine.ModeParallel, 2)
	r.ConfigType = "grafana"
	r.User = "intern"
	decision, err := eng.Admit(context.Background(), r)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Expected custom policy to deny")
	}
	// The plain string violation takes the file default severity.
	if len(decision.Warnings) != 1 || !strings.Contains(decision.Warnings[0], "interns deploy with review") {
		t.Errorf("Expected one warning, got %v", decision.Warnings)
	}
}

func TestLoadPolicies_InvalidKeepsPrevious(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains {"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected compile error")
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected built-in policies to survive, got %d", len(eng.ListPolicies()))
	}
}

func TestLoadPolicies_CannotShadowBuiltin(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "high-risk-rollback.rego"), []byte("package shadow\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected shadowing error")
	}
	p, _ := eng.GetPolicy("high-risk-rollback")
	if !p.Builtin {
		t.Error("Expected built-in policy to stay in place")
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		rego     string
		expected string
	}{
		{"package a.b.c\n\ndeny contains x if { false }", "a.b.c"},
		{"# comment\n  package spaced\n", "spaced"},
		{"deny contains x if { false }", "confdeploy.admission"},
	}

	for _, tt := range tests {
		if got := extractPackageName(tt.rego); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
