package policy

import (
	"time"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

// Severity grades an admission finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one admission rule. Rego must define a deny set whose members are
// either message strings or objects with message, severity and remediation.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`

	// Builtin policies ship with the binary and cannot be shadowed by files.
	Builtin bool `json:"builtin"`

	Tags []string `json:"tags,omitempty"`

	// Metadata holds loader facts such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation is a single deny entry produced by a rule.
type PolicyViolation struct {
	Policy      string   `json:"policy"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
}

// PolicyResult is the outcome of evaluating every enabled rule against one
// deployment request.
type PolicyResult struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings and rules that failed to evaluate.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the document bound to input during evaluation:
//
//	input.request  the admission request (config type, policy, risk, target count)
//	input.context  who deploys, where, and when
type PolicyInput struct {
	Request *engine.AdmissionRequest `json:"request"`
	Context *PolicyContext           `json:"context"`
}

// PolicyContext describes the deployment environment.
type PolicyContext struct {
	User        string    `json:"user,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
