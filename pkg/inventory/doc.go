// Package inventory implements the target registry: managed targets, named
// groups with a default rollout policy, and the per-target monitoring state
// the orchestrator updates after each deployment.
package inventory
