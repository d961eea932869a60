package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/stores"
	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// Registry is the inventory of targets and groups.
//
// Reads are served from memory. Every mutation is written through to the
// store before the in-memory copy is replaced, so a failed write leaves the
// registry unchanged. Writes to one target or group are serialized by a
// per-entity lock.
type Registry struct {
	store     stores.Store
	events    engine.EventPublisher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	validator *validator.Validate
	now       func() time.Time

	mu          sync.RWMutex
	targets     map[string]*engine.Target
	targetOrder []string
	groups      map[string]*engine.TargetGroup
	groupOrder  []string

	locks sync.Map // entity key -> *sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvents publishes target-added and group-created events.
func WithEvents(p engine.EventPublisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithMetrics keeps the registered targets gauge current.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry. Call Load to populate it from the store.
func New(store stores.Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		logger:    zerolog.Nop(),
		validator: validator.New(),
		now:       time.Now,
		targets:   make(map[string]*engine.Target),
		groups:    make(map[string]*engine.TargetGroup),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "inventory").Logger()
	return r
}

// Load replaces the in-memory state with the contents of the store.
func (r *Registry) Load(ctx context.Context) error {
	targets, err := r.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets = make(map[string]*engine.Target, len(targets))
	r.targetOrder = r.targetOrder[:0]
	for _, t := range targets {
		r.targets[t.ID] = t
		r.targetOrder = append(r.targetOrder, t.ID)
	}
	r.groups = make(map[string]*engine.TargetGroup, len(groups))
	r.groupOrder = r.groupOrder[:0]
	for _, g := range groups {
		r.groups[g.ID] = g
		r.groupOrder = append(r.groupOrder, g.ID)
	}

	r.metrics.SetTargetsRegistered(len(r.targets))
	r.logger.Info().Int("targets", len(targets)).Int("groups", len(groups)).Msg("inventory loaded")
	return nil
}

func (r *Registry) lockFor(key string) func() {
	m, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// lockTargets takes the locks of the distinct ids in sorted order.
func (r *Registry) lockTargets(ids []string) func() {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var unlocks []func()
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		unlocks = append(unlocks, r.lockFor("target/"+id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (r *Registry) publish(event telemetry.Event) {
	if r.events == nil {
		return
	}
	event.Source = "inventory"
	if err := r.events.Publish(event); err != nil {
		r.logger.Warn().Err(err).Str("event_type", event.Type).Msg("failed to publish event")
	}
}

func (r *Registry) validateTarget(t *engine.Target) error {
	if t == nil {
		return engine.NewValidationError("target is required")
	}
	if err := r.validator.Struct(t); err != nil {
		return engine.NewValidationError("invalid target %q: %v", t.ID, err)
	}
	return nil
}

// AddTarget registers a new target.
func (r *Registry) AddTarget(ctx context.Context, t *engine.Target) (*engine.Target, error) {
	if err := r.validateTarget(t); err != nil {
		return nil, err
	}

	unlock := r.lockFor("target/" + t.ID)
	defer unlock()

	if _, exists := r.lookupTarget(t.ID); exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("target already exists: %s", t.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithTarget(t.ID)
	}

	stored := t.Clone()
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	if err := r.store.UpsertTarget(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to store target %s: %w", t.ID, err)
	}

	r.mu.Lock()
	r.targets[stored.ID] = stored
	r.targetOrder = append(r.targetOrder, stored.ID)
	count := len(r.targets)
	r.mu.Unlock()

	r.metrics.SetTargetsRegistered(count)
	r.logger.Info().Str("target_id", stored.ID).Str("address", stored.Address).Msg("target added")
	r.publish(telemetry.Event{
		Type:     telemetry.EventTypeTargetAdded,
		TargetID: stored.ID,
		Message:  fmt.Sprintf("target %s added", stored.ID),
		Data: map[string]interface{}{
			"address": stored.Address,
			"vendor":  stored.Vendor,
		},
	})

	return stored.Clone(), nil
}

// AddTargetsBatch registers several targets. Targets whose ID is already known
// (or repeated within the batch) are skipped. Invalid entries do not stop the
// batch; their errors are aggregated in the returned error.
func (r *Registry) AddTargetsBatch(ctx context.Context, targets []*engine.Target) ([]*engine.Target, error) {
	var (
		result *multierror.Error
		added  []*engine.Target
		seen   = make(map[string]bool, len(targets))
	)

	for i, t := range targets {
		if err := r.validateTarget(t); err != nil {
			result = multierror.Append(result, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if _, exists := r.lookupTarget(t.ID); exists {
			r.logger.Debug().Str("target_id", t.ID).Msg("skipping known target")
			continue
		}

		stored, err := r.AddTarget(ctx, t)
		if err != nil {
			var ee *engine.EngineError
			if errors.As(err, &ee) && ee.Code == engine.ErrCodeAlreadyExists {
				continue
			}
			result = multierror.Append(result, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		added = append(added, stored)
	}

	return added, result.ErrorOrNil()
}

// RemoveTarget deletes a target and drops it from every group.
func (r *Registry) RemoveTarget(ctx context.Context, id string) error {
	unlock := r.lockFor("target/" + id)
	defer unlock()

	if _, ok := r.lookupTarget(id); !ok {
		return engine.NewNotFoundError("target", id)
	}

	for _, g := range r.Groups(ctx) {
		if !g.HasMember(id) {
			continue
		}
		if err := r.updateGroup(ctx, g.ID, func(g *engine.TargetGroup) bool {
			members := g.Members[:0]
			for _, m := range g.Members {
				if m != id {
					members = append(members, m)
				}
			}
			g.Members = members
			return true
		}); err != nil {
			return err
		}
	}

	if err := r.store.DeleteTarget(ctx, id); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("failed to delete target %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.targets, id)
	for i, tid := range r.targetOrder {
		if tid == id {
			r.targetOrder = append(r.targetOrder[:i], r.targetOrder[i+1:]...)
			break
		}
	}
	count := len(r.targets)
	r.mu.Unlock()

	r.metrics.SetTargetsRegistered(count)
	r.logger.Info().Str("target_id", id).Msg("target removed")
	return nil
}

func (r *Registry) lookupTarget(id string) (*engine.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[id]
	return t, ok
}

// Get returns a copy of a target.
func (r *Registry) Get(_ context.Context, id string) (*engine.Target, error) {
	t, ok := r.lookupTarget(id)
	if !ok {
		return nil, engine.NewNotFoundError("target", id)
	}
	return t.Clone(), nil
}

// List returns copies of the targets matching every set field of filter,
// in registration order.
func (r *Registry) List(_ context.Context, filter engine.TargetFilter) []*engine.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var group *engine.TargetGroup
	if filter.GroupID != "" {
		group = r.groups[filter.GroupID]
		if group == nil {
			return []*engine.Target{}
		}
	}

	out := make([]*engine.Target, 0, len(r.targetOrder))
	for _, id := range r.targetOrder {
		t := r.targets[id]
		if matches(t, group, filter) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func matches(t *engine.Target, group *engine.TargetGroup, f engine.TargetFilter) bool {
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	for _, c := range f.Capabilities {
		if !t.HasCapability(c) {
			return false
		}
	}
	if group != nil && !group.HasMember(t.ID) {
		return false
	}
	if f.Status != "" {
		if f.ConfigType != "" {
			m := t.Monitoring[f.ConfigType]
			if m == nil || m.Status != f.Status {
				return false
			}
		} else {
			found := false
			for _, m := range t.Monitoring {
				if m != nil && m.Status == f.Status {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	} else if f.ConfigType != "" {
		if _, ok := t.Monitoring[f.ConfigType]; !ok {
			return false
		}
	}
	return true
}

// CreateGroup creates a group. Members must already be registered; duplicate
// members are collapsed. A zero policy means the default policy applies.
func (r *Registry) CreateGroup(ctx context.Context, g *engine.TargetGroup) (*engine.TargetGroup, error) {
	if g == nil {
		return nil, engine.NewValidationError("group is required")
	}
	if g.ID == "" {
		return nil, engine.NewValidationError("group id is required")
	}
	if !g.Policy.IsZero() {
		if err := r.validator.Struct(g.Policy); err != nil {
			return nil, engine.NewValidationError("invalid policy for group %q: %v", g.ID, err)
		}
	}

	// Target locks come before the group lock, as in RemoveTarget, so a
	// member cannot be removed between the check below and the write.
	unlockMembers := r.lockTargets(g.Members)
	defer unlockMembers()
	unlock := r.lockFor("group/" + g.ID)
	defer unlock()

	r.mu.RLock()
	_, exists := r.groups[g.ID]
	r.mu.RUnlock()
	if exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("group already exists: %s", g.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists)
	}

	stored := g.Clone()
	stored.Members = nil
	seen := make(map[string]bool, len(g.Members))
	for _, m := range g.Members {
		if seen[m] {
			continue
		}
		if _, ok := r.lookupTarget(m); !ok {
			return nil, engine.NewValidationError("group %q references unknown target %q", g.ID, m)
		}
		seen[m] = true
		stored.Members = append(stored.Members, m)
	}
	if stored.Name == "" {
		stored.Name = stored.ID
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}

	if err := r.store.UpsertGroup(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to store group %s: %w", g.ID, err)
	}

	r.mu.Lock()
	r.groups[stored.ID] = stored
	r.groupOrder = append(r.groupOrder, stored.ID)
	r.mu.Unlock()

	r.logger.Info().Str("group_id", stored.ID).Int("members", len(stored.Members)).Msg("group created")
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeGroupCreated,
		Message: fmt.Sprintf("group %s created", stored.ID),
		Data: map[string]interface{}{
			"group_id": stored.ID,
			"members":  len(stored.Members),
		},
	})

	return stored.Clone(), nil
}

// updateGroup applies fn to a copy of the group and persists it when fn
// reports a change. Callers must not hold r.mu.
func (r *Registry) updateGroup(ctx context.Context, id string, fn func(g *engine.TargetGroup) bool) error {
	unlock := r.lockFor("group/" + id)
	defer unlock()

	r.mu.RLock()
	current, ok := r.groups[id]
	r.mu.RUnlock()
	if !ok {
		return engine.NewNotFoundError("group", id)
	}

	next := current.Clone()
	if !fn(next) {
		return nil
	}

	if err := r.store.UpsertGroup(ctx, next); err != nil {
		return fmt.Errorf("failed to store group %s: %w", id, err)
	}

	r.mu.Lock()
	r.groups[id] = next
	r.mu.Unlock()
	return nil
}

// AddTargetToGroup adds a member to a group. Adding an existing member is a no-op.
// The target stays locked until the group is written, so a concurrent
// RemoveTarget either runs first or sees the new member.
func (r *Registry) AddTargetToGroup(ctx context.Context, groupID, targetID string) error {
	unlock := r.lockFor("target/" + targetID)
	defer unlock()

	if _, ok := r.lookupTarget(targetID); !ok {
		return engine.NewNotFoundError("target", targetID)
	}
	return r.updateGroup(ctx, groupID, func(g *engine.TargetGroup) bool {
		if g.HasMember(targetID) {
			return false
		}
		g.Members = append(g.Members, targetID)
		return true
	})
}

// SetDefaultVersion sets the version a group deploys by default for configType.
func (r *Registry) SetDefaultVersion(ctx context.Context, groupID, configType, versionID string) error {
	if configType == "" {
		return engine.NewValidationError("config type is required")
	}
	return r.updateGroup(ctx, groupID, func(g *engine.TargetGroup) bool {
		if g.DefaultVersions == nil {
			g.DefaultVersions = make(map[string]string)
		}
		if g.DefaultVersions[configType] == versionID {
			return false
		}
		if versionID == "" {
			delete(g.DefaultVersions, configType)
		} else {
			g.DefaultVersions[configType] = versionID
		}
		return true
	})
}

// Group returns a copy of a group.
func (r *Registry) Group(_ context.Context, id string) (*engine.TargetGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, engine.NewNotFoundError("group", id)
	}
	return g.Clone(), nil
}

// Groups returns copies of every group in creation order.
func (r *Registry) Groups(_ context.Context) []*engine.TargetGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*engine.TargetGroup, 0, len(r.groupOrder))
	for _, id := range r.groupOrder {
		out = append(out, r.groups[id].Clone())
	}
	return out
}

// Resolve expands groups and then explicit target ids into a deduplicated
// list, keeping the first occurrence of each target.
func (r *Registry) Resolve(_ context.Context, groupIDs, targetIDs []string) ([]*engine.Target, []*engine.TargetGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		targets []*engine.Target
		groups  []*engine.TargetGroup
		seen    = make(map[string]bool)
	)

	add := func(id string) error {
		if seen[id] {
			return nil
		}
		t, ok := r.targets[id]
		if !ok {
			return engine.NewNotFoundError("target", id)
		}
		seen[id] = true
		targets = append(targets, t.Clone())
		return nil
	}

	for _, gid := range groupIDs {
		g, ok := r.groups[gid]
		if !ok {
			return nil, nil, engine.NewNotFoundError("group", gid)
		}
		groups = append(groups, g.Clone())
		for _, m := range g.Members {
			if err := add(m); err != nil {
				return nil, nil, err
			}
		}
	}
	for _, id := range targetIDs {
		if err := add(id); err != nil {
			return nil, nil, err
		}
	}

	return targets, groups, nil
}

// updateTarget applies fn to a copy of the target and persists the result.
func (r *Registry) updateTarget(ctx context.Context, id string, fn func(t *engine.Target)) error {
	unlock := r.lockFor("target/" + id)
	defer unlock()

	current, ok := r.lookupTarget(id)
	if !ok {
		return engine.NewNotFoundError("target", id)
	}

	next := current.Clone()
	fn(next)
	next.UpdatedAt = r.now()

	if err := r.store.UpsertTarget(ctx, next); err != nil {
		return fmt.Errorf("failed to store target %s: %w", id, err)
	}

	r.mu.Lock()
	r.targets[id] = next
	r.mu.Unlock()
	return nil
}

// RecordDeployment marks versionID as running for configType on the target
// and appends recordID to its history.
func (r *Registry) RecordDeployment(ctx context.Context, targetID, configType, versionID, recordID string, at time.Time) error {
	return r.updateTarget(ctx, targetID, func(t *engine.Target) {
		if t.Monitoring == nil {
			t.Monitoring = make(map[string]*engine.MonitoringState)
		}
		deployed := at
		t.Monitoring[configType] = &engine.MonitoringState{
			Enabled:         true,
			DeployedVersion: versionID,
			LastDeployed:    &deployed,
			Status:          engine.MonitoringRunning,
		}
		if recordID != "" {
			t.History = append(t.History, recordID)
		}
	})
}

// RestoreDeployment resets the deployed version of configType after a rollback.
func (r *Registry) RestoreDeployment(ctx context.Context, targetID, configType, versionID string, at time.Time) error {
	return r.updateTarget(ctx, targetID, func(t *engine.Target) {
		if versionID == "" {
			delete(t.Monitoring, configType)
			return
		}
		if t.Monitoring == nil {
			t.Monitoring = make(map[string]*engine.MonitoringState)
		}
		deployed := at
		t.Monitoring[configType] = &engine.MonitoringState{
			Enabled:         true,
			DeployedVersion: versionID,
			LastDeployed:    &deployed,
			Status:          engine.MonitoringRunning,
		}
	})
}

// SetMonitoringStatus records the observed status of configType on a target.
func (r *Registry) SetMonitoringStatus(ctx context.Context, targetID, configType string, status engine.MonitoringStatus) error {
	if err := status.Validate(); err != nil {
		return engine.NewValidationError("%v", err)
	}
	return r.updateTarget(ctx, targetID, func(t *engine.Target) {
		if t.Monitoring == nil {
			t.Monitoring = make(map[string]*engine.MonitoringState)
		}
		m := t.Monitoring[configType]
		if m == nil {
			m = &engine.MonitoringState{}
			t.Monitoring[configType] = m
		}
		m.Status = status
		m.Enabled = status != engine.MonitoringStopped
	})
}
