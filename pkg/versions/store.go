package versions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/stores"
)

// CreateVersionRequest describes a new configuration snapshot.
type CreateVersionRequest struct {
	ConfigName      string   `json:"config_name" yaml:"config_name" validate:"required"`
	ConfigType      string   `json:"config_type" yaml:"config_type" validate:"required"`
	Content         []byte   `json:"-" yaml:"-"`
	ParentVersionID string   `json:"parent_version_id,omitempty" yaml:"parent_version_id"`
	Author          string   `json:"author,omitempty" yaml:"author"`
	Description     string   `json:"description,omitempty" yaml:"description"`
	Tags            []string `json:"tags,omitempty" yaml:"tags"`
}

// Store keeps immutable configuration versions on top of a stores.Store.
// It is safe for concurrent use.
type Store struct {
	store     stores.Store
	differ    engine.Differ
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithDiffer computes ChangesSummary against the parent version on Create.
func WithDiffer(d engine.Differ) Option {
	return func(s *Store) { s.differ = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a version store.
func New(store stores.Store, opts ...Option) *Store {
	s := &Store{
		store:     store,
		validator: validator.New(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "versions").Logger()
	return s
}

// HashContent returns the hex encoded sha256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Create stores a new version and returns it with ID, hash and summary set.
func (s *Store) Create(ctx context.Context, req CreateVersionRequest) (*engine.ConfigVersion, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, engine.NewValidationError("invalid version request: %v", err)
	}

	v := &engine.ConfigVersion{
		ID:              uuid.New().String(),
		ConfigName:      req.ConfigName,
		ConfigType:      req.ConfigType,
		Content:         append([]byte(nil), req.Content...),
		ContentHash:     HashContent(req.Content),
		ParentVersionID: req.ParentVersionID,
		Author:          req.Author,
		Description:     req.Description,
		Tags:            append([]string(nil), req.Tags...),
		CreatedAt:       s.now(),
	}

	if req.ParentVersionID != "" {
		parent, err := s.Get(ctx, req.ParentVersionID)
		if err != nil {
			return nil, err
		}
		v.ChangesSummary = s.summarize(ctx, parent, v)
	}

	if err := s.store.CreateVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to store version: %w", err)
	}

	s.logger.Info().
		Str("version_id", v.ID).
		Str("config_name", v.ConfigName).
		Str("config_type", v.ConfigType).
		Str("content_hash", v.ContentHash).
		Msg("configuration version created")

	return v, nil
}

func (s *Store) summarize(ctx context.Context, parent, v *engine.ConfigVersion) engine.ChangesSummary {
	if s.differ == nil {
		return engine.ChangesSummary{}
	}
	cmp, err := s.differ.Compare(ctx, parent, v)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("version_id", v.ID).
			Str("parent_version_id", parent.ID).
			Msg("failed to compute changes summary")
		return engine.ChangesSummary{}
	}
	return engine.ChangesSummary{
		Additions:     cmp.Summary.Additions,
		Deletions:     cmp.Summary.Deletions,
		Modifications: cmp.Summary.Modifications,
	}
}

// Get returns a version including its content. Archived versions are still returned.
func (s *Store) Get(ctx context.Context, id string) (*engine.ConfigVersion, error) {
	v, err := s.store.GetVersion(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, id)
	}
	return v, nil
}

// History returns the non-archived versions of a configuration, newest first.
// Content is not loaded.
func (s *Store) History(ctx context.Context, configName string) ([]*engine.ConfigVersion, error) {
	history, err := s.store.ListVersions(ctx, configName, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", configName, err)
	}
	return history, nil
}

// MarkDeployed records that the version reached targetID. Repeated calls are no-ops.
func (s *Store) MarkDeployed(ctx context.Context, id, targetID string) error {
	if targetID == "" {
		return engine.NewValidationError("target id is required")
	}

	added, err := s.store.AddVersionDeployment(ctx, id, targetID, s.now())
	if err != nil {
		// The ledger row references the version; distinguish a missing
		// version from a storage failure.
		if _, getErr := s.store.GetVersion(ctx, id); getErr != nil {
			return mapNotFound(getErr, id)
		}
		return fmt.Errorf("failed to mark version %s deployed: %w", id, err)
	}

	if added {
		s.logger.Debug().Str("version_id", id).Str("target_id", targetID).Msg("version marked deployed")
	}
	return nil
}

// Archive hides a version from History.
func (s *Store) Archive(ctx context.Context, id string) error {
	if err := s.store.ArchiveVersion(ctx, id, s.now()); err != nil {
		return mapNotFound(err, id)
	}
	s.logger.Info().Str("version_id", id).Msg("configuration version archived")
	return nil
}

// Latest returns the newest non-archived version of a configuration.
func (s *Store) Latest(ctx context.Context, configName string) (*engine.ConfigVersion, error) {
	history, err := s.History(ctx, configName)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, engine.NewNotFoundError("configuration", configName)
	}
	return s.Get(ctx, history[0].ID)
}

func mapNotFound(err error, id string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewNotFoundError("configuration version", id).
			WithCode(engine.ErrCodeVersionNotFound)
	}
	return err
}
