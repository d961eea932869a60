package diff

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// Format selects how content of a configType is parsed.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
	FormatText Format = "text"
)

// Config controls format resolution, critical paths and caching.
type Config struct {
	// Formats maps a configType to its format. Unlisted types are textual.
	Formats map[string]Format `yaml:"formats" json:"formats"`

	// CriticalPaths are substrings that flag a removed or modified path as a
	// compatibility issue.
	CriticalPaths []string `yaml:"critical_paths" json:"critical_paths"`

	// ListKeys are identity fields for sequences of mappings, tried in order.
	// When every entry on both sides carries the same key field the entries
	// are matched by it (scrape_configs[job_name=node]); otherwise sequences
	// are compared by index.
	ListKeys []string `yaml:"list_keys" json:"list_keys"`

	// IncludeUnchanged emits unchanged entries in structural mode.
	IncludeUnchanged bool `yaml:"include_unchanged" json:"include_unchanged"`

	// CacheSize bounds the number of cached comparisons. Zero disables caching.
	CacheSize int `yaml:"cache_size" json:"cache_size" validate:"gte=0"`
}

// DefaultConfig returns the built-in format map and critical paths.
func DefaultConfig() Config {
	return Config{
		Formats: map[string]Format{
			"prometheus":    FormatYAML,
			"alertmanager":  FormatYAML,
			"snmp_exporter": FormatYAML,
			"yaml":          FormatYAML,
			"json":          FormatJSON,
			"grafana":       FormatJSON,
			"cue":           FormatCUE,
		},
		CriticalPaths: []string{"global", "scrape_configs", "auth", "walk"},
		ListKeys:      []string{"job_name", "name"},
		CacheSize:     256,
	}
}

// Engine compares configuration versions. It is safe for concurrent use.
type Engine struct {
	config  Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	// cache is nil when caching is disabled.
	cache *lru.Cache
}

type cacheKey struct {
	from, to string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records computed comparisons.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a diff engine. Missing format entries fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if cfg.Formats == nil {
		cfg.Formats = defaults.Formats
	}
	if cfg.CriticalPaths == nil {
		cfg.CriticalPaths = defaults.CriticalPaths
	}
	if cfg.ListKeys == nil {
		cfg.ListKeys = defaults.ListKeys
	}

	e := &Engine{
		config: cfg,
		logger: zerolog.Nop(),
	}
	if cfg.CacheSize > 0 {
		// Only a non-positive size makes lru.New fail.
		e.cache, _ = lru.New(cfg.CacheSize)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "diff").Logger()
	return e
}

// FormatFor returns the format used for configType.
func (e *Engine) FormatFor(configType string) Format {
	if f, ok := e.config.Formats[strings.ToLower(configType)]; ok {
		return f
	}
	return FormatText
}

// Compare computes the differences from one version to another.
// Results for versions with IDs are cached per (from, to) pair.
func (e *Engine) Compare(ctx context.Context, from, to *engine.ConfigVersion) (*engine.ConfigComparison, error) {
	if from == nil || to == nil {
		return nil, engine.NewValidationError("both versions are required for comparison")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey{from: from.ID, to: to.ID}
	cacheable := from.ID != "" && to.ID != "" && e.config.CacheSize > 0
	if cacheable {
		if cmp, ok := e.lookup(key); ok {
			return cmp, nil
		}
	}

	cmp := e.compare(from, to)

	e.metrics.RecordComparison(string(cmp.Mode), string(cmp.Summary.RiskLevel))
	e.logger.Debug().
		Str("from_version", from.ID).
		Str("to_version", to.ID).
		Str("mode", string(cmp.Mode)).
		Int("total_changes", cmp.Summary.TotalChanges).
		Str("risk", string(cmp.Summary.RiskLevel)).
		Msg("versions compared")

	if cacheable {
		e.store(key, cmp)
	}
	return cloneComparison(cmp), nil
}

func (e *Engine) compare(from, to *engine.ConfigVersion) *engine.ConfigComparison {
	format := e.FormatFor(to.ConfigType)

	var (
		diffs []engine.ConfigDiff
		mode  = engine.DiffModeTextual
	)

	if format != FormatText {
		structural, err := e.compareStructural(format, from.Content, to.Content)
		if err == nil {
			diffs = structural
			mode = engine.DiffModeStructural
		} else {
			e.logger.Debug().Err(err).
				Str("config_type", to.ConfigType).
				Msg("structural parse failed, falling back to textual diff")
		}
	}

	if mode == engine.DiffModeTextual {
		if bytes.Equal(from.Content, to.Content) {
			diffs = nil
		} else {
			diffs = compareTextual(from.Content, to.Content)
		}
	}

	if diffs == nil {
		diffs = []engine.ConfigDiff{}
	}

	return &engine.ConfigComparison{
		FromVersion: from.ID,
		ToVersion:   to.ID,
		Mode:        mode,
		Diffs:       diffs,
		Summary:     summarize(diffs, mode, e.config.CriticalPaths),
		ComparedAt:  time.Now(),
	}
}

func (e *Engine) lookup(key cacheKey) (*engine.ConfigComparison, bool) {
	if e.cache == nil {
		return nil, false
	}
	v, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	return cloneComparison(v.(*engine.ConfigComparison)), true
}

func (e *Engine) store(key cacheKey, cmp *engine.ConfigComparison) {
	if e.cache != nil {
		e.cache.Add(key, cmp)
	}
}

// CacheLen returns the number of cached comparisons.
func (e *Engine) CacheLen() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Len()
}

func cloneComparison(c *engine.ConfigComparison) *engine.ConfigComparison {
	out := *c
	out.Diffs = append([]engine.ConfigDiff(nil), c.Diffs...)
	if out.Diffs == nil {
		out.Diffs = []engine.ConfigDiff{}
	}
	out.Summary.CompatibilityIssues = append([]string(nil), c.Summary.CompatibilityIssues...)
	return &out
}

// ClassifyRisk derives the risk level from change counts.
func ClassifyRisk(additions, deletions, modifications int) engine.RiskLevel {
	total := additions + deletions + modifications
	switch {
	case total > 20 || modifications > 10:
		return engine.RiskHigh
	case total > 10 || modifications > 5:
		return engine.RiskMedium
	default:
		return engine.RiskLow
	}
}

func summarize(diffs []engine.ConfigDiff, mode engine.DiffMode, critical []string) engine.ComparisonSummary {
	var s engine.ComparisonSummary
	for _, d := range diffs {
		switch d.Type {
		case engine.DiffAdded:
			s.Additions++
		case engine.DiffRemoved:
			s.Deletions++
		case engine.DiffModified:
			s.Modifications++
		default:
			continue
		}

		if d.Type == engine.DiffAdded {
			continue
		}
		subject := d.Path
		if mode == engine.DiffModeTextual {
			subject = d.Text
		}
		if path, ok := matchCritical(subject, critical); ok {
			s.CompatibilityIssues = append(s.CompatibilityIssues, issueFor(d, path))
		}
	}
	s.TotalChanges = s.Additions + s.Deletions + s.Modifications
	s.RiskLevel = ClassifyRisk(s.Additions, s.Deletions, s.Modifications)
	return s
}

func matchCritical(subject string, critical []string) (string, bool) {
	if subject == "" {
		return "", false
	}
	for _, c := range critical {
		if c != "" && strings.Contains(subject, c) {
			return c, true
		}
	}
	return "", false
}

func issueFor(d engine.ConfigDiff, critical string) string {
	if d.Path != "" {
		return fmt.Sprintf("%s critical path %s (matches %q)", d.Type, d.Path, critical)
	}
	return fmt.Sprintf("%s line %d touches critical setting %q", d.Type, d.Line, critical)
}
