package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay collapses bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Admission rule files carry their metadata in the leading comment block:
//
//	# Deployments of production groups need a named user
//	# severity: error
//	# tags: production, audit
//	# disabled
//
// Untagged comment lines form the description.
const (
	directiveSeverity = "severity:"
	directiveTags     = "tags:"
	directiveDisabled = "disabled"
)

// cachedPolicy remembers a parsed file until its modification time changes.
type cachedPolicy struct {
	modTime time.Time
	policy  Policy
}

// Loader reads admission rules from .rego and .json files and watches the
// policy directory for changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy

	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy file found under paths. Files that fail to
// parse inside a directory are skipped with a warning; a missing path or an
// explicitly named bad file is an error. Two files defining the same policy
// name are rejected.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		sources  = make(map[string]string)
	)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range found {
			source := sourceOf(p)
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, source)
			}
			sources[p.Name] = source
			policies = append(policies, p)
		}
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}
	return l.loadFromDirectory(path)
}

// loadFromDirectory walks dirPath recursively in lexical order.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping invalid policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

// loadFromFile returns the cached policy while the file is unchanged.
func (l *Loader) loadFromFile(path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = parseRegoFile(path, data)
	case ".json":
		p, err = parseJSONFile(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path
	p.Builtin = false
	p.CreatedAt = info.ModTime()
	p.UpdatedAt = info.ModTime()

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: *p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Policy loaded from file")

	return p, nil
}

// parseRegoFile names the policy after the file and reads the header block.
func parseRegoFile(path string, data []byte) *Policy {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
		Tags:     []string{},
	}
	applyHeader(p, string(data))
	return p
}

// applyHeader reads the comment lines before the first statement.
func applyHeader(p *Policy, content string) {
	var description []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "package ") {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		lower := strings.ToLower(comment)
		switch {
		case strings.HasPrefix(lower, directiveSeverity):
			if s, ok := parseSeverity(comment[len(directiveSeverity):]); ok {
				p.Severity = s
			}
		case strings.HasPrefix(lower, directiveTags):
			for _, tag := range strings.Split(comment[len(directiveTags):], ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case lower == directiveDisabled:
			p.Enabled = false
		case comment != "":
			description = append(description, comment)
		}
	}

	p.Description = strings.Join(description, " ")
}

func parseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sev, true
	default:
		return "", false
	}
}

// parseJSONFile reads a policy definition with inline Rego.
func parseJSONFile(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if strings.TrimSpace(p.Rego) == "" {
		return nil, fmt.Errorf("JSON policy %s has no rego", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	} else if _, ok := parseSeverity(string(p.Severity)); !ok {
		return nil, fmt.Errorf("JSON policy %s has unknown severity %q", p.Name, p.Severity)
	}
	return &p, nil
}

// Watch reloads the policies under paths whenever a policy file changes and
// hands the new set to reloadFn. Directories created later are watched too.
// Watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = addTree(watcher, path)
		} else {
			err = watcher.Add(path)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Strs("paths", paths).
		Msg("Watching policy paths")

	return nil
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, w *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(w, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				l.reload(ctx, paths, reloadFn)
			})

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// reload keeps the current policy set when the new one fails to load or apply.
func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	if ctx.Err() != nil {
		return
	}
	l.pruneCache()

	policies, err := l.LoadFromPaths(ctx, paths)
	if err == nil {
		err = reloadFn(policies)
	}
	if err != nil {
		l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
		return
	}

	names := make([]string, 0, len(policies))
	for _, p := range policies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	l.logger.Info().Strs("policies", names).Msg("Policies reloaded")
}

// pruneCache forgets files that no longer exist.
func (l *Loader) pruneCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path := range l.cache {
		if _, err := os.Stat(path); err != nil {
			delete(l.cache, path)
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

func sourceOf(p Policy) string {
	if s, ok := p.Metadata["source"].(string); ok {
		return s
	}
	return p.Name
}
