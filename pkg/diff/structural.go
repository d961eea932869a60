package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

// parse decodes content into a generic tree. Empty content is an empty map.
func parse(format Format, content []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return map[string]interface{}{}, nil
	}

	var raw interface{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case FormatCUE:
		v := cuecontext.New().CompileBytes(content)
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("compile cue: %w", err)
		}
		if err := v.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode cue: %w", err)
		}
	default:
		return nil, fmt.Errorf("format %s is not structural", format)
	}

	tree, ok := normalize(raw).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s document root is %T, not a mapping", format, raw)
	}
	return tree, nil
}

// normalize converts YAML's interface-keyed maps into string-keyed maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}

func (e *Engine) compareStructural(format Format, from, to []byte) ([]engine.ConfigDiff, error) {
	a, err := parse(format, from)
	if err != nil {
		return nil, err
	}
	b, err := parse(format, to)
	if err != nil {
		return nil, err
	}

	w := &walker{
		includeUnchanged: e.config.IncludeUnchanged,
		listKeys:         e.config.ListKeys,
		diffs:            []engine.ConfigDiff{},
	}
	w.mapping("", a, b)
	return w.diffs, nil
}

// walker collects the diffs between two trees.
type walker struct {
	includeUnchanged bool
	listKeys         []string
	diffs            []engine.ConfigDiff
}

// mapping emits diffs for the union of keys in sorted order.
func (w *walker) mapping(prefix string, from, to map[string]interface{}) {
	keys := make([]string, 0, len(from)+len(to))
	for k := range from {
		keys = append(keys, k)
	}
	for k := range to {
		if _, ok := from[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		oldVal, inFrom := from[k]
		newVal, inTo := to[k]
		w.entry(path, oldVal, inFrom, newVal, inTo)
	}
}

// sequence matches entries by identity key when possible, by index otherwise.
func (w *walker) sequence(path string, from, to []interface{}) {
	if key := w.identityKey(from, to); key != "" {
		w.keyedSequence(path, key, from, to)
		return
	}

	n := max(len(from), len(to))
	for i := 0; i < n; i++ {
		var oldVal, newVal interface{}
		if i < len(from) {
			oldVal = from[i]
		}
		if i < len(to) {
			newVal = to[i]
		}
		w.entry(fmt.Sprintf("%s[%d]", path, i), oldVal, i < len(from), newVal, i < len(to))
	}
}

// keyedSequence walks entries in their new order, then the removed ones in
// their old order.
func (w *walker) keyedSequence(path, key string, from, to []interface{}) {
	old := make(map[string]interface{}, len(from))
	for _, v := range from {
		old[identity(v, key)] = v
	}

	seen := make(map[string]bool, len(to))
	for _, v := range to {
		id := identity(v, key)
		seen[id] = true
		oldVal, inFrom := old[id]
		w.entry(fmt.Sprintf("%s[%s=%s]", path, key, id), oldVal, inFrom, v, true)
	}
	for _, v := range from {
		id := identity(v, key)
		if !seen[id] {
			w.entry(fmt.Sprintf("%s[%s=%s]", path, key, id), v, true, nil, false)
		}
	}
}

// identityKey returns the first list key present, as a scalar, in every
// mapping of both sequences and unique within each side.
func (w *walker) identityKey(from, to []interface{}) string {
	if len(from) == 0 && len(to) == 0 {
		return ""
	}
	for _, key := range w.listKeys {
		if uniqueKey(from, key) && uniqueKey(to, key) {
			return key
		}
	}
	return ""
}

func uniqueKey(items []interface{}, key string) bool {
	seen := make(map[string]bool, len(items))
	for _, v := range items {
		m, ok := v.(map[string]interface{})
		if !ok {
			return false
		}
		switch m[key].(type) {
		case string, int, int64, float64, bool:
		default:
			return false
		}
		id := identity(m, key)
		if seen[id] {
			return false
		}
		seen[id] = true
	}
	return true
}

func identity(v interface{}, key string) string {
	m, _ := v.(map[string]interface{})
	return fmt.Sprint(m[key])
}

// entry compares one position, recursing where both sides hold a mapping
// or both hold a sequence.
func (w *walker) entry(path string, oldVal interface{}, inFrom bool, newVal interface{}, inTo bool) {
	switch {
	case !inFrom:
		w.diffs = append(w.diffs, engine.ConfigDiff{
			Type:        engine.DiffAdded,
			Path:        path,
			NewValue:    newVal,
			Description: fmt.Sprintf("added %s = %s", path, render(newVal)),
		})
		return
	case !inTo:
		w.diffs = append(w.diffs, engine.ConfigDiff{
			Type:        engine.DiffRemoved,
			Path:        path,
			OldValue:    oldVal,
			Description: fmt.Sprintf("removed %s (was %s)", path, render(oldVal)),
		})
		return
	}

	oldMap, oldIsMap := oldVal.(map[string]interface{})
	newMap, newIsMap := newVal.(map[string]interface{})
	if oldIsMap && newIsMap {
		w.mapping(path, oldMap, newMap)
		return
	}
	oldSeq, oldIsSeq := oldVal.([]interface{})
	newSeq, newIsSeq := newVal.([]interface{})
	if oldIsSeq && newIsSeq {
		w.sequence(path, oldSeq, newSeq)
		return
	}

	if render(oldVal) != render(newVal) {
		w.diffs = append(w.diffs, engine.ConfigDiff{
			Type:        engine.DiffModified,
			Path:        path,
			OldValue:    oldVal,
			NewValue:    newVal,
			Description: fmt.Sprintf("modified %s from %s to %s", path, render(oldVal), render(newVal)),
		})
	} else if w.includeUnchanged {
		w.diffs = append(w.diffs, engine.ConfigDiff{
			Type:        engine.DiffUnchanged,
			Path:        path,
			OldValue:    oldVal,
			NewValue:    newVal,
			Description: fmt.Sprintf("unchanged %s", path),
		})
	}
}

// render serializes a value for comparison and display. Map keys are sorted
// by encoding/json, so equal trees render identically.
func render(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
