package diff

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

func version(id, configType, content string) *engine.ConfigVersion {
	return &engine.ConfigVersion{ID: id, ConfigName: "cfg", ConfigType: configType, Content: []byte(content)}
}

func findDiff(diffs []engine.ConfigDiff, path string) *engine.ConfigDiff {
	for i := range diffs {
		if diffs[i].Path == path {
			return &diffs[i]
		}
	}
	return nil
}

func TestCompare_SelfIsEmptyAndLowRisk(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name       string
		configType string
		content    string
	}{
		{"yaml", "prometheus", "global:\n  scrape_interval: 15s\nscrape_configs:\n  - job_name: node\n"},
		{"json", "grafana", `{"dashboard":{"title":"x","panels":[1,2]}}`},
		{"cue", "cue", "a: 1\nb: {c: \"x\"}\n"},
		{"textual", "nginx", "server {\n  listen 80;\n}\n"},
		{"empty", "prometheus", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := version("v-"+tt.name, tt.configType, tt.content)
			cmp, err := e.Compare(context.Background(), v, v)
			if err != nil {
				t.Fatalf("Compare failed: %v", err)
			}
			if len(cmp.Diffs) != 0 {
				t.Errorf("Expected no diffs, got %d: %+v", len(cmp.Diffs), cmp.Diffs)
			}
			if cmp.Summary.TotalChanges != 0 || cmp.Summary.RiskLevel != engine.RiskLow {
				t.Errorf("Expected zero changes and low risk, got %+v", cmp.Summary)
			}
		})
	}
}

func TestCompare_StructuralYAML(t *testing.T) {
	e := New(DefaultConfig())

	from := version("v1", "prometheus", `
global:
  scrape_interval: 15s
  evaluation_interval: 15s
rule_files:
  - a.yml
storage:
  retention: 15d
`)
	to := version("v2", "prometheus", `
global:
  scrape_interval: 30s
  evaluation_interval: 15s
rule_files:
  - a.yml
  - b.yml
remote_write:
  url: http://example
`)

	cmp, err := e.Compare(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Mode != engine.DiffModeStructural {
		t.Fatalf("Expected structural mode, got %s", cmp.Mode)
	}

	cases := map[string]engine.DiffType{
		"global.scrape_interval": engine.DiffModified,
		"rule_files[1]":          engine.DiffAdded,
		"remote_write":           engine.DiffAdded,
		"storage":                engine.DiffRemoved,
	}
	for path, want := range cases {
		d := findDiff(cmp.Diffs, path)
		if d == nil {
			t.Errorf("Expected diff for %s", path)
			continue
		}
		if d.Type != want {
			t.Errorf("Expected %s for %s, got %s", want, path, d.Type)
		}
	}
	if findDiff(cmp.Diffs, "global.evaluation_interval") != nil {
		t.Error("Unchanged key should not be emitted by default")
	}

	if findDiff(cmp.Diffs, "rule_files[0]") != nil {
		t.Error("Unchanged list entry should not be emitted")
	}

	if cmp.Summary.Additions != 2 || cmp.Summary.Deletions != 1 || cmp.Summary.Modifications != 1 {
		t.Errorf("Unexpected summary: %+v", cmp.Summary)
	}
	if cmp.Summary.TotalChanges != 4 {
		t.Errorf("Expected 4 total changes, got %d", cmp.Summary.TotalChanges)
	}

	if len(cmp.Summary.CompatibilityIssues) != 1 {
		t.Fatalf("Expected 1 compatibility issue, got %v", cmp.Summary.CompatibilityIssues)
	}
	if !strings.Contains(cmp.Summary.CompatibilityIssues[0], "global.scrape_interval") {
		t.Errorf("Expected issue for global.scrape_interval, got %s", cmp.Summary.CompatibilityIssues[0])
	}

	d := findDiff(cmp.Diffs, "global.scrape_interval")
	if d.OldValue != "15s" || d.NewValue != "30s" {
		t.Errorf("Expected 15s -> 30s, got %v -> %v", d.OldValue, d.NewValue)
	}
}

func TestCompare_ListsOfJobsAreKeyedByName(t *testing.T) {
	e := New(DefaultConfig())

	from := version("v1", "prometheus", `
scrape_configs:
  - job_name: node
    scrape_interval: 15s
    static_configs:
      - targets: [a:9100, b:9100]
  - job_name: snmp
    metrics_path: /snmp
  - job_name: blackbox
`)
	to := version("v2", "prometheus", `
scrape_configs:
  - job_name: blackbox
  - job_name: node
    scrape_interval: 30s
    static_configs:
      - targets: [a:9100, c:9100]
  - job_name: mysql
`)

	cmp, err := e.Compare(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	cases := map[string]engine.DiffType{
		"scrape_configs[job_name=node].scrape_interval":              engine.DiffModified,
		"scrape_configs[job_name=node].static_configs[0].targets[1]": engine.DiffModified,
		"scrape_configs[job_name=mysql]":                             engine.DiffAdded,
		"scrape_configs[job_name=snmp]":                              engine.DiffRemoved,
	}
	for path, want := range cases {
		d := findDiff(cmp.Diffs, path)
		if d == nil {
			t.Errorf("Expected diff for %s, got %+v", path, cmp.Diffs)
			continue
		}
		if d.Type != want {
			t.Errorf("Expected %s for %s, got %s", want, path, d.Type)
		}
	}
	if len(cmp.Diffs) != 4 {
		t.Errorf("Expected reordering blackbox to be no change, got %d diffs: %+v", len(cmp.Diffs), cmp.Diffs)
	}
	if cmp.Summary.TotalChanges != 4 {
		t.Errorf("Expected 4 total changes, got %d", cmp.Summary.TotalChanges)
	}
	// Removed and modified jobs all sit under scrape_configs.
	if len(cmp.Summary.CompatibilityIssues) != 3 {
		t.Errorf("Expected 3 compatibility issues, got %v", cmp.Summary.CompatibilityIssues)
	}
}

func TestCompare_ListsWithoutIdentityUseIndex(t *testing.T) {
	e := New(DefaultConfig())

	cmp, err := e.Compare(context.Background(),
		version("a", "json", `{"routes":[{"match":"a"},{"match":"b"}],"name":[1,2]}`),
		version("b", "json", `{"routes":[{"match":"a"}],"name":[1,3]}`))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if d := findDiff(cmp.Diffs, "routes[1]"); d == nil || d.Type != engine.DiffRemoved {
		t.Errorf("Expected routes[1] removed, got %+v", cmp.Diffs)
	}
	if d := findDiff(cmp.Diffs, "name[1]"); d == nil || d.Type != engine.DiffModified {
		t.Errorf("Expected name[1] modified, got %+v", cmp.Diffs)
	}
	if len(cmp.Diffs) != 2 {
		t.Errorf("Expected 2 diffs, got %+v", cmp.Diffs)
	}
}

func TestCompare_IncludeUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IncludeUnchanged = true
	e := New(cfg)

	cmp, err := e.Compare(context.Background(),
		version("a", "json", `{"x":1,"y":{"z":2}}`),
		version("b", "json", `{"x":1,"y":{"z":3}}`))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	if d := findDiff(cmp.Diffs, "x"); d == nil || d.Type != engine.DiffUnchanged {
		t.Errorf("Expected unchanged entry for x, got %+v", d)
	}
	if d := findDiff(cmp.Diffs, "y.z"); d == nil || d.Type != engine.DiffModified {
		t.Errorf("Expected modified entry for y.z, got %+v", d)
	}
	if cmp.Summary.TotalChanges != 1 {
		t.Errorf("Unchanged entries must not count, got %d", cmp.Summary.TotalChanges)
	}
}

func TestCompare_MapReplacedByScalarIsModified(t *testing.T) {
	e := New(DefaultConfig())

	cmp, err := e.Compare(context.Background(),
		version("a", "json", `{"auth":{"user":"x"}}`),
		version("b", "json", `{"auth":"none"}`))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if len(cmp.Diffs) != 1 || cmp.Diffs[0].Type != engine.DiffModified || cmp.Diffs[0].Path != "auth" {
		t.Fatalf("Expected single modified auth diff, got %+v", cmp.Diffs)
	}
	if len(cmp.Summary.CompatibilityIssues) != 1 {
		t.Errorf("Expected auth to be flagged, got %v", cmp.Summary.CompatibilityIssues)
	}
}

func TestCompare_CUE(t *testing.T) {
	e := New(DefaultConfig())

	cmp, err := e.Compare(context.Background(),
		version("a", "cue", "walk: [\"1.3.6\"]\nport: 161\n"),
		version("b", "cue", "walk: [\"1.3.7\"]\nport: 161\ntimeout: \"5s\"\n"))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Mode != engine.DiffModeStructural {
		t.Fatalf("Expected structural mode, got %s", cmp.Mode)
	}
	if cmp.Summary.Additions != 1 || cmp.Summary.Modifications != 1 {
		t.Errorf("Unexpected summary: %+v", cmp.Summary)
	}
	if len(cmp.Summary.CompatibilityIssues) != 1 {
		t.Errorf("Expected walk to be flagged, got %v", cmp.Summary.CompatibilityIssues)
	}
}

func TestCompare_InvalidStructuralFallsBackToTextual(t *testing.T) {
	e := New(DefaultConfig())

	cmp, err := e.Compare(context.Background(),
		version("a", "json", "{not json\nline two\n"),
		version("b", "json", "{not json\nline 2\n"))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Mode != engine.DiffModeTextual {
		t.Fatalf("Expected textual fallback, got %s", cmp.Mode)
	}
	if cmp.Summary.Additions != 1 || cmp.Summary.Deletions != 1 {
		t.Errorf("Unexpected summary: %+v", cmp.Summary)
	}
}

func TestCompare_Textual(t *testing.T) {
	e := New(DefaultConfig())

	from := version("a", "nginx", "line1\nline2\nline3\nauth_basic on;\n")
	to := version("b", "nginx", "line1\nline2 changed\nline3\nline4\n")

	cmp, err := e.Compare(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Mode != engine.DiffModeTextual {
		t.Fatalf("Expected textual mode, got %s", cmp.Mode)
	}

	var removed, added []engine.ConfigDiff
	for _, d := range cmp.Diffs {
		switch d.Type {
		case engine.DiffRemoved:
			removed = append(removed, d)
		case engine.DiffAdded:
			added = append(added, d)
		default:
			t.Errorf("Unexpected diff type %s in textual mode", d.Type)
		}
	}

	if len(removed) != 2 || len(added) != 2 {
		t.Fatalf("Expected 2 removed and 2 added lines, got %d/%d: %+v", len(removed), len(added), cmp.Diffs)
	}
	if removed[0].Line != 2 || removed[0].Text != "line2" {
		t.Errorf("Expected removed line 2 'line2', got %d %q", removed[0].Line, removed[0].Text)
	}
	if removed[1].Line != 4 || removed[1].Text != "auth_basic on;" {
		t.Errorf("Expected removed line 4 'auth_basic on;', got %d %q", removed[1].Line, removed[1].Text)
	}
	if added[0].Line != 2 || added[0].Text != "line2 changed" {
		t.Errorf("Expected added line 2 'line2 changed', got %d %q", added[0].Line, added[0].Text)
	}
	if added[1].Line != 4 || added[1].Text != "line4" {
		t.Errorf("Expected added line 4 'line4', got %d %q", added[1].Line, added[1].Text)
	}

	if len(cmp.Summary.CompatibilityIssues) != 1 {
		t.Errorf("Expected removed auth line to be flagged, got %v", cmp.Summary.CompatibilityIssues)
	}
}

func TestClassifyRisk(t *testing.T) {
	tests := []struct {
		additions, deletions, modifications int
		want                                engine.RiskLevel
	}{
		{1, 1, 1, engine.RiskLow},
		{0, 0, 0, engine.RiskLow},
		{5, 5, 0, engine.RiskLow},
		{5, 5, 1, engine.RiskMedium},
		{0, 0, 6, engine.RiskMedium},
		{0, 0, 5, engine.RiskLow},
		{10, 10, 0, engine.RiskMedium},
		{10, 10, 1, engine.RiskHigh},
		{0, 0, 11, engine.RiskHigh},
		{21, 0, 0, engine.RiskHigh},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d_%d", tt.additions, tt.deletions, tt.modifications), func(t *testing.T) {
			if got := ClassifyRisk(tt.additions, tt.deletions, tt.modifications); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCompare_RiskFromStructuralCounts(t *testing.T) {
	e := New(DefaultConfig())

	var a, b strings.Builder
	a.WriteString("{")
	b.WriteString("{")
	for i := 0; i < 12; i++ {
		if i > 0 {
			a.WriteString(",")
			b.WriteString(",")
		}
		fmt.Fprintf(&a, `"k%d":%d`, i, i)
		fmt.Fprintf(&b, `"k%d":%d`, i, i+1)
	}
	a.WriteString("}")
	b.WriteString("}")

	cmp, err := e.Compare(context.Background(), version("a", "json", a.String()), version("b", "json", b.String()))
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Summary.Modifications != 12 || cmp.Summary.RiskLevel != engine.RiskHigh {
		t.Errorf("Expected 12 modifications and high risk, got %+v", cmp.Summary)
	}
}

func TestCompare_CachesByVersionPair(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSize = 2
	e := New(cfg)
	ctx := context.Background()

	a := version("a", "json", `{"x":1}`)
	b := version("b", "json", `{"x":2}`)
	c := version("c", "json", `{"x":3}`)

	first, err := e.Compare(ctx, a, b)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	first.Diffs[0].Path = "mutated"

	second, err := e.Compare(ctx, a, b)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if second.Diffs[0].Path != "x" {
		t.Error("Cached comparison must not be affected by caller mutation")
	}
	if !second.ComparedAt.Equal(first.ComparedAt) {
		t.Error("Expected cached comparison to be reused")
	}

	_, _ = e.Compare(ctx, b, c)
	_, _ = e.Compare(ctx, a, c)
	if got := e.CacheLen(); got != 2 {
		t.Errorf("Expected cache bounded at 2, got %d", got)
	}

	// Versions without IDs are never cached.
	_, _ = e.Compare(ctx, version("", "json", `{}`), version("", "json", `{"y":1}`))
	if got := e.CacheLen(); got != 2 {
		t.Errorf("Expected anonymous comparison to skip the cache, got %d", got)
	}
}

func TestCompare_Errors(t *testing.T) {
	e := New(DefaultConfig())

	if _, err := e.Compare(context.Background(), nil, version("a", "json", "{}")); !engine.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Compare(ctx, version("a", "json", "{}"), version("b", "json", "{}")); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestFormatFor(t *testing.T) {
	e := New(Config{Formats: map[string]Format{"custom": FormatJSON}})

	if got := e.FormatFor("custom"); got != FormatJSON {
		t.Errorf("Expected json, got %s", got)
	}
	if got := e.FormatFor("prometheus"); got != FormatText {
		t.Errorf("Expected explicit format map to replace defaults, got %s", got)
	}
	if got := New(DefaultConfig()).FormatFor("Prometheus"); got != FormatYAML {
		t.Errorf("Expected case-insensitive lookup, got %s", got)
	}
}
