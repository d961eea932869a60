package versions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/stores"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	db, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := db.Init(ctx); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return New(db, opts...)
}

type fakeDiffer struct {
	summary engine.ComparisonSummary
	err     error
	calls   int
}

func (f *fakeDiffer) Compare(_ context.Context, from, to *engine.ConfigVersion) (*engine.ConfigComparison, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &engine.ConfigComparison{FromVersion: from.ID, ToVersion: to.ID, Summary: f.summary}, nil
}

func TestCreate_HashesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Create(ctx, CreateVersionRequest{
		ConfigName: "prometheus-main",
		ConfigType: "prometheus",
		Content:    []byte("global:\n  scrape_interval: 15s\n"),
		Author:     "ops",
		Tags:       []string{"baseline"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if v.ID == "" {
		t.Error("Expected version ID to be assigned")
	}
	if v.ContentHash != HashContent([]byte("global:\n  scrape_interval: 15s\n")) {
		t.Errorf("Expected content hash of content, got %s", v.ContentHash)
	}
	if len(v.ContentHash) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(v.ContentHash))
	}

	got, err := s.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Content) != string(v.Content) {
		t.Errorf("Expected content %q, got %q", v.Content, got.Content)
	}
	if got.Author != "ops" {
		t.Errorf("Expected author ops, got %s", got.Author)
	}
}

func TestCreate_EmptyContentIsValid(t *testing.T) {
	s := newTestStore(t)

	v, err := s.Create(context.Background(), CreateVersionRequest{ConfigName: "empty", ConfigType: "raw"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// sha256 of the empty string
	if v.ContentHash != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("Unexpected hash for empty content: %s", v.ContentHash)
	}
}

func TestCreate_Validation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		req  CreateVersionRequest
	}{
		{"missing name", CreateVersionRequest{ConfigType: "prometheus"}},
		{"missing type", CreateVersionRequest{ConfigName: "prom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), tt.req)
			if !engine.IsValidation(err) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestCreate_UnknownParent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(context.Background(), CreateVersionRequest{
		ConfigName:      "prom",
		ConfigType:      "prometheus",
		ParentVersionID: "missing",
	})
	if !errors.Is(err, engine.ErrVersionNotFound) {
		t.Errorf("Expected ErrVersionNotFound, got %v", err)
	}
}

func TestCreate_ComputesChangesSummaryAgainstParent(t *testing.T) {
	differ := &fakeDiffer{summary: engine.ComparisonSummary{Additions: 2, Deletions: 1, Modifications: 3}}
	s := newTestStore(t, WithDiffer(differ))
	ctx := context.Background()

	parent, err := s.Create(ctx, CreateVersionRequest{ConfigName: "prom", ConfigType: "prometheus", Content: []byte("a: 1")})
	if err != nil {
		t.Fatalf("Create parent failed: %v", err)
	}
	if differ.calls != 0 {
		t.Errorf("Expected no comparison for a root version, got %d", differ.calls)
	}

	child, err := s.Create(ctx, CreateVersionRequest{
		ConfigName:      "prom",
		ConfigType:      "prometheus",
		Content:         []byte("a: 2"),
		ParentVersionID: parent.ID,
	})
	if err != nil {
		t.Fatalf("Create child failed: %v", err)
	}

	want := engine.ChangesSummary{Additions: 2, Deletions: 1, Modifications: 3}
	if child.ChangesSummary != want {
		t.Errorf("Expected summary %+v, got %+v", want, child.ChangesSummary)
	}

	stored, err := s.Get(ctx, child.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.ChangesSummary != want || stored.ParentVersionID != parent.ID {
		t.Errorf("Expected persisted summary and parent, got %+v parent=%s", stored.ChangesSummary, stored.ParentVersionID)
	}
}

func TestCreate_DifferFailureLeavesSummaryEmpty(t *testing.T) {
	differ := &fakeDiffer{err: fmt.Errorf("boom")}
	s := newTestStore(t, WithDiffer(differ))
	ctx := context.Background()

	parent, _ := s.Create(ctx, CreateVersionRequest{ConfigName: "prom", ConfigType: "prometheus"})
	child, err := s.Create(ctx, CreateVersionRequest{ConfigName: "prom", ConfigType: "prometheus", ParentVersionID: parent.ID})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if child.ChangesSummary != (engine.ChangesSummary{}) {
		t.Errorf("Expected empty summary, got %+v", child.ChangesSummary)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !engine.IsNotFound(err) {
		t.Fatalf("Expected not found error, got %v", err)
	}
	if err.Error() != "[permanent] configuration version not found: missing" {
		t.Errorf("Unexpected error message: %s", err.Error())
	}
}

func TestHistory_NewestFirstAndArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		v, err := s.Create(ctx, CreateVersionRequest{
			ConfigName: "prom",
			ConfigType: "prometheus",
			Content:    []byte(fmt.Sprintf("rev: %d", i)),
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, v.ID)
	}
	if _, err := s.Create(ctx, CreateVersionRequest{ConfigName: "grafana", ConfigType: "grafana"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	history, err := s.History(ctx, "prom")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 versions, got %d", len(history))
	}
	for i, v := range history {
		if v.ID != ids[len(ids)-1-i] {
			t.Errorf("Expected %s at position %d, got %s", ids[len(ids)-1-i], i, v.ID)
		}
	}

	latest, err := s.Latest(ctx, "prom")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.ID != ids[2] || string(latest.Content) != "rev: 2" {
		t.Errorf("Expected latest %s with content, got %s %q", ids[2], latest.ID, latest.Content)
	}

	if err := s.Archive(ctx, ids[2]); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	history, _ = s.History(ctx, "prom")
	if len(history) != 2 || history[0].ID != ids[1] {
		t.Errorf("Expected archived version to leave history, got %d entries", len(history))
	}

	// Archived versions stay resolvable by id.
	archived, err := s.Get(ctx, ids[2])
	if err != nil {
		t.Fatalf("Get archived failed: %v", err)
	}
	if !archived.IsArchived() {
		t.Error("Expected archived flag")
	}

	if err := s.Archive(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
	if _, err := s.Latest(ctx, "nothing"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestMarkDeployed_IdempotentUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Create(ctx, CreateVersionRequest{ConfigName: "prom", ConfigType: "prometheus"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.MarkDeployed(ctx, v.ID, fmt.Sprintf("t%d", i%4)); err != nil {
				t.Errorf("MarkDeployed failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.DeployedTo) != 4 {
		t.Errorf("Expected 4 distinct targets, got %v", got.DeployedTo)
	}
	seen := map[string]bool{}
	for _, id := range got.DeployedTo {
		if seen[id] {
			t.Errorf("Target %s recorded twice", id)
		}
		seen[id] = true
	}
}

func TestMarkDeployed_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkDeployed(ctx, "missing", "t1"); !engine.IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}

	v, _ := s.Create(ctx, CreateVersionRequest{ConfigName: "prom", ConfigType: "prometheus"})
	if err := s.MarkDeployed(ctx, v.ID, ""); !engine.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
