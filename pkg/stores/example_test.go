package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateVersion demonstrates storing a configuration version.
func ExampleSQLiteStore_CreateVersion() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	v := &engine.ConfigVersion{
		ID:          "v1",
		ConfigName:  "prometheus-main",
		ConfigType:  "prometheus",
		Content:     []byte("global:\n  scrape_interval: 15s\n"),
		ContentHash: "abc",
		CreatedAt:   time.Now(),
	}
	if err := store.CreateVersion(ctx, v); err != nil {
		log.Fatal(err)
	}

	if _, err := store.AddVersionDeployment(ctx, "v1", "host-1", time.Now()); err != nil {
		log.Fatal(err)
	}

	got, err := store.GetVersion(ctx, "v1")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s %s %d bytes deployed to %v\n", got.ID, got.ConfigType, len(got.Content), got.DeployedTo)
	// Output: v1 prometheus 31 bytes deployed to [host-1]
}

// ExampleSQLiteStore_AppendEvent demonstrates the event log.
func ExampleSQLiteStore_AppendEvent() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	for i, typ := range []string{"job-started", "job-completed"} {
		_ = store.AppendEvent(ctx, &stores.EventRecord{
			ID:        fmt.Sprintf("evt-%d", i),
			Sequence:  uint64(i + 1),
			Type:      typ,
			JobID:     "job-1",
			Level:     "info",
			Message:   typ,
			Timestamp: time.Now(),
		})
	}

	events, err := store.GetEvents(ctx, stores.EventQuery{JobID: "job-1"})
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range events {
		fmt.Println(e.Sequence, e.Type)
	}
	// Output:
	// 1 job-started
	// 2 job-completed
}
