package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx).NewComponentLogger("orchestrator")
	logger.WithJobID("job-123").Info("job accepted")

	// Output can vary, so we don't specify output for this example
}

// Example_eventBus shows ordered delivery of job events to a filtered subscriber.
func Example_eventBus() {
	bus := telemetry.NewEventBus(telemetry.EventsConfig{Enabled: true})

	unsubscribe := bus.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Sequence, e.Type)
	}, telemetry.FilterByJobID("job-1"))
	defer unsubscribe()

	_ = bus.Publish(telemetry.Event{Type: telemetry.EventTypeJobStarted, JobID: "job-1"})
	_ = bus.Publish(telemetry.Event{Type: telemetry.EventTypeJobStarted, JobID: "job-2"})
	_ = bus.Publish(telemetry.Event{Type: telemetry.EventTypeJobProgress, JobID: "job-1"})
	_ = bus.Publish(telemetry.Event{Type: telemetry.EventTypeJobCompleted, JobID: "job-1"})

	// Output:
	// 1 job-started
	// 3 job-progress
	// 4 job-completed
}
