package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// EventRecorder persists bus events into the events table so job timelines
// survive the process.
type EventRecorder struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
}

// NewEventRecorder returns a recorder writing to store.
func NewEventRecorder(store Store, logger zerolog.Logger) *EventRecorder {
	return &EventRecorder{
		store:   store,
		logger:  logger.With().Str("component", "event-recorder").Logger(),
		timeout: 5 * time.Second,
	}
}

// Attach subscribes the recorder to every event of bus and returns the
// unsubscribe function.
func (r *EventRecorder) Attach(bus *telemetry.EventBus) func() {
	return bus.Subscribe(r.Record, nil)
}

// Record stores one event. Failures are logged; a lost event never stops a
// deployment.
func (r *EventRecorder) Record(event telemetry.Event) {
	rec := &EventRecord{
		ID:        event.ID,
		Sequence:  event.Sequence,
		Type:      event.Type,
		Source:    event.Source,
		JobID:     event.JobID,
		TargetID:  event.TargetID,
		RecordID:  event.RecordID,
		Level:     event.Level,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Dropping unencodable event data")
		} else {
			rec.Data = string(data)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.AppendEvent(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("event_id", event.ID).Str("type", event.Type).Msg("Failed to persist event")
	}
}
