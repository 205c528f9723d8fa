package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

const publisherLogPrefix = "events:publisher"

// EventPublisher is the interface for publishing controller events.
type EventPublisher interface {
	PublishStatus(ctx context.Context, event *StatusEvent) error
	PublishCollision(ctx context.Context, event *CollisionEvent) error
	PublishAction(ctx context.Context, event *ActionEvent) error
}

// IncidentSink records degraded-operation incidents.
type IncidentSink interface {
	Record(ctx context.Context, incident *Incident) error
}

// NoOpPublisher is an EventPublisher and IncidentSink that does nothing (for running without COMMS).
type NoOpPublisher struct{}

// PublishStatus is a no-op.
func (p *NoOpPublisher) PublishStatus(_ context.Context, _ *StatusEvent) error { return nil }

// PublishCollision is a no-op.
func (p *NoOpPublisher) PublishCollision(_ context.Context, _ *CollisionEvent) error { return nil }

// PublishAction is a no-op.
func (p *NoOpPublisher) PublishAction(_ context.Context, _ *ActionEvent) error { return nil }

// Record is a no-op.
func (p *NoOpPublisher) Record(_ context.Context, _ *Incident) error { return nil }

// CallbackPublisher hands every event to a callback (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event interface{}) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event interface{}) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishStatus calls the callback.
func (p *CallbackPublisher) PublishStatus(ctx context.Context, event *StatusEvent) error {
	return p.callback(ctx, event)
}

// PublishCollision calls the callback.
func (p *CallbackPublisher) PublishCollision(ctx context.Context, event *CollisionEvent) error {
	return p.callback(ctx, event)
}

// PublishAction calls the callback.
func (p *CallbackPublisher) PublishAction(ctx context.Context, event *ActionEvent) error {
	return p.callback(ctx, event)
}

// Record calls the callback.
func (p *CallbackPublisher) Record(ctx context.Context, incident *Incident) error {
	return p.callback(ctx, incident)
}

// Incidents logs every incident and fans it out to its sinks. A failing sink does not stop the others.
type Incidents struct {
	sinks []IncidentSink
}

// NewIncidents creates a recorder writing to sinks. Nil sinks are skipped.
func NewIncidents(sinks ...IncidentSink) *Incidents {
	r := &Incidents{}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Record logs the incident and writes it to every sink.
func (r *Incidents) Record(ctx context.Context, incident *Incident) error {
	slog.Warn(fmt.Sprintf("%s - Incident %s", publisherLogPrefix, incident))
	var errs []error
	for _, s := range r.sinks {
		if err := s.Record(ctx, incident); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to record incident %s: %v", publisherLogPrefix, incident.ID, err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
