package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/senpai-robotics/controller/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Robot scopes every subject to one robot (e.g. robot.status.senpai).
	Robot string
}

// CommsPublisher publishes controller events to COMMS subjects.
type CommsPublisher struct {
	nc    *comms.Conn
	robot string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc}
	if opts != nil {
		p.robot = opts.Robot
	}
	return p
}

func (p *CommsPublisher) publish(subject string, event interface{}) error {
	subject = commsutil.BuildRobotSubject(subject, p.robot)
	if err := commsutil.Publish(p.nc, subject, event); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Published %T to %s", commsPublisherLogPrefix, event, subject))
	return nil
}

// PublishStatus publishes a status snapshot.
func (p *CommsPublisher) PublishStatus(_ context.Context, event *StatusEvent) error {
	return p.publish(commsutil.SubjectStatus, event)
}

// PublishCollision publishes a collision stop.
func (p *CommsPublisher) PublishCollision(_ context.Context, event *CollisionEvent) error {
	return p.publish(commsutil.SubjectCollision, event)
}

// PublishAction publishes a supervisor outcome.
func (p *CommsPublisher) PublishAction(_ context.Context, event *ActionEvent) error {
	return p.publish(commsutil.SubjectAction, event)
}

// Record publishes an incident to its per-kind subject.
func (p *CommsPublisher) Record(_ context.Context, incident *Incident) error {
	return p.publish(commsutil.BuildIncidentSubject(incident.Kind), incident)
}
