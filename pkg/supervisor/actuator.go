package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/ticket"
)

const actuatorLogPrefix = "supervisor:actuator"

// DefaultActuatorRetries is how many times a timed-out actuator move is resent.
const DefaultActuatorRetries = 2

// Sender enqueues an arbitrary command.
type Sender interface {
	Send(id protocol.ID, payload []byte) ticket.Claim
}

// ActuatorRunner sends actuator commands and applies the actuator retry policy: a MOVE_TIMED_OUT
// failure is resent up to Retries times and an AX12_ERR alone counts as success.
type ActuatorRunner struct {
	orders  Sender
	robot   *robot.Robot
	retries int
	timeout time.Duration
}

// NewActuatorRunner creates a runner. A negative retries uses DefaultActuatorRetries; a zero timeout waits forever.
func NewActuatorRunner(orders Sender, r *robot.Robot, retries int, timeout time.Duration) *ActuatorRunner {
	if retries < 0 {
		retries = DefaultActuatorRetries
	}
	return &ActuatorRunner{orders: orders, robot: r, retries: retries, timeout: timeout}
}

// Execute runs one actuator command until it succeeds or its budget is spent.
func (a *ActuatorRunner) Execute(ctx context.Context, id protocol.ID, payload []byte) (ticket.Result, error) {
	cmd := protocol.MustLookup(id)
	a.robot.SetDeployed(id != protocol.ActuatorGoHome)

	left := a.retries
	for attempt := 1; ; attempt++ {
		start := time.Now()
		claim := a.orders.Send(id, payload)
		var res ticket.Result
		var err error
		if a.timeout > 0 {
			res, err = claim.AwaitTimeout(ctx, a.timeout)
		} else {
			res, err = claim.Await(ctx)
		}
		if err != nil {
			return res, fmt.Errorf("%s - %s: %w", actuatorLogPrefix, cmd.Name, err)
		}
		if res.OK() {
			return res, nil
		}

		mask, _ := res.Data.(protocol.ActuatorMask)
		if mask == protocol.ActAX12Err {
			slog.Info(fmt.Sprintf("%s - %s: AX12_ERR ignored", actuatorLogPrefix, cmd.Name))
			return res, nil
		}
		slog.Warn(fmt.Sprintf("%s - %s attempt %d failed with %s after %s", actuatorLogPrefix, cmd.Name, attempt, mask, time.Since(start)))
		left--
		if left >= 0 && mask == protocol.ActMoveTimedOut {
			continue
		}
		return res, &ActuatorFault{Command: cmd.Name, Mask: mask}
	}
}
