package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/senpai-robotics/controller/pkg/bootstrap"
	"github.com/senpai-robotics/controller/pkg/commsutil"
	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/semver"
	"github.com/senpai-robotics/controller/pkg/supervisor"
	"github.com/senpai-robotics/controller/pkg/ticket"
)

const logPrefix = "control:router"

// ErrBusy is returned by a Backend that is already running an action.
var ErrBusy = errors.New("control: robot busy")

// Backend is what the control surface drives.
type Backend interface {
	// GoTo reaches goal within tol and returns when the supervisor is done.
	GoTo(ctx context.Context, goal robot.Pose, tol *supervisor.Tolerance) error
	// Execute runs the declared action matching ref and returns its resolved name.
	Execute(ctx context.Context, ref string) (string, error)
	Status() robot.Status
	Actions() map[string][]string
	SetObstacles(list []obstacles.Obstacle)
	Stop(ctx context.Context) error
	Ping(ctx context.Context) (time.Duration, error)
}

// GoToParams are the goTo parameters.
type GoToParams struct {
	X           float64               `json:"x"`
	Y           float64               `json:"y"`
	Orientation float64               `json:"orientation"`
	Tolerance   *supervisor.Tolerance `json:"tolerance,omitempty"`
	// Async returns as soon as the goal is accepted; the outcome is published as an action event.
	Async bool `json:"async,omitempty"`
}

// ExecuteParams are the execute parameters.
type ExecuteParams struct {
	// Action is a versioned ref such as "grab.cube@^2" or an alias.
	Action string `json:"action"`
	Async  bool   `json:"async,omitempty"`
}

// ObstaclesParams replace the perceived dynamic obstacles.
type ObstaclesParams struct {
	Obstacles []obstacles.Obstacle `json:"obstacles"`
}

// Router routes control requests to the backend.
type Router struct {
	backend Backend
	// async jobs outlive their request; they are bounded by this context
	jobs context.Context
}

// NewRouter creates a router. Async jobs are cancelled when jobs ends.
func NewRouter(backend Backend, jobs context.Context) *Router {
	return &Router{backend: backend, jobs: jobs}
}

// Dispatch routes a request to the appropriate handler and returns a response.
func (r *Router) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	if err := semver.CheckCompatible(APIVersion, req.Ver); err != nil {
		resp := errorResponse(req.ID, CodeIncompatibleVersion, err.Error(), false)
		resp.Error.Details = map[string]string{"apiVersion": APIVersion, "requested": req.Ver}
		return resp
	}

	switch req.Method {
	case "goTo":
		return r.handleGoTo(ctx, req)
	case "execute":
		return r.handleExecute(ctx, req)
	case "status":
		return &Response{ID: req.ID, Ok: true, Result: r.backend.Status()}
	case "actions":
		return &Response{ID: req.ID, Ok: true, Result: r.backend.Actions()}
	case "obstacles":
		return r.handleObstacles(req)
	case "stop":
		if err := r.backend.Stop(ctx); err != nil {
			return errorToResponse(req.ID, err)
		}
		return &Response{ID: req.ID, Ok: true, Result: map[string]bool{"stopped": true}}
	case "ping":
		latency, err := r.backend.Ping(ctx)
		if err != nil {
			return errorToResponse(req.ID, err)
		}
		return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{
			"latencyMs":  float64(latency.Microseconds()) / 1000,
			"apiVersion": APIVersion,
		}}
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (r *Router) handleGoTo(ctx context.Context, req *Request) *Response {
	var p GoToParams
	if err := commsutil.DecodeStrict(req.Params, &p); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse goTo params", false)
	}
	if !finite(p.X, p.Y, p.Orientation) {
		return errorResponse(req.ID, CodeInvalidArgument, "goTo pose must be finite", false)
	}
	goal := robot.Pose{X: p.X, Y: p.Y, Orientation: p.Orientation}

	run := func(ctx context.Context) (interface{}, error) {
		if err := r.backend.GoTo(ctx, goal, p.Tolerance); err != nil {
			return nil, err
		}
		return map[string]interface{}{"reached": r.backend.Status().Pose}, nil
	}
	return r.run(ctx, req.ID, "goTo"+goal.String(), p.Async, run)
}

func (r *Router) handleExecute(ctx context.Context, req *Request) *Response {
	var p ExecuteParams
	if err := commsutil.DecodeStrict(req.Params, &p); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse execute params", false)
	}
	if _, err := semver.ParseRef(p.Action); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, err.Error(), false)
	}

	run := func(ctx context.Context) (interface{}, error) {
		name, err := r.backend.Execute(ctx, p.Action)
		if err != nil {
			return nil, err
		}
		return map[string]string{"action": name}, nil
	}
	return r.run(ctx, req.ID, p.Action, p.Async, run)
}

func (r *Router) handleObstacles(req *Request) *Response {
	var p ObstaclesParams
	if err := commsutil.DecodeStrict(req.Params, &p); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse obstacles params", false)
	}
	for i, o := range p.Obstacles {
		if o.Radius <= 0 || !finite(o.Center.X, o.Center.Y, o.Radius) {
			return errorResponse(req.ID, CodeInvalidArgument, fmt.Sprintf("obstacle %d: invalid geometry", i), false)
		}
	}
	r.backend.SetObstacles(p.Obstacles)
	return &Response{ID: req.ID, Ok: true, Result: map[string]int{"count": len(p.Obstacles)}}
}

// run executes fn synchronously or, for async requests, in the background with a job id.
func (r *Router) run(ctx context.Context, id, what string, async bool, fn func(context.Context) (interface{}, error)) *Response {
	if !async {
		result, err := fn(ctx)
		if err != nil {
			return errorToResponse(id, err)
		}
		return &Response{ID: id, Ok: true, Result: result}
	}

	job := uuid.NewString()
	go func() {
		if _, err := fn(r.jobs); err != nil {
			slog.Warn(fmt.Sprintf("%s - job %s (%s) failed: %v", logPrefix, job, what, err))
			return
		}
		slog.Info(fmt.Sprintf("%s - job %s (%s) done", logPrefix, job, what))
	}()
	return &Response{ID: id, Ok: true, Result: map[string]string{"job": job, "status": "accepted"}}
}

// --- helpers ---

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

// errorToResponse maps backend errors onto error codes.
func errorToResponse(id string, err error) *Response {
	var failure *supervisor.Failure
	switch {
	case errors.As(err, &failure):
		resp := errorResponse(id, CodeActionFailed, err.Error(), failure.Kind != supervisor.KindInfeasible)
		counts := make(map[string]int, len(failure.Counts))
		for k, n := range failure.Counts {
			counts[string(k)] = n
		}
		resp.Error.Details = map[string]interface{}{
			"kind":    string(failure.Kind),
			"action":  failure.Action,
			"attempt": failure.Attempt,
			"counts":  counts,
		}
		return resp
	case errors.Is(err, bootstrap.ErrUnknownAction):
		return errorResponse(id, CodeUnknownAction, err.Error(), false)
	case errors.Is(err, ErrBusy):
		return errorResponse(id, CodeBusy, err.Error(), true)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ticket.ErrTimeout):
		return errorResponse(id, CodeTimeout, err.Error(), true)
	default:
		return errorResponse(id, CodeInternal, err.Error(), true)
	}
}
