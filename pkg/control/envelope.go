// Package control serves the controller's request/reply surface on COMMS: goals, actions,
// status, obstacle updates, emergency stop and ping.
package control

import "encoding/json"

// APIVersion is checked against the optional Ver range of each request.
const APIVersion = "1.0.0"

// Error codes.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeMethodNotFound      = "METHOD_NOT_FOUND"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeIncompatibleVersion = "INCOMPATIBLE_VERSION"
	CodeUnknownAction       = "UNKNOWN_ACTION"
	CodeBusy                = "BUSY"
	CodeActionFailed        = "ACTION_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
)

// Request is the JSON envelope for incoming control requests.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	// Ver is an optional SemVer range the caller requires of the API (e.g. "^1").
	Ver string             `json:"ver,omitempty"`
	Ctx *InvocationContext `json:"ctx,omitempty"`
}

// Response is the JSON envelope for control responses.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	Operator      string `json:"operator,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}
