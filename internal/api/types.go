package api

import (
	"judge-sandbox/internal/sandbox"
)

// ExecutionRequest is the body of POST /execute.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecutionResponse is the wire form of sandbox.ExecutionResult.
// ExitStatus is null when the program never exited on its own.
type ExecutionResponse struct {
	ID             string  `json:"id"`
	Language       string  `json:"language"`
	Stdout         string  `json:"stdout"`
	ExitStatus     *int    `json:"exit_status"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	ErrorKind      string  `json:"error_kind,omitempty"`
	Error          string  `json:"error,omitempty"`
	CodeHash       string  `json:"code_hash"`
	TimedOut       bool    `json:"timed_out"`
}

// NewExecutionResponse converts a result, rounding elapsed time to milliseconds.
func NewExecutionResponse(res sandbox.ExecutionResult) ExecutionResponse {
	return ExecutionResponse{
		ID:             res.ID,
		Language:       res.Language,
		Stdout:         res.Stdout,
		ExitStatus:     res.ExitStatus,
		ElapsedSeconds: res.ElapsedSeconds(),
		ErrorKind:      string(res.ErrorKind),
		Error:          res.Error,
		CodeHash:       res.CodeHash,
		TimedOut:       res.ErrorKind == sandbox.KindTimeout,
	}
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	ID        string `json:"id"`
	Extension string `json:"extension"`
	Image     string `json:"image"`
	Strategy  string `json:"strategy"`
}

type LanguagesResponse struct {
	Languages []LanguageInfo `json:"languages"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Backend   string            `json:"backend"`
	Runtime   bool              `json:"runtime"`
	Pool      sandbox.PoolStats `json:"pool"`
	LiveUnits int               `json:"live_units"`
	Uptime    string            `json:"uptime"`
}
