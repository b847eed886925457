// Package calculator is a small set of executors used to exercise an MCP session
// end to end: arithmetic, echo, and a cancellable sleep.
package calculator

import (
	"time"

	"github.com/MegaGrindStone/go-mcp-mux"
)

// Method names registered by Register.
const (
	MethodAdd      = "add"
	MethodSubtract = "subtract"
	MethodEcho     = "echo"
	MethodSleep    = "sleep"
)

const operandsSchema = `{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`

const echoSchema = `{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  }
}`

const sleepSchema = `{
  "type": "object",
  "properties": {
    "durationMs": { "type": "integer", "minimum": 0 }
  },
  "required": ["durationMs"]
}`

// Operands are the params of add and subtract.
type Operands struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// SumResult is the result of add.
type SumResult struct {
	Total float64 `json:"total"`
}

// DifferenceResult is the result of subtract.
type DifferenceResult struct {
	Difference float64 `json:"difference"`
}

// EchoParams are the params, and the result, of echo.
type EchoParams struct {
	Message string `json:"message"`
}

// SleepParams are the params of sleep.
type SleepParams struct {
	DurationMs int64 `json:"durationMs"`
}

// SleepResult is the result of sleep.
type SleepResult struct {
	SleptMs int64 `json:"sleptMs"`
}

// Register adds the calculator methods to h.
func Register(h *mcp.Handler) {
	h.HandleMethod(MethodAdd, mcp.Method(add, mcp.WithParamsSchema(operandsSchema)))
	h.HandleMethod(MethodSubtract, mcp.Method(subtract, mcp.WithParamsSchema(operandsSchema)))
	h.HandleMethod(MethodEcho, mcp.Method(echo, mcp.WithParamsSchema(echoSchema)))
	h.HandleMethod(MethodSleep, mcp.Method(sleep, mcp.WithParamsSchema(sleepSchema)))
}

func add(_ *mcp.RequestContext, in Operands) (SumResult, error) {
	return SumResult{Total: in.A + in.B}, nil
}

func subtract(_ *mcp.RequestContext, in Operands) (DifferenceResult, error) {
	return DifferenceResult{Difference: in.A - in.B}, nil
}

func echo(_ *mcp.RequestContext, in EchoParams) (EchoParams, error) {
	return in, nil
}

// sleep waits for the requested duration, or until the request is cancelled.
func sleep(rc *mcp.RequestContext, in SleepParams) (SleepResult, error) {
	start := time.Now()
	timer := time.NewTimer(time.Duration(in.DurationMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return SleepResult{SleptMs: time.Since(start).Milliseconds()}, nil
	case <-rc.Context().Done():
		return SleepResult{}, rc.Context().Err()
	}
}
