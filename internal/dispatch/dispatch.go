// Package dispatch implements the Tool Dispatch Core: a
// registry of the full tool catalog, the Normalize -> Lookup -> Execute ->
// AttachWarnings pipeline, and TOOL_NOT_FOUND handling. Grounded on the
// generic Stage[In,Out] pipeline in
// JeffreyRichter-MCP/internal/stages/stages.go, reused here unmodified
// since it is pure plumbing with no domain content of its own; the
// handler registry itself is grounded on mcpsvr/policies.go's pattern of
// one small function per HTTP route, generalized to one small function
// per tool name.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/graphmcp/server/internal/envelope"
	"github.com/graphmcp/server/internal/normalize"
	"github.com/graphmcp/server/internal/stages"
)

// Handler executes one tool call against already-normalized arguments and
// the caller's session id.
type Handler func(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope

// MetricsRecorder is the narrow surface the Prometheus registry exposes for
// dispatch latency/outcome observation.
type MetricsRecorder interface {
	ObserveDispatch(tool, outcome string, start time.Time)
}

// Core holds the tool registry and runs the dispatch pipeline.
type Core struct {
	registry map[string]Handler
	metrics  MetricsRecorder
}

// New constructs an empty Core; call Register for every tool before use.
func New() *Core {
	return &Core{registry: map[string]Handler{}}
}

// SetMetrics wires a MetricsRecorder in; every Dispatch call afterward
// records its outcome and latency through it. Passing nil disables recording.
func (c *Core) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Register adds (or replaces) the handler for toolName.
func (c *Core) Register(toolName string, h Handler) {
	c.registry[toolName] = h
}

// Names returns every registered tool name, used by tools_list.
func (c *Core) Names() []string {
	out := make([]string, 0, len(c.registry))
	for name := range c.registry {
		out = append(out, name)
	}
	return out
}

// dispatchState threads the in-flight call through the Stage pipeline.
type dispatchState struct {
	sessionID string
	toolName  string
	args      normalize.Args
	warnings  []string
	result    *envelope.Envelope
}

// Dispatch runs the full pipeline: Normalize, Lookup, Execute, AttachWarnings.
// Handler exceptions are never recovered here: a panicking handler
// propagates out of Dispatch so a supervising layer can observe it.
func (c *Core) Dispatch(ctx context.Context, sessionID, toolName string, rawArgs map[string]any) *envelope.Envelope {
	args := normalize.Args(rawArgs)
	if args == nil {
		args = normalize.Args{}
	}

	pipeline := stages.Stages[*dispatchState, *dispatchState]{
		c.normalizeStage,
		c.lookupStage,
		c.executeStage,
		c.attachWarningsStage,
	}

	start := time.Now()
	st := &dispatchState{sessionID: sessionID, toolName: toolName, args: args}
	result := pipeline.Next(ctx, st).result

	if c.metrics != nil {
		outcome := "error"
		if result != nil && result.OK {
			outcome = "ok"
		}
		c.metrics.ObserveDispatch(toolName, outcome, start)
	}
	return result
}

func (c *Core) normalizeStage(ctx context.Context, st *dispatchState) *dispatchState {
	st.warnings = normalize.Apply(st.toolName, st.args)
	return st
}

func (c *Core) lookupStage(ctx context.Context, st *dispatchState) *dispatchState {
	h, ok := c.registry[st.toolName]
	if !ok {
		st.result = envelope.ErrCode("TOOL_NOT_FOUND", fmt.Sprintf("no tool named %q is registered", st.toolName), false)
		return st
	}
	st.result = h(ctx, st.sessionID, st.args)
	return st
}

// executeStage is a no-op placeholder: lookupStage already invoked the
// handler, since the handler IS the execute step. It exists so the
// pipeline's shape mirrors the dispatch contract's four named steps
// one-to-one.
func (c *Core) executeStage(ctx context.Context, st *dispatchState) *dispatchState {
	return st
}

func (c *Core) attachWarningsStage(ctx context.Context, st *dispatchState) *dispatchState {
	if st.result != nil && st.result.OK && len(st.warnings) > 0 {
		st.result = st.result.WithWarnings(st.warnings)
	}
	return st
}

// ArgString reads a string argument, returning "" if absent or the wrong type.
func ArgString(args normalize.Args, key string) string {
	s, _ := args[key].(string)
	return s
}

// ArgBool reads a bool argument, returning def if absent or the wrong type.
func ArgBool(args normalize.Args, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// ArgInt reads an int-like argument (int or float64, as JSON-decoded
// numbers arrive), returning def if absent.
func ArgInt(args normalize.Args, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// ArgStringSlice reads a []string argument from either a native []string or
// a decoded []any of strings.
func ArgStringSlice(args normalize.Args, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
