package runstream

import (
	"context"
	"strings"
)

// EventKind discriminates the typed events an execution engine emits.
type EventKind string

const (
	KindTextDelta  EventKind = "text_delta"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindDone       EventKind = "done"
)

// Event is one unit of an execution engine's response stream. The
// engine itself is a black box; this package only consumes its output.
type Event struct {
	Kind EventKind

	// Text carries the delta for text_delta events.
	Text string

	// Tool fields are set on tool_call and tool_result events.
	ToolName   string
	ToolInput  string
	ToolOutput string

	// Err is set on done events that ended abnormally.
	Err error
}

// ToolTrace is one tool invocation reconstructed from the stream.
type ToolTrace struct {
	Name   string
	Input  string
	Output string
}

// ExecutionState is the aggregate of one consumed response stream.
type ExecutionState struct {
	Output     string
	ToolTraces []ToolTrace
	Done       bool
	Err        error
}

// Collect drains the stream into an ExecutionState. Text deltas
// concatenate into Output; a tool result attaches to the most recent
// call of the same name still awaiting one. Cancellation stops
// consumption and returns whatever was aggregated so far; the producer
// unwinds naturally once the consumer stops reading.
func Collect(ctx context.Context, events <-chan Event) ExecutionState {
	var (
		out   strings.Builder
		state ExecutionState
	)

	for {
		select {
		case <-ctx.Done():
			state.Output = out.String()
			state.Err = ctx.Err()
			return state
		case ev, ok := <-events:
			if !ok {
				state.Output = out.String()
				return state
			}
			switch ev.Kind {
			case KindTextDelta:
				out.WriteString(ev.Text)
			case KindToolCall:
				state.ToolTraces = append(state.ToolTraces, ToolTrace{
					Name:  ev.ToolName,
					Input: ev.ToolInput,
				})
			case KindToolResult:
				attachResult(state.ToolTraces, ev)
			case KindDone:
				state.Output = out.String()
				state.Done = true
				state.Err = ev.Err
				return state
			}
		}
	}
}

// attachResult pairs a result with the latest unresolved call for the
// tool. An unmatched result is dropped rather than failing collection.
func attachResult(traces []ToolTrace, ev Event) {
	for i := len(traces) - 1; i >= 0; i-- {
		if traces[i].Name == ev.ToolName && traces[i].Output == "" {
			traces[i].Output = ev.ToolOutput
			return
		}
	}
}
