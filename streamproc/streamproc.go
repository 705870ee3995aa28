// Package streamproc implements the Stream Response Processor (C5, §4.5):
// consuming an LLM stream, incrementally extracting tool calls (native or
// XML), dispatching tools, and producing the normalized event stream callers
// see plus the reconciled assistant turn the orchestrator persists.
//
// Grounded on original_source/backend/core/agentpress/response_processor.py's
// process_streaming_response (native + XML dual convention, the
// |||STOP_AGENT||| stop sequence, per-call timeout dispatch) and on
// runtime/agent/planner/stream.go's delta-consumption shape (ConsumeStream),
// generalized from "drain into a PlanResult" to "drain, dispatch tools
// inline, and reconcile a persisted turn".
package streamproc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/threadforge/agentpress/bounds"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/telemetry"
	"github.com/threadforge/agentpress/toolerrors"
	"github.com/threadforge/agentpress/tools"
	"github.com/threadforge/agentpress/transport"
)

// StopSequence is the agreed stop sequence the LLM is instructed to emit
// after an XML tool block, preventing runaway text (§4.5 Calling
// conventions).
const StopSequence = "|||STOP_AGENT|||"

// EventKind enumerates the processor's normalized event stream (§6).
type EventKind string

const (
	// EventContent carries incremental assistant text.
	EventContent EventKind = "content"
	// EventTool carries a complete tool-result payload.
	EventTool EventKind = "tool"
	// EventStatus carries a lifecycle transition.
	EventStatus EventKind = "status"
	// EventError carries a terminal failure.
	EventError EventKind = "error"
)

// StatusState is the lifecycle value carried on a status event.
type StatusState string

const (
	StatusRunning   StatusState = "running"
	StatusCompleted StatusState = "completed"
	StatusStopped   StatusState = "stopped"
	StatusErrorState StatusState = "error"
	StatusWarning   StatusState = "warning"
)

// ToolEvent is the payload of an EventTool: a complete, dispatched tool
// result ready for persistence.
type ToolEvent struct {
	ToolCallID string
	Name       string
	ResultJSON string
	IsError    bool
	// Bounds reports the tool result's boundedness (§6), when the executor's
	// result embeds one; nil for unbounded/error results.
	Bounds *bounds.Bounds
}

// Event is one unit of the processor's output stream.
type Event struct {
	Kind         EventKind
	Content      string
	Tool         *ToolEvent
	Status       StatusState
	FinishReason transport.FinishReason
	Err          error
}

// Result summarizes one fully-consumed stream: the reconciled assistant turn
// ready for store.Append, plus the tool-result messages answering it in
// declared order (§4.5 Concurrency: "Ordering... follows declared order
// regardless of completion order").
type Result struct {
	AssistantText string
	ToolCalls     []message.ToolCall
	ToolResults   []message.Message
	FinishReason  transport.FinishReason
	Usage         *transport.Usage
	Cancelled     bool
}

// Config bounds per-call tool dispatch and enables the XML calling
// convention.
type Config struct {
	// ToolTimeout bounds one tool Executor.Invoke call. Default 60s (§5).
	ToolTimeout time.Duration
	// EnableXML turns on XML tag scanning over the growing text buffer in
	// addition to native tool-call deltas.
	EnableXML bool
	// Logger overrides the default no-op logger.
	Logger telemetry.Logger
}

func (c Config) withDefaults() Config {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	return c
}

// Processor drives the per-iteration stream-consumption state machine.
type Processor struct {
	registry *tools.Registry
	cfg      Config
}

// New constructs a Processor backed by registry for tool dispatch.
func New(registry *tools.Registry, cfg Config) *Processor {
	return &Processor{registry: registry, cfg: cfg.withDefaults()}
}

// nativeAssembly accumulates one native tool-call's fragments, keyed by the
// provider's delta index (§4.5 state machine: Idle → AssemblingNative →
// Dispatchable).
type nativeAssembly struct {
	id   string
	name string
	args string
}

// Process consumes deltas, dispatching completed tool calls against the
// registry and invoking emit for every normalized Event in order. It returns
// once the stream channel closes or cancel fires. emit is called
// synchronously so callers can apply their own backpressure (a bounded
// channel per §9's design note) without streamproc needing to know about it.
func (p *Processor) Process(ctx context.Context, deltas <-chan transport.Delta, cancel <-chan struct{}, emit func(Event)) Result {
	emit(Event{Kind: EventStatus, Status: StatusRunning})

	var (
		text      string
		native    = map[int]*nativeAssembly{}
		nativeOrd []int
		usage     *transport.Usage
		finish    transport.FinishReason
		xmlScan   xmlScanner
	)

	result := Result{}

loop:
	for {
		select {
		case <-cancel:
			result.Cancelled = true
			emit(Event{Kind: EventStatus, Status: StatusStopped})
			break loop
		case <-ctx.Done():
			result.Cancelled = true
			emit(Event{Kind: EventStatus, Status: StatusStopped})
			break loop
		case d, ok := <-deltas:
			if !ok {
				break loop
			}
			if d.TextDelta != "" {
				text += d.TextDelta
				emit(Event{Kind: EventContent, Content: d.TextDelta})
				if p.cfg.EnableXML {
					xmlScan.feed(d.TextDelta)
				}
			}
			if d.ToolCallDelta != nil {
				td := d.ToolCallDelta
				a, ok := native[td.Index]
				if !ok {
					a = &nativeAssembly{}
					native[td.Index] = a
					nativeOrd = append(nativeOrd, td.Index)
				}
				if td.ID != "" {
					a.id = td.ID
				}
				if td.Name != "" {
					a.name = td.Name
				}
				a.args += td.ArgumentsPart
			}
			if d.FinishReason != "" {
				finish = d.FinishReason
			}
			if d.Usage != nil {
				usage = d.Usage
			}
		}
	}

	result.AssistantText = text
	result.Usage = usage
	result.FinishReason = finish

	if result.Cancelled {
		return result
	}

	var declared []message.ToolCall
	for _, idx := range nativeOrd {
		a := native[idx]
		if a.name == "" {
			continue
		}
		declared = append(declared, message.ToolCall{ID: a.id, Name: a.name, Arguments: canonicalize(a.args)})
	}
	if p.cfg.EnableXML {
		declared = append(declared, xmlScan.blocks()...)
	}
	result.ToolCalls = declared

	if len(declared) == 0 {
		emit(Event{Kind: EventStatus, Status: StatusCompleted, FinishReason: finish})
		return result
	}

	emit(Event{Kind: EventStatus, Status: StatusRunning, FinishReason: transport.FinishToolCalls})
	results := p.dispatch(ctx, declared)
	for i, tc := range declared {
		tr := results[i]
		result.ToolResults = append(result.ToolResults, message.Message{
			Role:       message.RoleTool,
			ToolCallID: tc.ID,
			Content:    message.Text(tr.ResultJSON),
		})
		emit(Event{Kind: EventTool, Tool: &tr})
	}

	emit(Event{Kind: EventStatus, Status: StatusCompleted, FinishReason: finish})
	return result
}

// dispatch resolves and invokes every declared tool call. Calls are run
// concurrently only when every declared call is registered parallel-safe
// (§4.5 Concurrency); otherwise they run sequentially in declared order.
// Results are always returned in declared order regardless of completion
// order.
func (p *Processor) dispatch(ctx context.Context, calls []message.ToolCall) []ToolEvent {
	results := make([]ToolEvent, len(calls))

	if p.allParallelSafe(calls) {
		var wg sync.WaitGroup
		wg.Add(len(calls))
		for i, tc := range calls {
			go func(i int, tc message.ToolCall) {
				defer wg.Done()
				results[i] = p.invoke(ctx, tc)
			}(i, tc)
		}
		wg.Wait()
		return results
	}

	for i, tc := range calls {
		results[i] = p.invoke(ctx, tc)
	}
	return results
}

func (p *Processor) allParallelSafe(calls []message.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	for _, tc := range calls {
		d, ok := p.registry.Resolve(tools.Ident(tc.Name))
		if !ok || !d.ParallelSafe {
			return false
		}
	}
	return true
}

// invoke dispatches a single tool call, producing a structured unknown-tool
// result if the name is unregistered and a timeout result if Invoke exceeds
// the configured ToolTimeout (§4.5 Dispatch policy).
func (p *Processor) invoke(ctx context.Context, tc message.ToolCall) ToolEvent {
	desc, ok := p.registry.Resolve(tools.Ident(tc.Name))
	if !ok {
		return ToolEvent{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			ResultJSON: errorJSON(toolerrors.Errorf("unknown tool %q", tc.Name)),
			IsError:    true,
		}
	}

	if err := p.registry.Validate(tools.Ident(tc.Name), tc.Arguments); err != nil {
		return ToolEvent{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			ResultJSON: errorJSON(toolerrors.NewWithCause("invalid arguments", err)),
			IsError:    true,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := desc.Executor.Invoke(callCtx, tc.Arguments)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return ToolEvent{
				ToolCallID: tc.ID, Name: tc.Name,
				ResultJSON: errorJSON(toolerrors.FromError(o.err)), IsError: true,
			}
		}
		ev := ToolEvent{ToolCallID: tc.ID, Name: tc.Name, ResultJSON: o.result}
		if b, ok := bounds.FromResultJSON(o.result); ok {
			ev.Bounds = &b
		}
		return ev
	case <-callCtx.Done():
		return ToolEvent{
			ToolCallID: tc.ID, Name: tc.Name,
			ResultJSON: errorJSON(toolerrors.Errorf("tool %q timed out after %s", tc.Name, p.cfg.ToolTimeout)),
			IsError:    true,
		}
	}
}

func errorJSON(te *toolerrors.ToolError) string {
	b, err := json.Marshal(map[string]any{"error": te.Error()})
	if err != nil {
		return `{"error":"tool failed"}`
	}
	return string(b)
}

func canonicalize(raw string) string {
	if raw == "" {
		return "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return string(b)
}
