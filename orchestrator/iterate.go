package orchestrator

import (
	"context"
	"time"

	"github.com/threadforge/agentpress/autocontinue"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/modelreg"
	"github.com/threadforge/agentpress/pairing"
	"github.com/threadforge/agentpress/store"
	"github.com/threadforge/agentpress/streamproc"
	"github.com/threadforge/agentpress/tools"
	"github.com/threadforge/agentpress/transport"
)

// runState carries the per-turn state one call to Run thread across its
// auto-continue iterations: the prefetched history/usage, the vision-model
// decision, and the memory block counted once on the first iteration
// (SPEC_FULL.md supplement #6).
type runState struct {
	o   *Orchestrator
	req RunRequest

	modelID      string
	memoryBlock  *message.Message
	memoryTokens int
	prefetch     prefetchResult
	streamer     transport.Streamer
	processor    *streamproc.Processor
	out          chan<- streamproc.Event

	iteration       int
	lastUsage       *transport.Usage
	lastAssistantID string
}

// iterate runs one LLM call + stream-processing + persistence cycle. It
// satisfies autocontinue.IterateFunc.
func (r *runState) iterate(ctx context.Context, modelID string, stripToolContent bool) (autocontinue.IterationResult, error) {
	r.iteration++

	history, err := r.loadHistory(ctx)
	if err != nil {
		return autocontinue.IterationResult{}, err
	}

	repairResult := pairing.ValidatePairing(history)
	if !repairResult.Valid {
		history = r.persistPairingRepair(ctx, history, repairResult)
	}
	ordering := pairing.ValidateOrdering(history)
	if !ordering.Ordered {
		history = r.persistOrderingRepair(ctx, history, ordering)
	}

	if stripToolContent {
		history = pairing.StripAllToolContent(history)
		_ = r.o.cfg.Store.SetCacheNeedsRebuild(ctx, r.req.ThreadID, true)
	}

	needsRebuild, _ := r.o.cfg.Store.GetCacheNeedsRebuild(ctx, r.req.ThreadID)

	estimatedTotal := r.fastPathEstimate(ctx, history)
	compressed, err := r.o.cfg.Compressor.Compress(ctx, history, modelID, r.req.SystemPrompt, estimatedTotal)
	if err != nil {
		return autocontinue.IterationResult{}, err
	}
	if len(compressed) != len(history) {
		_ = r.o.cfg.Store.SetCacheNeedsRebuild(ctx, r.req.ThreadID, true)
		needsRebuild = true
	}

	assembled := r.o.cfg.Assembler.Assemble(r.req.SystemPrompt, r.memoryBlock, compressed, needsRebuild)
	if needsRebuild {
		_ = r.o.cfg.Store.SetCacheNeedsRebuild(ctx, r.req.ThreadID, false)
	}

	// §4.7 step 7: recount the actual assembled prompt and, if it crossed
	// the same tiered safety threshold used to trigger compression despite
	// the earlier fast-path estimate, compress again and reassemble. Mirrors
	// thread_manager.py's post-assembly `actual_tokens >= safety_threshold`
	// late-compression branch.
	actualTokens, err := r.o.cfg.Accountant.Count(ctx, modelID, assembled.Messages, "")
	if err == nil {
		safetyThreshold := modelreg.MaxTokens(r.o.cfg.ModelRegistry.ContextWindow(modelID))
		if actualTokens >= safetyThreshold {
			r.o.cfg.Logger.Warn(ctx, "pre-send over threshold, compressing now", "actual_tokens", actualTokens, "threshold", safetyThreshold)
			compressed, err = r.o.cfg.Compressor.Compress(ctx, compressed, modelID, r.req.SystemPrompt, &actualTokens)
			if err != nil {
				return autocontinue.IterationResult{}, err
			}
			_ = r.o.cfg.Store.SetCacheNeedsRebuild(ctx, r.req.ThreadID, true)
			assembled = r.o.cfg.Assembler.Assemble(r.req.SystemPrompt, r.memoryBlock, compressed, true)
			_ = r.o.cfg.Store.SetCacheNeedsRebuild(ctx, r.req.ThreadID, false)
		}
	}

	params := r.req.Params
	params.Tools = toolSchemas(r.o.cfg.ToolRegistry)
	if r.o.cfg.EnableXMLTooling {
		params.Stop = append(append([]string{}, params.Stop...), streamproc.StopSequence)
	}

	deltas, err := r.streamer.Stream(ctx, assembled.Messages, modelID, params)
	if err != nil {
		return autocontinue.IterationResult{}, err
	}

	result := r.processor.Process(ctx, deltas, r.req.Cancel, func(e streamproc.Event) {
		emitEvent(r.out, r.req.Cancel, e)
	})
	if result.Cancelled {
		return autocontinue.IterationResult{FinishReason: transport.FinishStop}, nil
	}

	usage := result.Usage
	if usage == nil {
		est := r.o.cfg.Accountant.Estimate(ctx, assembled.Messages, result.AssistantText, modelID)
		usage = &est
	}
	r.lastUsage = usage

	assistantMsg := message.Message{
		Role:      message.RoleAssistant,
		Content:   message.Text(result.AssistantText),
		ToolCalls: result.ToolCalls,
		Metadata: message.Metadata{
			store.MetaKeyUsage:   *usage,
			store.MetaKeyModelID: modelID,
		},
		CreatedAt: time.Now(),
	}
	assistantID, err := r.o.cfg.Store.Append(ctx, r.req.ThreadID, assistantMsg)
	if err != nil {
		return autocontinue.IterationResult{}, err
	}
	r.lastAssistantID = assistantID

	for _, tr := range result.ToolResults {
		tr.CreatedAt = time.Now()
		if _, err := r.o.cfg.Store.Append(ctx, r.req.ThreadID, tr); err != nil {
			r.o.cfg.Logger.Error(ctx, "failed to persist tool result", "err", err, "thread_id", r.req.ThreadID)
		}
	}

	return autocontinue.IterationResult{FinishReason: result.FinishReason}, nil
}

// loadHistory returns the working history for this iteration: the prefetched
// snapshot on the first iteration, a fresh store fetch on every auto-continue
// iteration after (since the previous iteration appended new messages).
func (r *runState) loadHistory(ctx context.Context) ([]message.Message, error) {
	if r.iteration == 1 {
		return r.prefetch.history, nil
	}
	return r.o.cfg.Store.List(ctx, r.req.ThreadID, false)
}

func (r *runState) persistPairingRepair(ctx context.Context, history []message.Message, result pairing.Result) []message.Message {
	if len(result.Orphaned) > 0 {
		// Orphaned holds tool_call_ids; the store flags rows by message id.
		orphaned := map[string]bool{}
		for _, id := range result.Orphaned {
			orphaned[id] = true
		}
		var messageIDs []string
		for _, m := range history {
			if m.IsToolResult() && orphaned[m.ToolCallID] {
				messageIDs = append(messageIDs, m.ID)
			}
		}
		if _, err := r.o.cfg.Store.MarkToolResultsOmitted(ctx, r.req.ThreadID, messageIDs); err != nil {
			r.o.cfg.Logger.Error(ctx, "failed to persist orphan repair", "err", err)
		}
	}
	if len(result.Unanswered) > 0 {
		if _, err := r.o.cfg.Store.RemoveToolCallsFromAssistants(ctx, r.req.ThreadID, result.Unanswered); err != nil {
			r.o.cfg.Logger.Error(ctx, "failed to persist unanswered-call repair", "err", err)
		}
	}
	return pairing.Repair(history)
}

func (r *runState) persistOrderingRepair(ctx context.Context, history []message.Message, result pairing.OrderingResult) []message.Message {
	if len(result.OutOfOrder) > 0 {
		if _, err := r.o.cfg.Store.RemoveToolCallsFromAssistants(ctx, r.req.ThreadID, result.OutOfOrder); err != nil {
			r.o.cfg.Logger.Error(ctx, "failed to persist ordering repair", "err", err)
		}
	}
	out := pairing.RemoveOutOfOrderToolPairs(history, result.OutOfOrder)
	return pairing.Repair(out)
}

// fastPathEstimate implements SPEC_FULL.md supplement #2:
// estimated_total = last_total_tokens + new_user_tokens + memory_tokens,
// computed only on the first iteration of a run (auto-continue iterations
// already have last_total_tokens baked into the latest persisted usage and
// no new user message arrives mid-run). Returns nil to force the compressor's
// full token count when no prior usage record exists yet (a thread's first
// turn).
func (r *runState) fastPathEstimate(ctx context.Context, history []message.Message) *int {
	if r.iteration != 1 || !r.prefetch.hasUsage {
		return nil
	}

	lastTotal := r.prefetch.lastUsage.Usage.PromptTokens + r.prefetch.lastUsage.Usage.CompletionTokens

	newUserTokens := 0
	if content, ok, err := r.o.cfg.Store.GetLatestUserMessage(ctx, r.req.ThreadID); err == nil && ok {
		n, err := r.o.cfg.Accountant.Count(ctx, r.modelID, []message.Message{{Role: message.RoleUser, Content: content}}, "")
		if err == nil {
			newUserTokens = n
		}
	}

	total := lastTotal + newUserTokens + r.memoryTokens
	return &total
}

func toolSchemas(registry *tools.Registry) []transport.ToolSchema {
	descs := registry.Schemas()
	out := make([]transport.ToolSchema, 0, len(descs))
	for _, d := range descs {
		out = append(out, transport.ToolSchema{
			Name:        string(d.Name),
			Description: d.Description,
			Schema:      d.Schema,
		})
	}
	return out
}
