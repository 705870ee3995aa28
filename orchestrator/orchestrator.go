// Package orchestrator implements the Thread Orchestrator (C7, §4.7): the
// engine's public entry point, wiring the Token Accountant (C1), Context
// Compressor (C2), Tool-Call Pairing Invariant (C3), Prompt Assembler (C4),
// Stream Response Processor (C5), and Auto-Continue Controller (C6) into one
// bounded per-turn pipeline, plus prefetch, vision model switching, and
// billing emission.
//
// Grounded on original_source/backend/core/agentpress/thread_manager.py's
// _execute_run (the per-iteration pipeline and prefetch/fast-path logic) and
// on runtime/agent/runtime/runtime.go's plain-goroutine driving loop (no
// durable-workflow substrate — see DESIGN.md's dropped-dependency entry for
// go.temporal.io/sdk).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threadforge/agentpress/accountant"
	"github.com/threadforge/agentpress/assembler"
	"github.com/threadforge/agentpress/autocontinue"
	"github.com/threadforge/agentpress/billing"
	"github.com/threadforge/agentpress/compressor"
	"github.com/threadforge/agentpress/imagecache"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/modelreg"
	"github.com/threadforge/agentpress/pairing"
	"github.com/threadforge/agentpress/store"
	"github.com/threadforge/agentpress/streamproc"
	"github.com/threadforge/agentpress/telemetry"
	"github.com/threadforge/agentpress/tools"
	"github.com/threadforge/agentpress/transport"
)

// historyFetchTimeout and lastUsageFetchTimeout bound the prefetch stage
// (§5 Timeouts).
const (
	historyFetchTimeout   = 10 * time.Second
	lastUsageFetchTimeout = 5 * time.Second
)

// MemoryProvider is the optional pure-read-side memory block supplier (§6):
// fetch_block(account_id, thread_id) → message?.
type MemoryProvider interface {
	FetchBlock(ctx context.Context, accountID, threadID string) (*message.Message, error)
}

// StreamerResolver returns the transport.Streamer to use for a given model
// id, so the orchestrator can switch transports on overload fallback or
// vision-model switching without depending on one fixed streamer.
type StreamerResolver func(modelID string) (transport.Streamer, error)

// Config wires every collaborator and per-run policy knob.
type Config struct {
	Store            store.Store
	ModelRegistry    *modelreg.Registry
	ToolRegistry     *tools.Registry
	Accountant       *accountant.Accountant
	Compressor       *compressor.Compressor
	Assembler        *assembler.Assembler
	Streamer         StreamerResolver
	Billing          *billing.Recorder
	ImageCache       *imagecache.Cache
	Memory           MemoryProvider
	AutoContinue     autocontinue.Config
	StreamProc       streamproc.Config
	VisionModelID    string // fallback model used when the thread has images but modelID lacks vision support
	EnableXMLTooling bool
	Logger           telemetry.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	return c
}

// RunRequest is one call to Run: one user turn against an existing thread
// (the triggering user message is assumed already appended to the store by
// the caller, matching thread_manager.py's contract that run_thread is
// invoked after the user's message is persisted).
type RunRequest struct {
	ThreadID     string
	AccountID    string
	SystemPrompt string
	ModelID      string
	Params       transport.Params
	Cancel       <-chan struct{}
}

// Orchestrator is the Thread Orchestrator (C7).
type Orchestrator struct {
	cfg Config

	runLocksMu sync.Mutex
	runLocks   map[string]bool
}

// New constructs an Orchestrator. Store, ModelRegistry, ToolRegistry,
// Accountant, Compressor, Assembler, and Streamer are required; all other
// fields are optional.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg.withDefaults(), runLocks: make(map[string]bool)}
}

// Run is the public entry point (§4.7): `run_thread(thread_id, system_prompt,
// model, cfg, cancel) → stream of events`. The returned channel is closed
// once the turn terminates; events are emitted in order with a bounded
// buffer to provide backpressure against a misbehaving consumer (§9 design
// note: "unbounded buffers invite OOM").
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (<-chan streamproc.Event, error) {
	if !o.acquireRunLock(req.ThreadID) {
		return nil, &RunInProgressError{ThreadID: req.ThreadID}
	}

	out := make(chan streamproc.Event, 16)
	go func() {
		defer close(out)
		defer o.releaseRunLock(req.ThreadID)
		o.runTurn(ctx, req, out)
	}()
	return out, nil
}

// RunInProgressError is returned when Run is called for a thread that
// already has an active run (§5: "the core assumes at-most-one concurrent
// run per thread").
type RunInProgressError struct{ ThreadID string }

func (e *RunInProgressError) Error() string {
	return "orchestrator: run already in progress for thread " + e.ThreadID
}

func (o *Orchestrator) acquireRunLock(threadID string) bool {
	o.runLocksMu.Lock()
	defer o.runLocksMu.Unlock()
	if o.runLocks[threadID] {
		return false
	}
	o.runLocks[threadID] = true
	return true
}

func (o *Orchestrator) releaseRunLock(threadID string) {
	o.runLocksMu.Lock()
	defer o.runLocksMu.Unlock()
	delete(o.runLocks, threadID)
}

// prefetchResult is the outcome of the concurrent history + last-usage fetch.
type prefetchResult struct {
	history   []message.Message
	lastUsage store.UsageRecord
	hasUsage  bool
}

func emitEvent(out chan<- streamproc.Event, cancel <-chan struct{}, e streamproc.Event) {
	select {
	case out <- e:
	case <-cancel:
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, req RunRequest, out chan streamproc.Event) {
	select {
	case <-req.Cancel:
		emitEvent(out, req.Cancel, streamproc.Event{Kind: streamproc.EventStatus, Status: streamproc.StatusStopped})
		return
	default:
	}

	modelID := o.resolveModel(ctx, req)

	pre := o.prefetch(ctx, req.ThreadID)

	var memoryBlock *message.Message
	memoryTokens := 0
	if o.cfg.Memory != nil {
		if m, err := o.cfg.Memory.FetchBlock(ctx, req.AccountID, req.ThreadID); err == nil && m != nil {
			memoryBlock = m
			memoryTokens, _ = o.cfg.Accountant.Count(ctx, modelID, []message.Message{*m}, "")
		}
	}

	streamer, err := o.cfg.Streamer(o.cfg.ModelRegistry.TransportID(modelID))
	if err != nil {
		emitEvent(out, req.Cancel, streamproc.Event{Kind: streamproc.EventError, Err: err})
		return
	}

	processor := streamproc.New(o.cfg.ToolRegistry, o.cfg.StreamProc)

	run := &runState{
		o:            o,
		req:          req,
		modelID:      modelID,
		memoryBlock:  memoryBlock,
		memoryTokens: memoryTokens,
		prefetch:     pre,
		streamer:     streamer,
		processor:    processor,
		out:          out,
	}

	outcome := autocontinue.Run(ctx, o.cfg.AutoContinue, req.AccountID, modelID, req.Cancel, run.iterate)

	switch outcome.Status {
	case autocontinue.StatusStopped:
		emitEvent(out, req.Cancel, streamproc.Event{Kind: streamproc.EventStatus, Status: streamproc.StatusStopped})
	case autocontinue.StatusError:
		emitEvent(out, req.Cancel, streamproc.Event{Kind: streamproc.EventError, Err: outcome.Err})
	}
	if outcome.CapExhausted {
		emitEvent(out, req.Cancel, streamproc.Event{
			Kind:    streamproc.EventContent,
			Content: "\n\n[auto-continue limit reached; stopping here]",
		})
	}

	// §6/§8 invariant 6: a best-effort UsageReport is always emitted, even on
	// a failed or cancelled turn, using whatever was accumulated.
	if run.lastUsage != nil && o.cfg.Billing != nil {
		o.cfg.Billing.Record(ctx, billing.Record{
			AccountID: req.AccountID,
			ThreadID:  req.ThreadID,
			MessageID: run.lastAssistantID,
			ModelID:   run.modelID,
			Usage:     *run.lastUsage,
		})
	}
}

// resolveModel applies §4.7's vision-model switching: if the requested model
// lacks vision support and the thread is known (via the Redis-backed hint,
// asymmetric TTL) to contain images, silently switch to the configured
// vision-capable model for this run only — the thread's default model is
// unchanged.
func (o *Orchestrator) resolveModel(ctx context.Context, req RunRequest) string {
	if o.cfg.ModelRegistry.SupportsVision(req.ModelID) || o.cfg.VisionModelID == "" || o.cfg.ImageCache == nil {
		return req.ModelID
	}
	hasImages, ok, err := o.cfg.ImageCache.Get(ctx, req.ThreadID)
	if err != nil || !ok || !hasImages {
		return req.ModelID
	}
	o.cfg.Logger.Info(ctx, "switching to vision-capable model for this run", "thread_id", req.ThreadID, "from", req.ModelID, "to", o.cfg.VisionModelID)
	return o.cfg.VisionModelID
}

// prefetch concurrently fetches full history and the last usage record with
// short timeouts (§5), falling back to an in-line best-effort fetch if the
// concurrent attempt fails or times out — the Orchestrator never blocks a
// turn indefinitely on prefetch (§4.7 "both are awaited with short timeouts;
// if prefetch fails, fall back to in-line fetches").
func (o *Orchestrator) prefetch(ctx context.Context, threadID string) prefetchResult {
	var res prefetchResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hctx, cancel := context.WithTimeout(gctx, historyFetchTimeout)
		defer cancel()
		h, err := o.cfg.Store.List(hctx, threadID, false)
		if err != nil {
			return err
		}
		res.history = h
		return nil
	})
	g.Go(func() error {
		uctx, cancel := context.WithTimeout(gctx, lastUsageFetchTimeout)
		defer cancel()
		u, ok, err := o.cfg.Store.GetLastUsageRecord(uctx, threadID)
		if err != nil {
			return err
		}
		res.lastUsage, res.hasUsage = u, ok
		return nil
	})

	if err := g.Wait(); err != nil {
		o.cfg.Logger.Warn(ctx, "prefetch failed, falling back to in-line fetch", "thread_id", threadID, "err", err)
		if h, err := o.cfg.Store.List(ctx, threadID, false); err == nil {
			res.history = h
		}
		if u, ok, err := o.cfg.Store.GetLastUsageRecord(ctx, threadID); err == nil {
			res.lastUsage, res.hasUsage = u, ok
		}
	}
	return res
}

// This file makes no other use of pairing; this reference keeps its import
// in use. iterate.go imports pairing itself for runState.iterate's calls.
var _ = pairing.Repair
