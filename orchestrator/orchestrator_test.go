package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadforge/agentpress/accountant"
	"github.com/threadforge/agentpress/assembler"
	"github.com/threadforge/agentpress/billing"
	"github.com/threadforge/agentpress/compressor"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/modelreg"
	"github.com/threadforge/agentpress/orchestrator"
	"github.com/threadforge/agentpress/store"
	"github.com/threadforge/agentpress/store/inmem"
	"github.com/threadforge/agentpress/streamproc"
	"github.com/threadforge/agentpress/telemetry"
	"github.com/threadforge/agentpress/tools"
	"github.com/threadforge/agentpress/transport"
)

// recordingLogger captures Warn calls so tests can assert the late-
// compression safety net (§4.7 step 7) actually ran.
type recordingLogger struct {
	telemetry.Logger
	warnings []string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: telemetry.NewNoopLogger()}
}

func (l *recordingLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.warnings = append(l.warnings, msg)
}

type fakeMemory struct {
	block *message.Message
}

func (m fakeMemory) FetchBlock(ctx context.Context, accountID, threadID string) (*message.Message, error) {
	return m.block, nil
}

func newRegistry() *modelreg.Registry {
	return modelreg.New(modelreg.Descriptor{
		ID: "model-a", Provider: "anthropic", ContextWindow: 200_000,
		NativeToolCalls: true, TransportID: "model-a-transport",
	})
}

type fakeStreamer struct {
	deltas []transport.Delta
	// block, if non-nil, holds Stream's returned channel open until it is
	// closed by the test, for deterministically testing in-flight behavior.
	block chan struct{}

	lastMessages []message.Message
	lastParams   transport.Params
}

func (f *fakeStreamer) Stream(ctx context.Context, messages []message.Message, modelID string, params transport.Params) (<-chan transport.Delta, error) {
	f.lastMessages = messages
	f.lastParams = params
	ch := make(chan transport.Delta, len(f.deltas)+1)
	for _, d := range f.deltas {
		ch <- d
	}
	if f.block != nil {
		go func() {
			<-f.block
			close(ch)
		}()
		return ch, nil
	}
	close(ch)
	return ch, nil
}

func newOrchestrator(t *testing.T, st store.Store, streamer transport.Streamer) *orchestrator.Orchestrator {
	t.Helper()
	return newOrchestratorWithConfig(t, st, streamer, func(cfg *orchestrator.Config) {})
}

func newOrchestratorWithConfig(t *testing.T, st store.Store, streamer transport.Streamer, tweak func(*orchestrator.Config)) *orchestrator.Orchestrator {
	t.Helper()
	reg := newRegistry()
	acct := accountant.New(reg)
	toolReg, err := tools.New()
	require.NoError(t, err)

	cfg := orchestrator.Config{
		Store:         st,
		ModelRegistry: reg,
		ToolRegistry:  toolReg,
		Accountant:    acct,
		Compressor:    compressor.New(acct, reg),
		Assembler:     assembler.New(),
		Streamer:      func(string) (transport.Streamer, error) { return streamer, nil },
		Billing:       billing.New(billing.NoopSink{}, nil),
	}
	tweak(&cfg)
	return orchestrator.New(cfg)
}

func drain(t *testing.T, ch <-chan streamproc.Event) []streamproc.Event {
	t.Helper()
	var events []streamproc.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestRunCompletesSimpleTurn(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	_, err := st.Append(ctx, "t1", message.Message{Role: message.RoleUser, Content: message.Text("hello")})
	require.NoError(t, err)

	streamer := &fakeStreamer{deltas: []transport.Delta{
		{TextDelta: "hi there"},
		{FinishReason: transport.FinishStop, Usage: &transport.Usage{PromptTokens: 10, CompletionTokens: 2}},
	}}

	orch := newOrchestrator(t, st, streamer)

	out, err := orch.Run(ctx, orchestrator.RunRequest{
		ThreadID: "t1", AccountID: "acct1", SystemPrompt: "be nice", ModelID: "model-a",
	})
	require.NoError(t, err)

	events := drain(t, out)
	require.NotEmpty(t, events)

	history, err := st.List(ctx, "t1", false)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, message.RoleAssistant, history[1].Role)
	require.Equal(t, "hi there", history[1].Content.AsText())

	rec, ok, err := st.GetLastUsageRecord(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10, rec.Usage.PromptTokens)
}

func TestRunRejectsConcurrentRunsOnSameThread(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	block := make(chan struct{})
	streamer := &fakeStreamer{deltas: []transport.Delta{{TextDelta: "slow"}}, block: block}
	orch := newOrchestrator(t, st, streamer)

	cancel := make(chan struct{})
	out, err := orch.Run(ctx, orchestrator.RunRequest{ThreadID: "t2", AccountID: "acct1", ModelID: "model-a", Cancel: cancel})
	require.NoError(t, err)

	_, err = orch.Run(ctx, orchestrator.RunRequest{ThreadID: "t2", AccountID: "acct1", ModelID: "model-a"})
	require.Error(t, err)

	close(block)
	drain(t, out)
	close(cancel)
}

func TestRunHonorsCancelImmediately(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	streamer := &fakeStreamer{deltas: []transport.Delta{{TextDelta: "unused"}}}
	orch := newOrchestrator(t, st, streamer)

	cancel := make(chan struct{})
	close(cancel)

	out, err := orch.Run(ctx, orchestrator.RunRequest{ThreadID: "t3", AccountID: "acct1", ModelID: "model-a", Cancel: cancel})
	require.NoError(t, err)

	events := drain(t, out)
	require.NotEmpty(t, events)
	require.Equal(t, streamproc.EventStatus, events[0].Kind)
	require.Equal(t, streamproc.StatusStopped, events[0].Status)
}

func TestRunSetsStopSequenceWhenXMLToolingEnabled(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	_, err := st.Append(ctx, "t4", message.Message{Role: message.RoleUser, Content: message.Text("hello")})
	require.NoError(t, err)

	streamer := &fakeStreamer{deltas: []transport.Delta{
		{TextDelta: "hi there"},
		{FinishReason: transport.FinishStop, Usage: &transport.Usage{PromptTokens: 10, CompletionTokens: 2}},
	}}

	orch := newOrchestratorWithConfig(t, st, streamer, func(cfg *orchestrator.Config) {
		cfg.EnableXMLTooling = true
	})

	out, err := orch.Run(ctx, orchestrator.RunRequest{ThreadID: "t4", AccountID: "acct1", ModelID: "model-a"})
	require.NoError(t, err)
	drain(t, out)

	require.Contains(t, streamer.lastParams.Stop, streamproc.StopSequence)
}

func TestRunDoesNotSetStopSequenceWhenXMLToolingDisabled(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	_, err := st.Append(ctx, "t5", message.Message{Role: message.RoleUser, Content: message.Text("hello")})
	require.NoError(t, err)

	streamer := &fakeStreamer{deltas: []transport.Delta{
		{TextDelta: "hi there"},
		{FinishReason: transport.FinishStop, Usage: &transport.Usage{PromptTokens: 10, CompletionTokens: 2}},
	}}

	orch := newOrchestrator(t, st, streamer)

	out, err := orch.Run(ctx, orchestrator.RunRequest{ThreadID: "t5", AccountID: "acct1", ModelID: "model-a"})
	require.NoError(t, err)
	drain(t, out)

	require.NotContains(t, streamer.lastParams.Stop, streamproc.StopSequence)
}

func TestRunRecompressesWhenAssembledPromptCrossesSafetyThreshold(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	_, err := st.Append(ctx, "t6", message.Message{Role: message.RoleUser, Content: message.Text("hi")})
	require.NoError(t, err)

	streamer := &fakeStreamer{deltas: []transport.Delta{
		{TextDelta: "hi there"},
		{FinishReason: transport.FinishStop, Usage: &transport.Usage{PromptTokens: 10, CompletionTokens: 2}},
	}}

	// A small context window keeps the bare history comfortably under
	// max_tokens so the ordinary Compress call is a no-op, but the injected
	// memory block is large enough to push the *assembled* prompt (system +
	// memory + history) over the same tiered threshold, forcing the step-7
	// late-compression path.
	reg := modelreg.New(modelreg.Descriptor{
		ID: "model-a", Provider: "anthropic", ContextWindow: 100,
		NativeToolCalls: true, TransportID: "model-a-transport",
	})
	acct := accountant.New(reg)
	toolReg, err := tools.New()
	require.NoError(t, err)

	var bigText string
	for i := 0; i < 500; i++ {
		bigText += "padding token filler text "
	}
	logger := newRecordingLogger()

	orch := orchestrator.New(orchestrator.Config{
		Store:         st,
		ModelRegistry: reg,
		ToolRegistry:  toolReg,
		Accountant:    acct,
		Compressor:    compressor.New(acct, reg),
		Assembler:     assembler.New(),
		Streamer:      func(string) (transport.Streamer, error) { return streamer, nil },
		Billing:       billing.New(billing.NoopSink{}, nil),
		Memory:        fakeMemory{block: &message.Message{Role: message.RoleUser, Content: message.Text(bigText)}},
		Logger:        logger,
	})

	out, err := orch.Run(ctx, orchestrator.RunRequest{ThreadID: "t6", AccountID: "acct1", SystemPrompt: "be nice", ModelID: "model-a"})
	require.NoError(t, err)
	drain(t, out)

	require.Contains(t, logger.warnings, "pre-send over threshold, compressing now")
}
