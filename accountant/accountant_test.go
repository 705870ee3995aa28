package accountant_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threadforge/agentpress/accountant"
	"github.com/threadforge/agentpress/message"
	"github.com/threadforge/agentpress/modelreg"
	"github.com/threadforge/agentpress/transport"
)

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) CountTokens(context.Context, []message.Message, string, string) (int, error) {
	return f.n, f.err
}

func TestCountUsesProviderCounterWhenAvailable(t *testing.T) {
	reg := modelreg.New(modelreg.Descriptor{ID: "claude-x", Provider: "anthropic"})
	a := accountant.New(reg, accountant.WithProviderCounter("anthropic", fakeCounter{n: 42}))
	n, err := a.Count(context.Background(), "claude-x", []message.Message{{Content: message.Text("hi")}}, "")
	require.NoError(t, err)
	require.Equal(t, 42, n)
}

func TestCountFallsBackToGenericOnProviderError(t *testing.T) {
	reg := modelreg.New(modelreg.Descriptor{ID: "claude-x", Provider: "anthropic"})
	a := accountant.New(reg, accountant.WithProviderCounter("anthropic", fakeCounter{err: errors.New("boom")}))
	n, err := a.Count(context.Background(), "claude-x", []message.Message{{Content: message.Text("hello world")}}, "")
	require.NoError(t, err)
	require.Greater(t, n, 0)
}

func TestEstimateFlagsEstimated(t *testing.T) {
	reg := modelreg.New()
	a := accountant.New(reg)
	usage := a.Estimate(context.Background(), []message.Message{{Content: message.Text("hello there")}}, "hi", "unknown-model")
	require.GreaterOrEqual(t, usage.PromptTokens, 0)
	require.GreaterOrEqual(t, usage.CompletionTokens, 0)
	require.True(t, usage.Estimated)
}

func TestEstimateFlagsEstimatedEvenWhenProviderCounterSucceeds(t *testing.T) {
	reg := modelreg.New(modelreg.Descriptor{ID: "claude-x", Provider: "anthropic"})
	a := accountant.New(reg, accountant.WithProviderCounter("anthropic", fakeCounter{n: 42}))
	usage := a.Estimate(context.Background(), []message.Message{{Content: message.Text("hello there")}}, "hi", "claude-x")
	require.Equal(t, 42, usage.PromptTokens)
	require.True(t, usage.Estimated, "Estimate is only called when the transport returned no usage block, so it must always flag Estimated regardless of which counting tier succeeded")
}
