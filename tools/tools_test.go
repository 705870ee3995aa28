package tools_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threadforge/agentpress/tools"
)

const searchSchema = `{
  "type": "object",
  "properties": {"query": {"type": "string"}},
  "required": ["query"]
}`

func TestResolveUnknownTool(t *testing.T) {
	reg, err := tools.New()
	require.NoError(t, err)
	_, ok := reg.Resolve("search")
	require.False(t, ok)
}

func TestValidateAcceptsConformingArguments(t *testing.T) {
	reg, err := tools.New(tools.Descriptor{
		Name:   "search",
		Schema: []byte(searchSchema),
		Executor: tools.ExecutorFunc(func(ctx context.Context, args string) (string, error) {
			return `{"results":[]}`, nil
		}),
	})
	require.NoError(t, err)

	require.NoError(t, reg.Validate("search", `{"query":"go"}`))
	require.Error(t, reg.Validate("search", `{}`))
}

func TestValidateWithNoSchemaAcceptsAnything(t *testing.T) {
	reg, err := tools.New(tools.Descriptor{Name: "noop"})
	require.NoError(t, err)
	require.NoError(t, reg.Validate("noop", `{"anything":true}`))
}

func TestSchemasListsAllDescriptors(t *testing.T) {
	reg, err := tools.New(
		tools.Descriptor{Name: "a"},
		tools.Descriptor{Name: "b"},
	)
	require.NoError(t, err)
	require.Len(t, reg.Schemas(), 2)
}
