package main

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowPrompt(t *testing.T) {
	req := &mcp.GetPromptRequest{Params: &mcp.GetPromptParams{
		Arguments: map[string]string{"datatype": "all-anat"},
	}}
	res, err := workflowPrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text := res.Messages[0].Content.(*mcp.TextContent).Text
	assert.Contains(t, text, "all-anat")

	// without an argument the prompt falls back to everything
	req = &mcp.GetPromptRequest{Params: &mcp.GetPromptParams{}}
	res, err = workflowPrompt(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, res.Messages[0].Content.(*mcp.TextContent).Text, "\"all\"")
}

func TestElicitedPackageID(t *testing.T) {
	// JSON numbers arrive as floats
	id, err := elicitedPackageID(float64(1234567))
	require.NoError(t, err)
	assert.Equal(t, 1234567, id)

	id, err = elicitedPackageID(" 1234567 ")
	require.NoError(t, err)
	assert.Equal(t, 1234567, id)

	_, err = elicitedPackageID(nil)
	require.Error(t, err)
	_, err = elicitedPackageID("package")
	require.Error(t, err)
}

func TestComplete(t *testing.T) {
	res, err := complete(context.Background(), &mcp.CompleteRequest{
		Params: &mcp.CompleteParams{Ref: &mcp.CompleteReference{Type: "ref/resource"}},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Completion.Values, "datatypes")

	res, err = complete(context.Background(), &mcp.CompleteRequest{
		Params: &mcp.CompleteParams{Ref: &mcp.CompleteReference{Type: "ref/prompt"}},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Completion.Values, "workflow")

	_, err = complete(context.Background(), &mcp.CompleteRequest{
		Params: &mcp.CompleteParams{Ref: &mcp.CompleteReference{Type: "ref/unknown"}},
	})
	require.Error(t, err)
}
