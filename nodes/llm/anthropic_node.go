// Package llmnode is a host-defined Node whose Execute phase calls out to
// an external LLM service. The engine core knows nothing about it; it plugs
// in through the same Registry any host node does.
package llmnode

import (
	"context"
	"errors"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/resumegraph/resumegraph/workflow"
)

// AnthropicNode calls the Anthropic Messages API with a prompt read from
// shared state and writes the completion text back into shared state.
// Prepare reads `PromptKey` (or, if missing and AllowInput is set, asks the
// host for it via request_input); Execute calls the API; Cleanup writes the
// result to `ResultKey`.
//
// Retry and fallback are the engine's own policy (workflow.Retryable /
// workflow.Fallback); the node does not wrap the SDK call in its own retry
// loop.
type AnthropicNode struct {
	workflow.BaseNode

	APIKey    string
	Model     string
	PromptKey string
	ResultKey string

	// AllowInput lets Prepare fall back to request_input when PromptKey is
	// absent from shared state, demonstrating a node that both suspends
	// the run and calls an external service.
	AllowInput bool

	maxRetries int
	retryWait  time.Duration

	client anthropicClient
}

// NewAnthropicNode builds an AnthropicNode reading promptKey from shared
// state and writing the completion to resultKey. modelName defaults to
// "claude-sonnet-4-5-20250929" when empty.
func NewAnthropicNode(apiKey, modelName, promptKey, resultKey string) *AnthropicNode {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicNode{
		APIKey:     apiKey,
		Model:      modelName,
		PromptKey:  promptKey,
		ResultKey:  resultKey,
		maxRetries: 3,
	}
}

// RetryPolicy implements workflow.Retryable: transient API errors (rate
// limits, overload) are retried by the engine's node runtime around Execute
// alone.
func (n *AnthropicNode) RetryPolicy() (maxRetries int, wait time.Duration) {
	return n.maxRetries, n.retryWait
}

// preparedRequest is the value Prepare returns and Execute consumes.
type preparedRequest struct {
	prompt string
}

// Prepare reads the prompt from shared state, or requests it from the host
// when AllowInput is set and the key is absent.
func (n *AnthropicNode) Prepare(ctx context.Context, shared map[string]any, requestInput workflow.RequestInputFunc) (any, error) {
	if v, ok := shared[n.PromptKey]; ok {
		if s, ok := v.(string); ok && s != "" {
			return preparedRequest{prompt: s}, nil
		}
	}
	if !n.AllowInput {
		return nil, fmt.Errorf("llmnode: shared state has no prompt at key %q", n.PromptKey)
	}
	val, err := requestInput(ctx, "Enter a prompt for the model", nil, "text", "")
	if err != nil {
		return nil, err
	}
	prompt, ok := val.(string)
	if !ok {
		return nil, errors.New("llmnode: delivered input was not a string")
	}
	return preparedRequest{prompt: prompt}, nil
}

// Execute calls the Anthropic Messages API with the prepared prompt.
func (n *AnthropicNode) Execute(ctx context.Context, prepared any) (any, error) {
	req, ok := prepared.(preparedRequest)
	if !ok {
		return nil, errors.New("llmnode: unexpected prepared value")
	}
	if n.APIKey == "" {
		return nil, errors.New("llmnode: ANTHROPIC_API_KEY is required")
	}

	cl := n.client
	if cl == nil {
		cl = &defaultAnthropicClient{apiKey: n.APIKey, modelName: n.Model}
	}
	return cl.complete(ctx, req.prompt)
}

// ExecFallback implements workflow.Fallback: when every retry attempt of
// Execute has failed, record a placeholder result instead of failing the
// whole run.
func (n *AnthropicNode) ExecFallback(_ context.Context, _ any, cause error) (any, error) {
	return fmt.Sprintf("[llm unavailable: %v]", cause), nil
}

// Cleanup writes the completion text into shared state under ResultKey.
func (n *AnthropicNode) Cleanup(_ context.Context, shared map[string]any, _ any, result any) (any, error) {
	shared[n.ResultKey] = result
	return result, nil
}

// anthropicClient is the seam mocked in tests.
type anthropicClient interface {
	complete(ctx context.Context, prompt string) (string, error)
}

type defaultAnthropicClient struct {
	apiKey    string
	modelName string
}

func (c *defaultAnthropicClient) complete(ctx context.Context, prompt string) (string, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	resp, err := client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		MaxTokens: 4096,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var out string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out != "" {
				out += "\n"
			}
			out += tb.Text
		}
	}
	return out, nil
}
