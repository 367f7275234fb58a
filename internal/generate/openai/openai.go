// Package openai adapts the OpenAI Chat Completions API to the
// generate.Client contract.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Docfold-Labs/docfold/internal/generate"
)

// Options configure the OpenAI adapter. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal; extend via functional
// options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Client wraps the OpenAI Chat Completions API behind generate.Client.
type Client struct {
	client *openai.Client
	opts   Options
}

// NewClient creates a new OpenAI client using the official SDK
func NewClient(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// NewClientFromSDK creates an adapter from an existing SDK client
func NewClientFromSDK(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Complete performs a single non-streaming generation call. Requests with a
// schema expose a single named tool and return its arguments as the
// structured object; a response without that tool call is an error so
// callers can fall back.
func (c *Client) Complete(ctx context.Context, req generate.Request) (*generate.Result, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.opts.Model,
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
	}
	if req.Model != "" {
		params.Model = req.Model
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}

	schemaName := req.SchemaName
	if schemaName == "" {
		schemaName = generate.DefaultSchemaName
	}
	if req.Schema != nil {
		params.Tools = []openai.ChatCompletionToolParam{{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        schemaName,
				Description: openai.String("Return the structured result."),
				Parameters:  req.Schema,
			},
		}}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %v", generate.ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices returned")
	}

	choice := resp.Choices[0]
	result := &generate.Result{
		Text: choice.Message.Content,
		Usage: generate.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name != schemaName || tc.Function.Arguments == "" {
			continue
		}
		result.Object = json.RawMessage(tc.Function.Arguments)
		break
	}
	if req.Schema != nil && result.Object == nil {
		return nil, fmt.Errorf("openai: model returned no %q tool call", schemaName)
	}
	return result, nil
}
