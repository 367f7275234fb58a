// Package anthropic adapts the Anthropic Messages API to the
// generate.Client contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/Docfold-Labs/docfold/internal/generate"
)

// Options configures the Anthropic adapter (model id, temperature, max
// tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Client wraps the Anthropic Messages API behind generate.Client.
type Client struct {
	client *anthropic.Client
	opts   Options
}

// NewClient creates a new Anthropic client using the official SDK
func NewClient(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// NewClientFromSDK creates an adapter from an existing SDK client
func NewClientFromSDK(client *anthropic.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Complete performs a single non-streaming generation call. Requests with a
// schema force a tool call and return its input as the structured object.
func (c *Client) Complete(ctx context.Context, req generate.Request) (*generate.Result, error) {
	params := anthropic.MessageNewParams{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: anthropic.Float(c.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	schemaName := req.SchemaName
	if schemaName == "" {
		schemaName = generate.DefaultSchemaName
	}
	if req.Schema != nil {
		params.Tools = []anthropic.ToolUnionParam{buildTool(schemaName, req.Schema)}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: schemaName},
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic: %v", generate.ErrUnavailable, err)
	}

	result := &generate.Result{
		Usage: generate.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			if toolBlock.Name != schemaName {
				continue
			}
			if raw, err := json.Marshal(toolBlock.Input); err == nil {
				result.Object = raw
			}
		}
	}
	if req.Schema != nil && result.Object == nil {
		return nil, fmt.Errorf("anthropic: model returned no %q tool call", schemaName)
	}
	return result, nil
}

// buildTool converts a JSON schema into the SDK's tool parameter
func buildTool(name string, schema map[string]any) anthropic.ToolUnionParam {
	inputSchema := anthropic.ToolInputSchemaParam{
		Type: constant.Object("object"),
	}
	if properties, ok := schema["properties"]; ok {
		inputSchema.Properties = properties
	}
	if required, ok := schema["required"]; ok {
		inputSchema.Required = toStringSlice(required)
	}
	return anthropic.ToolUnionParamOfTool(inputSchema, name)
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
