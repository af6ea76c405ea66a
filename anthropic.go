package main

import (
	"context"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
)

type anthropicCompleter struct {
	client    *anthropic.Client
	modelName string
}

func newAnthropicCompleter(apiKey, baseURL, model string) *anthropicCompleter {
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &anthropicCompleter{client: anthropic.NewClient(apiKey, opts...), modelName: model}
}

func (c *anthropicCompleter) model() string { return c.modelName }

func (c *anthropicCompleter) complete(ctx context.Context, system, user string) (string, error) {
	temperature := float32(0.3)
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:  anthropic.Model(c.modelName),
		System: system,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(user),
		},
		MaxTokens:   100,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("error creating Anthropic message: %w", err)
	}

	if len(resp.Content) == 0 || resp.Content[0].Type != anthropic.MessagesContentTypeText {
		return "", fmt.Errorf("unexpected response format from Anthropic")
	}

	return resp.Content[0].GetText(), nil
}
