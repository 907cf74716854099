package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/collabforge/collab-backend/internal/log"
	"github.com/collabforge/collab-backend/internal/tree"
)

var (
	ErrTimeout  = errors.New("ai provider timed out")
	ErrProvider = errors.New("ai provider error")
)

// systemPrompt instructs the model to reply with a structured JSON payload.
// Only the fileTree field is acted on by the engine; text, buildCommand and
// startCommand ride through to clients unmodified.
const systemPrompt = `You are an expert full-stack developer collaborating inside a shared project workspace.
Always respond with a single JSON object of the shape:
{"text": "<explanation for the chat>", "fileTree": {...}, "buildCommand": {"mainItem": "npm", "commands": ["install"]}, "startCommand": {"mainItem": "npm", "commands": ["start"]}}
Include "fileTree" only when you create or modify project files. A fileTree maps names to nodes; a node is either {"file": {"contents": "<full file contents>"}} or {"directory": {<child nodes>}}.
Return the complete file tree, not a diff: it fully replaces the project's previous tree. Never use file names containing "/".
For questions that need no code changes, reply {"text": "<answer>"}.`

// Config holds settings for the completion client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client calls the OpenAI chat completion API.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewClient creates a completion client.
func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

// Complete sends the prompt with the current file tree as context and
// returns the raw reply text. The call is bounded by the configured
// timeout; expiry is reported as ErrTimeout.
func (c *Client) Complete(ctx context.Context, prompt string, contextTree tree.Tree) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}

	if len(contextTree) > 0 {
		treeJSON, err := json.Marshal(contextTree)
		if err == nil {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Current project file tree:\n" + string(treeJSON),
			})
		}
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if len(resp.Choices) == 0 {
		log.Error().Str("model", c.model).Msg("completion response has no choices")
		return "", fmt.Errorf("%w: empty response", ErrProvider)
	}

	log.Debug().
		Str("model", c.model).
		Str("finishReason", string(resp.Choices[0].FinishReason)).
		Int("totalTokens", resp.Usage.TotalTokens).
		Msg("completion finished")

	return resp.Choices[0].Message.Content, nil
}
