package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/convo/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const DefaultTimeout = 30 * time.Second

// GenerationError is returned by Generate for any upstream failure: network
// errors, non-2xx responses, timeouts and unusable payloads.
type GenerationError struct {
	Reason string // short, upstream-derived description
	Err    error
}

func (e *GenerationError) Error() string {
	return "llm: generation failed: " + e.Reason
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Client sends conversation transcripts to an OpenAI-compatible completion
// endpoint. It holds no per-conversation state and never retries.
type Client struct {
	llm          llms.Model
	timeout      time.Duration
	systemPrompt string
	callOptions  []llms.CallOption
}

type Option func(*Client)

// WithTimeout bounds a single generation call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithSystemPrompt prepends a system turn to every upstream call.
func WithSystemPrompt(prompt string) Option {
	return func(c *Client) {
		c.systemPrompt = strings.TrimSpace(prompt)
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		if t > 0 {
			c.callOptions = append(c.callOptions, llms.WithTemperature(t))
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.callOptions = append(c.callOptions, llms.WithMaxTokens(n))
		}
	}
}

func New(baseURL, token, model string, opts ...Option) (*Client, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return NewWithModel(llm, opts...), nil
}

// NewWithModel wraps an already constructed langchaingo model.
func NewWithModel(model llms.Model, opts ...Option) *Client {
	c := &Client{llm: model, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate returns the completion for the ordered turns. Every error it
// returns is a *GenerationError.
func (c *Client) Generate(ctx context.Context, turns []models.Turn) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.llm.GenerateContent(ctx, c.messageContent(turns), c.callOptions...)
	if err != nil {
		return "", &GenerationError{Reason: c.reason(ctx, err), Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", &GenerationError{Reason: "no choices in response"}
	}

	content := resp.Choices[0].Content
	if strings.TrimSpace(content) == "" {
		return "", &GenerationError{Reason: "empty completion"}
	}
	return content, nil
}

// Complete sends a single user prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.Generate(ctx, []models.Turn{{Role: models.RoleUser, Content: prompt}})
}

func (c *Client) messageContent(turns []models.Turn) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(turns)+1)
	if c.systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, c.systemPrompt))
	}
	for _, t := range turns {
		messages = append(messages, llms.TextParts(messageType(t.Role), t.Content))
	}
	return messages
}

// messageType maps a stored role onto the upstream chat roles. Roles are not
// validated on write, so anything unrecognised is replayed as the user.
func messageType(role string) llms.ChatMessageType {
	switch role {
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}

func (c *Client) reason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("timed out after %s", c.timeout)
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, openai.ErrEmptyResponse):
		return "empty response"
	default:
		return err.Error()
	}
}
