// Package genai provides the reasoning-service client used to interpret
// free-text patient replies, backed by the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/postopcare/followup/internal/models"
)

// DefaultModel is the chat model used for reply interpretation.
const DefaultModel = openai.ChatModelGPT4oMini

const systemPromptTemplate = `You are a clinical assistant conducting a post-operative day %d follow-up questionnaire over chat.
Patient: %s. Procedure: %s.
You must collect these slots: pain_at_rest (0-10), pain_during_bowel_movement (0-10), bleeding (none|mild|moderate|severe), fever (yes|no), bowel_movement_occurred (yes|no).
Partial answers collected so far: %s

Respond with a single JSON object:
{"reply": "<next message to the patient>", "updated_answers": {<slot>: <value>, ...}, "is_complete": <bool>, "urgency_level": "low|medium|high|critical", "needs_doctor_alert": <bool>, "image_directives": [{"url": "...", "caption": "..."}]}
Set is_complete to true only when every slot has a value. Keep replies short, warm, and ask one question at a time.`

// completionsService is the minimal chat-completions surface, extracted so
// tests can substitute a fake.
type completionsService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat-completions API behind the interpreter
// contract consumed by the flow package.
type Client struct {
	completions completionsService
	model       string
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model)
	return &Client{completions: &cli.Chat.Completions, model: cfg.Model}, nil
}

// InterpretReply evaluates one patient reply against the questionnaire
// state and returns the interpreter's structured verdict.
func (c *Client) InterpretReply(ctx context.Context, input models.InterpretationInput) (*models.InterpretationResult, error) {
	partialJSON, err := json.Marshal(input.PartialAnswers)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize partial answers: %w", err)
	}

	systemPrompt := fmt.Sprintf(systemPromptTemplate,
		input.DayNumber, input.Patient.Name, input.Surgery.Procedure, string(partialJSON))

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(input.ContextWindow)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range input.ContextWindow {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(input.ReplyText))

	resp, err := c.completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		slog.Error("GenAI InterpretReply request failed", "error", err)
		return nil, fmt.Errorf("interpretation request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	result, err := parseInterpretation(content)
	if err != nil {
		slog.Error("GenAI InterpretReply parse failed", "error", err, "content_length", len(content))
		return nil, err
	}
	slog.Debug("GenAI InterpretReply succeeded", "isComplete", result.IsComplete, "urgency", result.UrgencyLevel, "doctorAlert", result.NeedsDoctorAlert)
	return result, nil
}

// parseInterpretation decodes the model's JSON verdict, tolerating markdown
// code fences some models wrap around JSON output.
func parseInterpretation(content string) (*models.InterpretationResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result models.InterpretationResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to decode interpretation: %w", err)
	}
	if result.UpdatedAnswers == nil {
		result.UpdatedAnswers = models.AnswerMap{}
	}
	return &result, nil
}
