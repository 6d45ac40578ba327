package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/postopcare/followup/internal/models"
)

func TestParseInterpretationPlainJSON(t *testing.T) {
	content := `{"reply": "Any fever?", "updated_answers": {"pain_at_rest": "3"}, "is_complete": false, "urgency_level": "low", "needs_doctor_alert": false}`

	result, err := parseInterpretation(content)
	if err != nil {
		t.Fatalf("parseInterpretation failed: %v", err)
	}
	if result.Reply != "Any fever?" {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.UpdatedAnswers[models.SlotPainAtRest] != "3" {
		t.Errorf("updated answers = %v", result.UpdatedAnswers)
	}
	if result.IsComplete || result.NeedsDoctorAlert {
		t.Errorf("unexpected flags: %+v", result)
	}
}

func TestParseInterpretationCodeFences(t *testing.T) {
	for _, content := range []string{
		"```json\n{\"reply\": \"ok\", \"is_complete\": true}\n```",
		"```\n{\"reply\": \"ok\", \"is_complete\": true}\n```",
		"  {\"reply\": \"ok\", \"is_complete\": true}  ",
	} {
		result, err := parseInterpretation(content)
		if err != nil {
			t.Fatalf("parseInterpretation(%q) failed: %v", content, err)
		}
		if result.Reply != "ok" || !result.IsComplete {
			t.Errorf("parseInterpretation(%q) = %+v", content, result)
		}
	}
}

func TestParseInterpretationNilAnswersBecomeEmpty(t *testing.T) {
	result, err := parseInterpretation(`{"reply": "hi"}`)
	if err != nil {
		t.Fatalf("parseInterpretation failed: %v", err)
	}
	if result.UpdatedAnswers == nil {
		t.Error("updated answers should be an empty map, not nil")
	}
}

func TestParseInterpretationInvalidJSON(t *testing.T) {
	if _, err := parseInterpretation("sorry, I cannot help with that"); err == nil {
		t.Error("expected error for non-JSON content")
	}
}

// fakeCompletions captures the request and returns a canned completion.
type fakeCompletions struct {
	params openai.ChatCompletionNewParams
	resp   *openai.ChatCompletion
	err    error
}

func (f *fakeCompletions) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.params = params
	return f.resp, f.err
}

func completionWith(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func interpretationInput() models.InterpretationInput {
	return models.InterpretationInput{
		ReplyText: "pain is about 4",
		Patient:   models.Patient{ID: "pat-1", Name: "Maria Souza"},
		Surgery:   models.Surgery{ID: "sur-1", Procedure: "hemorrhoidectomy"},
		ContextWindow: []models.ChatMessage{
			{Role: "assistant", Content: "How is your pain at rest?"},
			{Role: "user", Content: "hello"},
		},
		PartialAnswers: models.AnswerMap{models.SlotFever: "no"},
		DayNumber:      2,
	}
}

func TestInterpretReplyAssemblesMessages(t *testing.T) {
	fake := &fakeCompletions{resp: completionWith(`{"reply": "Any bleeding?", "updated_answers": {"pain_at_rest": "4"}}`)}
	client := &Client{completions: fake, model: DefaultModel}

	result, err := client.InterpretReply(context.Background(), interpretationInput())
	if err != nil {
		t.Fatalf("InterpretReply failed: %v", err)
	}
	if result.Reply != "Any bleeding?" || result.UpdatedAnswers[models.SlotPainAtRest] != "4" {
		t.Errorf("unexpected result %+v", result)
	}

	// System prompt, two window messages, and the current reply.
	if len(fake.params.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(fake.params.Messages))
	}
	system := fake.params.Messages[0].OfSystem
	if system == nil {
		t.Fatal("first message is not a system message")
	}
	prompt := system.Content.OfString.Value
	for _, want := range []string{"day 2", "Maria Souza", "hemorrhoidectomy", models.SlotFever} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q:\n%s", want, prompt)
		}
	}
	if fake.params.Messages[1].OfAssistant == nil {
		t.Error("window assistant message not mapped to assistant role")
	}
	if fake.params.Messages[3].OfUser == nil {
		t.Error("current reply not appended as user message")
	}
	if fake.params.ResponseFormat.OfJSONObject == nil {
		t.Error("JSON response format not requested")
	}
}

func TestInterpretReplyRequestErrorWrapped(t *testing.T) {
	fake := &fakeCompletions{err: errors.New("rate limited")}
	client := &Client{completions: fake, model: DefaultModel}

	_, err := client.InterpretReply(context.Background(), interpretationInput())
	if err == nil || !strings.Contains(err.Error(), "interpretation request failed") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestInterpretReplyNoChoices(t *testing.T) {
	fake := &fakeCompletions{resp: &openai.ChatCompletion{}}
	client := &Client{completions: fake, model: DefaultModel}

	if _, err := client.InterpretReply(context.Background(), interpretationInput()); err == nil {
		t.Error("expected error when the API returns no choices")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without API key")
	}
	if _, err := NewClient(WithAPIKey("sk-test"), WithModel("gpt-4o")); err != nil {
		t.Errorf("expected client with explicit key, got %v", err)
	}
}
