package gpt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"diet-report/internal/dietfilter"
	"diet-report/internal/macros"
	"diet-report/internal/models"
	"diet-report/internal/report"

	"github.com/sashabaranov/go-openai"
)

type fakeCompleter struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func reply(content string, reason openai.FinishReason) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		FinishReason: reason,
	}}}
}

func input() report.GenerationInput {
	return report.GenerationInput{
		ReportID: "r1",
		Profile: models.Profile{
			Goal:   "lose",
			Health: models.HealthProfile{Allergies: "dairy", Medications: "metformin"},
		},
		Macros: macros.Result{Calories: 2322, ProteinG: 164, FatG: 185},
		Guide: dietfilter.Guide{
			DietType: "carnivore",
			Excluded: []dietfilter.Exclusion{{Food: "Butter", Reason: "dairy allergy"}},
			Avoid:    []string{"ground beef"},
		},
	}
}

func TestWriteSendsStructuredPrompt(t *testing.T) {
	fc := &fakeCompleter{resp: reply("  <h1>Plan</h1>  ", openai.FinishReasonStop)}
	c := &Client{client: fc, model: "gpt-4o", maxTokens: 4000}

	out, err := c.Write(context.Background(), input())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out != "<h1>Plan</h1>" {
		t.Fatalf("unexpected content %q", out)
	}
	if fc.req.Model != "gpt-4o" || fc.req.MaxTokens != 4000 || len(fc.req.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", fc.req)
	}
	prompt := fc.req.Messages[1].Content
	for _, want := range []string{`"calories": 2322`, "metformin", "Butter, ground beef"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt is missing %q:\n%s", want, prompt)
		}
	}
}

func TestWriteRejectsUnusableResponses(t *testing.T) {
	cases := []struct {
		name string
		resp openai.ChatCompletionResponse
		err  error
		want error
	}{
		{"no choices", openai.ChatCompletionResponse{}, nil, ErrEmptyResponse},
		{"blank", reply("   ", openai.FinishReasonStop), nil, ErrEmptyResponse},
		{"truncated", reply("<h1>Pl", openai.FinishReasonLength), nil, ErrTruncated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{client: &fakeCompleter{resp: tc.resp, err: tc.err}, model: "m"}
			if _, err := c.Write(context.Background(), input()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	boom := errors.New("429 rate limited")
	c := &Client{client: &fakeCompleter{err: boom}, model: "m"}
	if _, err := c.Write(context.Background(), input()); !errors.Is(err, boom) {
		t.Fatalf("API errors should pass through, got %v", err)
	}
}

var _ report.Writer = (*Client)(nil)
