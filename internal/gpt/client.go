// internal/gpt/client.go
package gpt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"diet-report/config"
	"diet-report/internal/report"

	"github.com/sashabaranov/go-openai"
)

var (
	ErrEmptyResponse = errors.New("no response from GPT API")
	ErrTruncated     = errors.New("GPT response was cut off")
)

const systemPrompt = "You are an experienced registered dietitian. You write long-form, " +
	"personalized nutrition reports as self-contained HTML fragments " +
	"(no <html>, <head> or <body> tags). You never recommend a food the client " +
	"must avoid, and you never change the numeric targets you are given."

// completer is the part of the OpenAI client the writer uses.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client writes report content with an OpenAI chat model.
type Client struct {
	client    completer
	model     string
	maxTokens int
}

func NewClient(cfg config.GPTConfig) *Client {
	c := &Client{
		client:    openai.NewClient(cfg.APIKey),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
	if c.model == "" {
		c.model = openai.GPT4o
	}
	return c
}

// payload is the structured input sent to the model.
type payload struct {
	Macros        any    `json:"macros"`
	FoodGuide     any    `json:"food_guide"`
	HealthProfile any    `json:"health_profile"`
	Goal          string `json:"goal"`
	Name          string `json:"name,omitempty"`
}

func buildPrompt(in report.GenerationInput) (string, error) {
	raw, err := json.MarshalIndent(payload{
		Macros:        in.Macros,
		FoodGuide:     in.Guide,
		HealthProfile: in.Profile.Health,
		Goal:          in.Profile.Goal,
		Name:          in.Profile.Name,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode generation input: %w", err)
	}

	var avoid []string
	for _, ex := range in.Guide.Excluded {
		avoid = append(avoid, ex.Food)
	}
	avoid = append(avoid, in.Guide.Avoid...)
	avoidLine := "none"
	if len(avoid) > 0 {
		avoidLine = strings.Join(avoid, ", ")
	}

	return fmt.Sprintf(
		"Write a personalized nutrition report for the client described by this JSON:\n\n%s\n\n"+
			"The report must include:\n"+
			"1. The daily calorie target and the protein, fat and carbohydrate grams exactly as given\n"+
			"2. A food list built only from the admissible foods in food_guide\n"+
			"3. A 7-day meal plan following food_guide.meal_pattern\n"+
			"4. Hydration and electrolyte guidance\n"+
			"5. Notes addressing the health profile (medications, conditions, symptoms)\n\n"+
			"Never mention or recommend any of these foods or ingredients: %s.\n",
		raw, avoidLine,
	), nil
}

// Write implements report.Writer.
func (c *Client) Write(ctx context.Context, in report.GenerationInput) (string, error) {
	prompt, err := buildPrompt(in)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.7,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return "", ErrTruncated
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
