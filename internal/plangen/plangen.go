// Package plangen generates task plans from a project goal using an LLM.
package plangen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable is returned when the upstream model cannot be reached
// or returns an unusable response.
var ErrUnavailable = errors.New("plan generation unavailable")

// Task is a single generated plan step.
type Task struct {
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	DueDate string `json:"due_date,omitempty"`
	Done    bool   `json:"done"`
}

// Plan is the generated task breakdown for a goal.
type Plan struct {
	Tasks []Task `json:"tasks"`
}

// Generator produces a plan for a goal and optional target date.
type Generator interface {
	Generate(ctx context.Context, goal string, targetDate *time.Time) (Plan, error)
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI implements Generator against the OpenAI chat completions API.
type OpenAI struct {
	client chatClient
	model  string
}

// NewOpenAI creates a generator using the given API key and model.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

const systemPrompt = `You break a project goal down into a short, actionable task plan.
Respond with JSON only, shaped as {"tasks": [{"title": "...", "detail": "...", "due_date": "YYYY-MM-DD"}]}.
Use between 3 and 10 tasks. Omit due_date when the user gives no target date.`

// Generate asks the model for a task breakdown of the goal.
func (g *OpenAI) Generate(ctx context.Context, goal string, targetDate *time.Time) (Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Plan{}, errors.New("goal is required")
	}

	userPrompt := "Goal: " + goal
	if targetDate != nil {
		userPrompt += "\nTarget date: " + targetDate.Format("2006-01-02")
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return Plan{}, fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &plan); err != nil {
		return Plan{}, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	if len(plan.Tasks) == 0 {
		return Plan{}, fmt.Errorf("%w: no tasks generated", ErrUnavailable)
	}
	return plan, nil
}
