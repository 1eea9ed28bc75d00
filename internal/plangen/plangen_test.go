package plangen

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

type stubChatClient struct {
	content string
	err     error
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func TestGenerateParsesPlan(t *testing.T) {
	g := &OpenAI{
		client: &stubChatClient{content: `{"tasks":[{"title":"Draft outline"},{"title":"Review","due_date":"2026-09-01"}]}`},
		model:  "gpt-4o-mini",
	}

	plan, err := g.Generate(context.Background(), "Write a book", nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(plan.Tasks))
	}
	if plan.Tasks[0].Title != "Draft outline" {
		t.Errorf("unexpected first task %+v", plan.Tasks[0])
	}
	if plan.Tasks[1].DueDate != "2026-09-01" {
		t.Errorf("unexpected due date %q", plan.Tasks[1].DueDate)
	}
}

func TestGenerateEmptyGoal(t *testing.T) {
	g := &OpenAI{client: &stubChatClient{}, model: "gpt-4o-mini"}
	if _, err := g.Generate(context.Background(), "  ", nil); err == nil {
		t.Error("expected error for empty goal")
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	g := &OpenAI{client: &stubChatClient{err: errors.New("connection refused")}, model: "gpt-4o-mini"}
	if _, err := g.Generate(context.Background(), "Launch a product", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestGenerateMalformedResponse(t *testing.T) {
	g := &OpenAI{client: &stubChatClient{content: "sure, here is your plan"}, model: "gpt-4o-mini"}
	if _, err := g.Generate(context.Background(), "Launch a product", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestGenerateEmptyTaskList(t *testing.T) {
	g := &OpenAI{client: &stubChatClient{content: `{"tasks":[]}`}, model: "gpt-4o-mini"}
	if _, err := g.Generate(context.Background(), "Launch a product", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
