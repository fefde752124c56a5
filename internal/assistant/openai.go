package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const systemInstructions = "You are an AI assistant helping in a live meeting. Answer questions based on the recent meeting discussion."

// OpenAIAnswerer answers with a chat completion
type OpenAIAnswerer struct {
	client *openai.Client
	model  string
}

// NewOpenAIAnswerer creates a chat completion answerer. baseURL overrides
// the API endpoint when set.
func NewOpenAIAnswerer(apiKey, model, baseURL string) *OpenAIAnswerer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIAnswerer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Name returns the answerer name
func (a *OpenAIAnswerer) Name() string {
	return "openai"
}

// Answer asks the model with the recent transcript as context
func (a *OpenAIAnswerer) Answer(ctx context.Context, q Question) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstructions},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(q)},
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices: %w", ErrUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func buildPrompt(q Question) string {
	askedBy := q.AskedBy
	if askedBy == "" {
		askedBy = "a participant"
	}

	var b strings.Builder
	b.WriteString("Recent meeting discussion:\n")
	b.WriteString(formatTranscript(q.Context))
	fmt.Fprintf(&b, "\nQuestion asked by %s: %s\n\n", askedBy, q.Text)
	b.WriteString("Please provide a helpful, concise answer that:\n")
	b.WriteString("1. Directly addresses the question\n")
	b.WriteString("2. Uses information from the meeting context when relevant\n")
	b.WriteString("3. Is appropriate for a professional meeting setting\n")
	b.WriteString("4. Admits if you don't have enough context to answer fully\n\n")
	b.WriteString("Answer:")
	return b.String()
}
