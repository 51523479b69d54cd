// Package enrich derives keywords and a sentiment score for transcript
// segments using a chat model. Used by the analysis worker after a session
// stops.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You analyze one utterance from a classroom recording.
Reply with strict JSON only, no prose, matching:
{"keywords": ["..."], "sentiment": 0.0}
keywords: up to 5 subject-matter terms from the utterance, in its language.
sentiment: a number in [-1, 1], negative for frustration or confusion,
positive for engagement or encouragement.`

// Annotation is the model's verdict for one segment.
type Annotation struct {
	Keywords  []string `json:"keywords"`
	Sentiment float64  `json:"sentiment"`
}

// OpenAI annotates segments via the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	sleep  func(time.Duration)
}

// NewOpenAI creates an annotator with the given key and model.
func NewOpenAI(apiKey, model string) *OpenAI {
	return NewOpenAIWithConfig(openai.DefaultConfig(apiKey), model)
}

// NewOpenAIWithConfig creates an annotator with a custom client config.
// Used by tests to point at a stub server.
func NewOpenAIWithConfig(config openai.ClientConfig, model string) *OpenAI {
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  model,
		sleep:  time.Sleep,
	}
}

// Annotate returns keywords and sentiment for one utterance. Very short
// utterances are skipped without an API call.
func (a *OpenAI) Annotate(ctx context.Context, text string) (*Annotation, error) {
	if len(strings.TrimSpace(text)) < 2 {
		return &Annotation{}, nil
	}

	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := 0; attempt < len(backoff); attempt++ {
		resp, err := a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return &Annotation{}, nil
			}
			return parseAnnotation(resp.Choices[0].Message.Content)
		}

		lastErr = err
		if attempt < len(backoff)-1 {
			a.sleep(backoff[attempt])
		}
	}
	return nil, fmt.Errorf("openai annotate failed after retries: %w", lastErr)
}

// parseAnnotation tolerates a markdown code fence around the JSON, which
// some models emit despite the strict-JSON instruction.
func parseAnnotation(content string) (*Annotation, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var ann Annotation
	if err := json.Unmarshal([]byte(content), &ann); err != nil {
		return nil, fmt.Errorf("parse annotation %q: %w", content, err)
	}
	if ann.Sentiment > 1 {
		ann.Sentiment = 1
	}
	if ann.Sentiment < -1 {
		ann.Sentiment = -1
	}
	if len(ann.Keywords) > 5 {
		ann.Keywords = ann.Keywords[:5]
	}
	return &ann, nil
}
