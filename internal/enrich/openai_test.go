package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func completionResponse(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 123,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content,
			},
			"finish_reason": "stop",
		}},
	}
}

func newStubAnnotator(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := openai.DefaultConfig("test-key")
	config.BaseURL = server.URL + "/v1"
	a := NewOpenAIWithConfig(config, "gpt-4o-mini")
	a.sleep = func(_ time.Duration) {}
	return a
}

func TestAnnotateParsesStrictJSON(t *testing.T) {
	a := newStubAnnotator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(completionResponse(`{"keywords":["光合作用","叶绿素"],"sentiment":0.4}`))
	})

	ann, err := a.Annotate(context.Background(), "今天我们学习光合作用和叶绿素")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(ann.Keywords) != 2 || ann.Keywords[0] != "光合作用" {
		t.Errorf("keywords = %v", ann.Keywords)
	}
	if ann.Sentiment != 0.4 {
		t.Errorf("sentiment = %v, want 0.4", ann.Sentiment)
	}
}

func TestAnnotateToleratesCodeFence(t *testing.T) {
	a := newStubAnnotator(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(completionResponse("```json\n{\"keywords\":[\"erosion\"],\"sentiment\":-0.2}\n```"))
	})

	ann, err := a.Annotate(context.Background(), "erosion wears the rock away")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(ann.Keywords) != 1 || ann.Keywords[0] != "erosion" {
		t.Errorf("keywords = %v", ann.Keywords)
	}
}

func TestAnnotateClampsSentiment(t *testing.T) {
	a := newStubAnnotator(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(completionResponse(`{"keywords":[],"sentiment":3.5}`))
	})

	ann, err := a.Annotate(context.Background(), "great job everyone")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if ann.Sentiment != 1 {
		t.Errorf("sentiment = %v, want clamped to 1", ann.Sentiment)
	}
}

func TestAnnotateSkipsTrivialText(t *testing.T) {
	var calls atomic.Int32
	a := newStubAnnotator(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	ann, err := a.Annotate(context.Background(), " ")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(ann.Keywords) != 0 || ann.Sentiment != 0 {
		t.Errorf("trivial text produced annotation %+v", ann)
	}
	if calls.Load() != 0 {
		t.Errorf("expected zero API calls, got %d", calls.Load())
	}
}

func TestAnnotateRetriesOnFailure(t *testing.T) {
	var calls atomic.Int32
	a := newStubAnnotator(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "rate limit"}})
			return
		}
		_ = json.NewEncoder(w).Encode(completionResponse(`{"keywords":["gravity"],"sentiment":0}`))
	})

	ann, err := a.Annotate(context.Background(), "gravity pulls the apple down")
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(ann.Keywords) != 1 {
		t.Errorf("keywords = %v", ann.Keywords)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestAnnotateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	a := newStubAnnotator(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := a.Annotate(context.Background(), "the model is down"); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}
