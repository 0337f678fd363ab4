package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type toolList struct {
	Tools []string `json:"tools"`
}

func TestDecodeJSONResponsePlain(t *testing.T) {
	var got toolList
	if err := DecodeJSONResponse(`{"tools": ["cursor", "aider"]}`, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Tools) != 2 || got.Tools[0] != "cursor" {
		t.Errorf("expected [cursor aider], got %v", got.Tools)
	}
}

func TestDecodeJSONResponseWithCodeFence(t *testing.T) {
	var got toolList
	if err := DecodeJSONResponse("```json\n{\"tools\": [\"cursor\"]}\n```", &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Tools) != 1 {
		t.Errorf("expected 1 tool, got %v", got.Tools)
	}
}

func TestDecodeJSONResponseWithPlainFence(t *testing.T) {
	var got toolList
	if err := DecodeJSONResponse("```\n{\"tools\": []}\n```", &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Tools) != 0 {
		t.Errorf("expected no tools, got %v", got.Tools)
	}
}

func TestDecodeJSONResponseSurroundedByProse(t *testing.T) {
	var got toolList
	if err := DecodeJSONResponse(`Sure! Here you go: {"tools": ["copilot"]} Hope that helps.`, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Tools) != 1 || got.Tools[0] != "copilot" {
		t.Errorf("expected [copilot], got %v", got.Tools)
	}
}

func TestDecodeJSONResponseInvalid(t *testing.T) {
	var got toolList
	if err := DecodeJSONResponse("not json at all", &got); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDecodeJSONResponseEmpty(t *testing.T) {
	var got toolList
	if err := DecodeJSONResponse("  \n ", &got); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("expected /api/chat, got %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "qwen2.5:7b" {
			t.Errorf("expected model qwen2.5:7b, got %v", body["model"])
		}
		w.Write([]byte(`{"message": {"content": "{\"tools\": [\"cursor\"]}"}}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL)
	out, err := p.Generate(context.Background(), "which tools?", 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "cursor") {
		t.Errorf("expected cursor in output, got %q", out)
	}
}

func TestOllamaGenerateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL)
	if _, err := p.Generate(context.Background(), "x", 16); err == nil {
		t.Error("expected error on 500")
	}
}

func TestOllamaIsConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models": [{"name": "qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	if !NewOllamaProvider("qwen2.5:7b", srv.URL).IsConfigured() {
		t.Error("expected provider to be configured")
	}
	if NewOllamaProvider("llama3", srv.URL).IsConfigured() {
		t.Error("expected missing model to be unconfigured")
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"tools\": [\"aider\"]}"}}]
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{Model: "gpt-4o-mini", APIKey: "test-key", BaseURL: srv.URL})
	out, err := p.Generate(context.Background(), "which tools?", 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "aider") {
		t.Errorf("expected aider in output, got %q", out)
	}
}

func TestOpenAINotConfigured(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{Model: "gpt-4o-mini"})
	if p.IsConfigured() {
		t.Error("expected provider without key to be unconfigured")
	}
	if _, err := p.Generate(context.Background(), "x", 16); err == nil {
		t.Error("expected error without API key")
	}
}
