package llm

import (
	"errors"
	"testing"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantURL string
		local   bool
	}{
		{name: "local", cfg: Config{Provider: "local"}, local: true},
		{name: "openai default", cfg: Config{Provider: "openai", Model: "gpt-4o-mini", OpenAIAPIKey: "k"}, wantURL: "https://api.openai.com/v1"},
		{name: "openrouter default", cfg: Config{Provider: "openrouter", Model: "m", OpenRouterAPIKey: "k"}, wantURL: "https://openrouter.ai/api/v1"},
		{name: "openrouter custom", cfg: Config{Provider: "openrouter", BaseURL: "http://proxy/v1/"}, wantURL: "http://proxy/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.cfg)
			if err != nil {
				t.Fatalf("NewProvider error: %v", err)
			}
			if tt.local {
				if _, ok := provider.(LocalProvider); !ok {
					t.Fatalf("expected LocalProvider, got %T", provider)
				}
				return
			}
			openaiProvider, ok := provider.(*OpenAIProvider)
			if !ok {
				t.Fatalf("expected *OpenAIProvider, got %T", provider)
			}
			if openaiProvider.baseURL != tt.wantURL {
				t.Errorf("baseURL = %q, want %q", openaiProvider.baseURL, tt.wantURL)
			}
		})
	}
}

func TestNewProvider_Unsupported(t *testing.T) {
	_, err := NewProvider(Config{Provider: "codex"})
	var unsupported ErrUnsupportedProvider
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if err.Error() != "unsupported LLM provider: codex" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
