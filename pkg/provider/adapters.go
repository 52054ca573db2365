package provider

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/dukex/aether/pkg/models"
)

// Provider names.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
)

const (
	defaultAnthropicVersion = "2023-06-01"
	maxOutputTokens         = 1024
	temperature             = 0.2
)

var (
	anthropicPathPattern   = regexp.MustCompile(`(?i)/v1/messages$`)
	anthropicBasePattern   = regexp.MustCompile(`(?i)/api/anthropic`)
	geminiBasePattern      = regexp.MustCompile(`(?i)generativelanguage\.googleapis\.com`)
	generateContentPattern = regexp.MustCompile(`(?i)generatecontent`)
	nativeGeminiURLPattern = regexp.MustCompile(`(?i):generatecontent`)
	trailingSlashesPattern = regexp.MustCompile(`/+$`)
)

type preset struct {
	baseURL  string
	chatPath string
}

var presets = map[string]preset{
	OpenAI:    {baseURL: "https://api.openai.com", chatPath: "/v1/chat/completions"},
	Anthropic: {baseURL: "https://api.z.ai/api/anthropic", chatPath: "/v1/messages"},
	Gemini:    {baseURL: "https://generativelanguage.googleapis.com", chatPath: "/v1beta/models/{model}:generateContent"},
}

// RequestConfig is the resolved endpoint and auth header layout for one provider call.
type RequestConfig struct {
	Provider         string
	URL              string
	KeyHeader        string
	KeyPrefix        string
	AnthropicVersion string
	AnthropicLike    bool
	GeminiLike       bool
}

// ResolveRequestConfig derives the endpoint from settings, filling provider presets for anything unset.
func ResolveRequestConfig(settings models.Settings) RequestConfig {
	provider := strings.ToLower(strings.TrimSpace(settings.LLMProvider))
	if provider == "" {
		provider = OpenAI
	}

	p, ok := presets[provider]
	if !ok {
		p = presets[OpenAI]
	}

	baseURL := p.baseURL
	if settings.LLMBaseURL != "" {
		baseURL = settings.LLMBaseURL
	}

	baseURL = trailingSlashesPattern.ReplaceAllString(baseURL, "")

	chatPath := p.chatPath
	if settings.LLMChatPath != "" {
		chatPath = settings.LLMChatPath
	}

	if !strings.HasPrefix(chatPath, "/") {
		chatPath = "/" + chatPath
	}

	cfg := RequestConfig{
		Provider: provider,
		URL:      baseURL + chatPath,
		AnthropicLike: provider == Anthropic ||
			anthropicPathPattern.MatchString(chatPath) ||
			anthropicBasePattern.MatchString(baseURL),
		GeminiLike: provider == Gemini ||
			geminiBasePattern.MatchString(baseURL) ||
			generateContentPattern.MatchString(chatPath),
	}

	switch {
	case cfg.AnthropicLike:
		cfg.KeyHeader = "x-api-key"
	case cfg.GeminiLike:
		cfg.KeyHeader = "x-goog-api-key"
	default:
		cfg.KeyHeader = "Authorization"
		cfg.KeyPrefix = "Bearer "
	}

	if settings.LLMAPIKeyHeader != "" {
		cfg.KeyHeader = settings.LLMAPIKeyHeader
		cfg.KeyPrefix = settings.LLMAPIKeyPrefix
	} else if settings.LLMAPIKeyPrefix != "" {
		cfg.KeyPrefix = settings.LLMAPIKeyPrefix
	}

	if cfg.AnthropicLike {
		cfg.AnthropicVersion = settings.AnthropicVersion
		if cfg.AnthropicVersion == "" {
			cfg.AnthropicVersion = defaultAnthropicVersion
		}
	}

	return cfg
}

// ResolvedURL substitutes the model into a templated path.
func (c RequestConfig) ResolvedURL(model string) string {
	return strings.Replace(c.URL, "{model}", url.PathEscape(model), 1)
}

// adapter builds one provider's request body and reads its response.
type adapter interface {
	buildRequest(cfg RequestConfig, model, systemPrompt, prompt string) any
	extractContent(payload map[string]any) string
	extractUsage(payload map[string]any) map[string]any
}

func adapterFor(provider string) adapter {
	switch provider {
	case Anthropic:
		return anthropicAdapter{}
	case Gemini:
		return geminiAdapter{}
	default:
		return openAIAdapter{}
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIAdapter struct{}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

func (openAIAdapter) buildRequest(_ RequestConfig, model, systemPrompt, prompt string) any {
	return openAIRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
	}
}

func (openAIAdapter) extractContent(payload map[string]any) string {
	return openAIMessageText(payload)
}

func (openAIAdapter) extractUsage(payload map[string]any) map[string]any {
	usage, _ := payload["usage"].(map[string]any)

	return usage
}

type anthropicAdapter struct{}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system"`
	Messages    []chatMessage `json:"messages"`
}

func (anthropicAdapter) buildRequest(_ RequestConfig, model, systemPrompt, prompt string) any {
	return anthropicRequest{
		Model:       model,
		MaxTokens:   maxOutputTokens,
		Temperature: temperature,
		System:      systemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}
}

func (anthropicAdapter) extractContent(payload map[string]any) string {
	switch content := payload["content"].(type) {
	case string:
		return content
	case []any:
		return joinText(content)
	default:
		return ""
	}
}

func (anthropicAdapter) extractUsage(payload map[string]any) map[string]any {
	usage, _ := payload["usage"].(map[string]any)

	return usage
}

type geminiAdapter struct{}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

func (geminiAdapter) buildRequest(cfg RequestConfig, model, systemPrompt, prompt string) any {
	if !nativeGeminiURLPattern.MatchString(cfg.URL) {
		return openAIAdapter{}.buildRequest(cfg, model, systemPrompt, prompt)
	}

	text := strings.TrimSpace(strings.TrimSpace(systemPrompt) + "\n\n" + strings.TrimSpace(prompt))

	return geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxOutputTokens,
		},
	}
}

func (geminiAdapter) extractContent(payload map[string]any) string {
	if _, ok := payload["choices"]; ok {
		return openAIMessageText(payload)
	}

	candidates, _ := payload["candidates"].([]any)
	if len(candidates) == 0 {
		return ""
	}

	first, _ := candidates[0].(map[string]any)
	content, _ := first["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	return joinText(parts)
}

func (geminiAdapter) extractUsage(payload map[string]any) map[string]any {
	if usage, ok := payload["usage"].(map[string]any); ok {
		return usage
	}

	meta, ok := payload["usageMetadata"].(map[string]any)
	if !ok {
		return nil
	}

	return map[string]any{
		"prompt_tokens":     meta["promptTokenCount"],
		"completion_tokens": meta["candidatesTokenCount"],
		"total_tokens":      meta["totalTokenCount"],
	}
}

func openAIMessageText(payload map[string]any) string {
	choices, _ := payload["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}

	first, _ := choices[0].(map[string]any)
	message, _ := first["message"].(map[string]any)

	switch content := message["content"].(type) {
	case string:
		return content
	case []any:
		return joinText(content)
	default:
		return ""
	}
}

// joinText concatenates string items and the text field of object items.
func joinText(items []any) string {
	var b strings.Builder

	for _, item := range items {
		switch v := item.(type) {
		case string:
			b.WriteString(v)
		case map[string]any:
			if text, ok := v["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}

	return strings.TrimSpace(b.String())
}

func decodePayload(raw []byte) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	return payload
}
