// Package settings owns the runtime settings file: defaults, normalization, validation and redaction.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeoutMs        = 120000
	DefaultAnthropicVersion = "2023-06-01"
	DefaultProvider         = "anthropic"
)

var defaultModels = map[string]string{
	"anthropic": "GLM-4.7",
	"openai":    "gpt-5.2",
	"gemini":    "gemini-2.5-pro",
}

// envKeys are checked in order when the API key comes from the environment.
var envKeys = []string{
	"LLM_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"OPENAI_API_KEY",
	"ZHIPU_API_KEY",
	"ANTHROPIC_API_KEY",
	"GEMINI_API_KEY",
}

// Redacted is the settings view returned to clients: the server key is replaced by a flag.
type Redacted struct {
	models.Settings

	HasServerAPIKey bool `json:"hasServerApiKey"`
}

// Redact hides the server-managed API key.
func Redact(s models.Settings) Redacted {
	hasKey := strings.TrimSpace(s.ServerAPIKey) != ""
	s.ServerAPIKey = ""
	s.ModelMap = maps.Clone(s.ModelMap)

	return Redacted{Settings: s, HasServerAPIKey: hasKey}
}

// Defaults returns the settings used before anything is saved. Paths are rooted at workspace.
func Defaults(workspace string) models.Settings {
	return models.Settings{
		APIKeySourceMode: models.APIKeySourceEnv,
		BlenderPath:      "blender",
		WorkspacePath:    workspace,
		AddonOutputPath:  filepath.Join(workspace, "generated_addons"),
		RunMode:          models.RunModeHeadless,
		TimeoutMs:        DefaultTimeoutMs,
		LogVerbosity:     "normal",
		LLMProvider:      DefaultProvider,
		LLMModel:         defaultModels[DefaultProvider],
		AnthropicVersion: DefaultAnthropicVersion,
		ModelMap: map[string]string{
			"GLM 4.7":       "GLM-4.7",
			"Claude Sonnet": "GLM-4.7",
			"Claude Opus":   "GLM-4.7",
		},
	}
}

// Normalize coerces enumerations to known values and applies provider presets.
// Endpoint overrides survive only when a custom base URL is enabled.
func Normalize(s models.Settings) models.Settings {
	s.LLMProvider = strings.ToLower(strings.TrimSpace(s.LLMProvider))
	if _, ok := defaultModels[s.LLMProvider]; !ok {
		s.LLMProvider = DefaultProvider
	}

	s.LLMModel = strings.TrimSpace(s.LLMModel)
	if s.LLMModel == "" {
		s.LLMModel = defaultModels[s.LLMProvider]
	}

	s.LLMBaseURL = strings.TrimSpace(s.LLMBaseURL)
	if !s.LLMUseCustomBaseURL {
		s.LLMBaseURL = ""
		s.LLMChatPath = ""
		s.LLMAPIKeyHeader = ""
		s.LLMAPIKeyPrefix = ""
	}

	if s.AnthropicVersion == "" {
		s.AnthropicVersion = DefaultAnthropicVersion
	}

	if s.TimeoutMs <= 0 {
		s.TimeoutMs = DefaultTimeoutMs
	}

	if s.RunMode != models.RunModeGUI {
		s.RunMode = models.RunModeHeadless
	}

	switch s.LogVerbosity {
	case "quiet", "normal", "verbose":
	default:
		s.LogVerbosity = "normal"
	}

	if s.APIKeySourceMode != models.APIKeySourceServerManaged {
		s.APIKeySourceMode = models.APIKeySourceEnv
	}

	s.ServerAPIKey = strings.TrimSpace(s.ServerAPIKey)

	if s.WorkspacePath != "" {
		s.WorkspacePath = absPath(s.WorkspacePath)
	}

	if s.AddonOutputPath != "" {
		s.AddonOutputPath = absPath(s.AddonOutputPath)
	}

	return s
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}

	return abs
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	return validate
}

// Validate checks s against its struct rules. Failures are SETTINGS_INVALID with the messages under "errors".
func Validate(s models.Settings) error {
	err := validatorInstance().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return taxonomy.Wrap(taxonomy.CodeSettingsInvalid, err, "")
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, fieldMessage(fe))
	}

	return taxonomy.New(taxonomy.CodeSettingsInvalid, strings.Join(messages, " ")).WithDetail("errors", messages)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required.", fe.Field())
	case "required_if":
		return fmt.Sprintf("%s is required when %s.", fe.Field(), strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s.", fe.Field(), fe.Param())
	case "dir":
		return fmt.Sprintf("%s does not exist: %v", fe.Field(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be at least %s.", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s.", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation.", fe.Field(), fe.Tag())
	}
}

// Store keeps the current settings in memory and in a YAML file.
type Store struct {
	path   string
	logger *slog.Logger
	getenv func(string) string

	mu      sync.RWMutex
	current models.Settings
}

// NewStore loads path, falling back to defaults when the file does not exist yet.
func NewStore(path string, defaults models.Settings, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger.With("module", "settings"),
		getenv:  os.Getenv,
		current: Normalize(defaults),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	loaded := defaults
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	s.current = Normalize(loaded)

	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.current
	out.ModelMap = maps.Clone(s.current.ModelMap)

	return out
}

// Update merges patch (a JSON object of settings fields) over the current settings,
// normalizes and validates the result, then persists it. Unknown keys are ignored.
func (s *Store) Update(ctx context.Context, patch json.RawMessage) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overlay map[string]any
	if err := json.Unmarshal(patch, &overlay); err != nil || overlay == nil {
		return models.Settings{}, taxonomy.New(taxonomy.CodeInvalidJSONBody, "Settings update must be a JSON object.")
	}

	base, err := json.Marshal(s.current)
	if err != nil {
		return models.Settings{}, err
	}

	merged := map[string]any{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return models.Settings{}, err
	}

	maps.Copy(merged, overlay)

	raw, err := json.Marshal(merged)
	if err != nil {
		return models.Settings{}, err
	}

	var next models.Settings
	if err := json.Unmarshal(raw, &next); err != nil {
		return models.Settings{}, taxonomy.Wrap(taxonomy.CodeSettingsInvalid, err, "")
	}

	next = Normalize(next)
	if err := Validate(next); err != nil {
		return models.Settings{}, err
	}

	if err := s.save(next); err != nil {
		return models.Settings{}, err
	}

	s.current = next
	s.logger.InfoContext(ctx, "settings updated", "provider", next.LLMProvider, "model", next.LLMModel)

	out := next
	out.ModelMap = maps.Clone(next.ModelMap)

	return out, nil
}

func (s *Store) save(settings models.Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	return os.Rename(tmp, s.path)
}

// ResolveAPIKey returns the key used for provider calls: the stored key in server-managed mode,
// otherwise the first populated environment variable.
func (s *Store) ResolveAPIKey(settings models.Settings) string {
	if settings.APIKeySourceMode == models.APIKeySourceServerManaged {
		return strings.TrimSpace(settings.ServerAPIKey)
	}

	for _, key := range envKeys {
		if v := strings.TrimSpace(s.getenv(key)); v != "" {
			return v
		}
	}

	return ""
}

// HasAPIKey reports whether a provider key is available for settings.
func (s *Store) HasAPIKey(settings models.Settings) bool {
	return s.ResolveAPIKey(settings) != ""
}
