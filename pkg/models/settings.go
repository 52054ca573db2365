package models

import "strings"

// API key source modes.
const (
	APIKeySourceEnv           = "env"
	APIKeySourceServerManaged = "server-managed"
)

// Host run modes.
const (
	RunModeHeadless = "headless"
	RunModeGUI      = "gui"
)

// Settings holds the runtime configuration shared by runs, the provider client and the host bridge.
type Settings struct {
	APIKeySourceMode            string            `json:"apiKeySourceMode" yaml:"apiKeySourceMode" validate:"oneof=env server-managed"`
	ServerAPIKey                string            `json:"serverApiKey,omitempty" yaml:"serverApiKey,omitempty" validate:"required_if=APIKeySourceMode server-managed"`
	BlenderPath                 string            `json:"blenderPath" yaml:"blenderPath" validate:"required"`
	WorkspacePath               string            `json:"workspacePath" yaml:"workspacePath" validate:"omitempty,dir"`
	AddonOutputPath             string            `json:"addonOutputPath" yaml:"addonOutputPath" validate:"omitempty,dir"`
	RunMode                     string            `json:"runMode" yaml:"runMode" validate:"oneof=headless gui"`
	TimeoutMs                   int64             `json:"timeoutMs" yaml:"timeoutMs" validate:"gte=1000"`
	LogVerbosity                string            `json:"logVerbosity" yaml:"logVerbosity" validate:"oneof=quiet normal verbose"`
	LLMProvider                 string            `json:"llmProvider" yaml:"llmProvider" validate:"required,oneof=openai anthropic gemini"`
	LLMModel                    string            `json:"llmModel" yaml:"llmModel" validate:"required"`
	LLMUseCustomBaseURL         bool              `json:"llmUseCustomBaseUrl" yaml:"llmUseCustomBaseUrl"`
	LLMBaseURL                  string            `json:"llmBaseUrl" yaml:"llmBaseUrl" validate:"required_if=LLMUseCustomBaseURL true"`
	LLMChatPath                 string            `json:"llmChatPath" yaml:"llmChatPath"`
	LLMAPIKeyHeader             string            `json:"llmApiKeyHeader" yaml:"llmApiKeyHeader"`
	LLMAPIKeyPrefix             string            `json:"llmApiKeyPrefix" yaml:"llmApiKeyPrefix"`
	AnthropicVersion            string            `json:"anthropicVersion" yaml:"anthropicVersion"`
	LLMMaxRetries               int               `json:"llmMaxRetries" yaml:"llmMaxRetries" validate:"gte=0,lte=5"`
	LLMTimeoutMs                int64             `json:"llmTimeoutMs" yaml:"llmTimeoutMs"`
	ModelMap                    map[string]string `json:"modelMap" yaml:"modelMap"`
	AllowTrustedPythonExecution bool              `json:"allowTrustedPythonExecution" yaml:"allowTrustedPythonExecution"`
	PythonCodeMaxLength         int               `json:"pythonCodeMaxLength" yaml:"pythonCodeMaxLength" validate:"gte=0"`
	MaxProtocolSteps            int               `json:"maxProtocolSteps" yaml:"maxProtocolSteps" validate:"gte=0"`
}

// ResolveModel picks the model sent to the provider: a configured LLMModel wins,
// otherwise the requested alias is mapped through ModelMap.
func (s Settings) ResolveModel(requested string) string {
	if model := strings.TrimSpace(s.LLMModel); model != "" {
		return model
	}

	if mapped, ok := s.ModelMap[requested]; ok && mapped != "" {
		return mapped
	}

	return requested
}
