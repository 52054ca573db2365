package provider

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/addonspec"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
	"github.com/dukex/aether/pkg/validation"
)

const (
	minTimeout        = 3 * time.Second
	maxTimeout        = 60 * time.Second
	pingTimeout       = 8 * time.Second
	pingOKTTL         = 60 * time.Second
	pingFailTTL       = 15 * time.Second
	defaultMaxRetries = 1

	OperationProtocolPlan = "generate_protocol_plan"
	OperationAddonSpec    = "generate_addon_spec"
	OperationPing         = "provider_ping"
)

// Completer is the part of Client the planner needs.
type Completer interface {
	Complete(ctx context.Context, req Request, settings models.Settings) (*Response, error)
}

// GenerateRequest is the input of a planning call.
type GenerateRequest struct {
	Prompt   string
	Model    string
	Settings models.Settings
	OnSpan   func(span protocol.Span)
}

// PlanResult is a provider answer validated into a protocol plan.
type PlanResult struct {
	Provider string
	Model    string
	Content  string
	Plan     *models.Plan
	Usage    map[string]any
}

// AddonSpecResult is a provider answer normalized into an addon spec.
type AddonSpecResult struct {
	Provider string
	Model    string
	Content  string
	Spec     addonspec.Spec
	Issues   []string
}

// Health is the cached outcome of a provider ping.
type Health struct {
	OK       bool   `json:"ok"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Message  string `json:"message"`
}

// Planner builds the planning prompts on top of a Completer.
type Planner struct {
	client Completer
	logger *slog.Logger

	mu           sync.Mutex
	health       *Health
	healthExpiry time.Time
	now          func() time.Time
}

func NewPlanner(client Completer, logger *slog.Logger) *Planner {
	return &Planner{
		client: client,
		logger: logger.With("module", "planner"),
		now:    time.Now,
	}
}

// ProviderName returns the configured provider, defaulting to openai.
func ProviderName(settings models.Settings) string {
	if p := strings.ToLower(strings.TrimSpace(settings.LLMProvider)); p != "" {
		return p
	}

	return OpenAI
}

func callTimeout(settings models.Settings) time.Duration {
	timeout := DefaultTimeout
	if settings.LLMTimeoutMs > 0 {
		timeout = time.Duration(settings.LLMTimeoutMs) * time.Millisecond
	} else if settings.TimeoutMs > 0 {
		timeout = time.Duration(settings.TimeoutMs) * time.Millisecond
	}

	return min(max(timeout, minTimeout), maxTimeout)
}

func callRetries(settings models.Settings) int {
	if settings.LLMMaxRetries <= 0 {
		return defaultMaxRetries
	}

	return min(settings.LLMMaxRetries, MaxRetries)
}

func protocolPrompt(prompt string) string {
	return strings.Join([]string{
		"Return ONLY strict JSON for protocol v1. No markdown fences. No extra keys.",
		`Schema: {"version":"1.0","steps":[],"done":true|false,"final_message":"string","meta":{"requires_gate_verification":true|false}}`,
		`Step schema: {"id":"step_1","type":"NODE_TREE|GN_OPS|PYTHON","description":"string","payload":{...}}`,
		"NODE_TREE payload keys: target, operations.",
		"GN_OPS payload keys: v, target, ops.",
		"PYTHON payload keys: mode, code, timeout_ms. mode defaults to safe if omitted.",
		"Reject unknown fields.",
		"User prompt: " + strings.TrimSpace(prompt),
	}, "\n")
}

func addonSpecPrompt(prompt string) string {
	return strings.Join([]string{
		"Return ONLY valid JSON with this shape:",
		"{",
		`  "addonName": string,`,
		`  "panelLabel": string,`,
		`  "operatorLabel": string,`,
		`  "operatorIdName": "aether.some_name",`,
		`  "operatorMessage": string,`,
		`  "summary": string`,
		"}",
		"No markdown fences. No extra keys.",
		"User prompt: " + strings.TrimSpace(prompt),
	}, "\n")
}

// GenerateProtocolPlan asks for a protocol plan and validates the answer.
func (p *Planner) GenerateProtocolPlan(ctx context.Context, req GenerateRequest) (*PlanResult, error) {
	model := req.Settings.ResolveModel(withDefault(req.Model, "default"))

	resp, err := p.client.Complete(ctx, Request{
		Prompt:     protocolPrompt(req.Prompt),
		Model:      model,
		Operation:  OperationProtocolPlan,
		Timeout:    callTimeout(req.Settings),
		MaxRetries: callRetries(req.Settings),
		OnSpan:     req.OnSpan,
	}, req.Settings)
	if err != nil {
		return nil, err
	}

	plan, err := validation.ValidatePlan(resp.Content, validation.Options{
		MaxSteps:            req.Settings.MaxProtocolSteps,
		MaxPythonCodeLength: req.Settings.PythonCodeMaxLength,
	})
	if err != nil {
		return nil, err
	}

	return &PlanResult{
		Provider: ProviderName(req.Settings),
		Model:    model,
		Content:  resp.Content,
		Plan:     plan,
		Usage:    resp.Usage,
	}, nil
}

// GenerateAddonSpec asks for the addon names and normalizes the answer.
func (p *Planner) GenerateAddonSpec(ctx context.Context, req GenerateRequest) (*AddonSpecResult, error) {
	model := req.Settings.ResolveModel(withDefault(req.Model, "default"))

	resp, err := p.client.Complete(ctx, Request{
		Prompt:     addonSpecPrompt(req.Prompt),
		Model:      model,
		Operation:  OperationAddonSpec,
		Timeout:    callTimeout(req.Settings),
		MaxRetries: callRetries(req.Settings),
		OnSpan:     req.OnSpan,
	}, req.Settings)
	if err != nil {
		return nil, err
	}

	parsed := addonspec.Parse(resp.Content, req.Prompt)
	if len(parsed.Issues) > 0 {
		p.logger.WarnContext(ctx, "addon spec answer rejected, using fallback", "issues", parsed.Issues)
	}

	return &AddonSpecResult{
		Provider: ProviderName(req.Settings),
		Model:    model,
		Content:  resp.Content,
		Spec:     parsed.Spec,
		Issues:   parsed.Issues,
	}, nil
}

// Ping checks the provider with a tiny request. Results are cached, successes longer than failures.
func (p *Planner) Ping(ctx context.Context, settings models.Settings) Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.health != nil && now.Before(p.healthExpiry) {
		return *p.health
	}

	model := settings.ResolveModel("default")
	health := Health{OK: true, Provider: ProviderName(settings), Model: model, Message: "LLM provider ping succeeded."}
	ttl := pingOKTTL

	if _, err := p.client.Complete(ctx, Request{
		Prompt:    "Respond with: ok",
		Model:     model,
		Operation: OperationPing,
		Timeout:   pingTimeout,
	}, settings); err != nil {
		health.OK = false
		health.Message = err.Error()
		ttl = pingFailTTL
	}

	p.health = &health
	p.healthExpiry = now.Add(ttl)

	return health
}

func withDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}

	return v
}
