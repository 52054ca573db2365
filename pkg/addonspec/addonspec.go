// Package addonspec validates and normalizes the model-authored description of the generated addon.
package addonspec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	DefaultAddonName      = "Aether Generated Addon"
	DefaultPanelLabel     = "Aether Swarm"
	DefaultOperatorLabel  = "Run Generated Task"
	DefaultOperatorIDName = "aether.generated_task"
)

// Spec names the operator and panel written into the scaffold.
type Spec struct {
	AddonName       string `json:"addonName"`
	PanelLabel      string `json:"panelLabel"`
	OperatorLabel   string `json:"operatorLabel"`
	OperatorIDName  string `json:"operatorIdName"`
	OperatorMessage string `json:"operatorMessage"`
	Summary         string `json:"summary"`
}

// Schema is the JSON schema a provider answer must satisfy to be used as is.
var Schema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"addonName":       map[string]any{"type": "string"},
		"panelLabel":      map[string]any{"type": "string"},
		"operatorLabel":   map[string]any{"type": "string"},
		"operatorIdName":  map[string]any{"type": "string"},
		"operatorMessage": map[string]any{"type": "string"},
		"summary":         map[string]any{"type": "string"},
	},
}

// Result is a normalized spec and the schema issues found on the way.
type Result struct {
	Spec         Spec     `json:"spec"`
	Issues       []string `json:"issues,omitempty"`
	UsedFallback bool     `json:"usedFallback"`
}

var (
	whitespacePattern  = regexp.MustCompile(`\s+`)
	operatorIDStrip    = regexp.MustCompile(`[^a-z0-9_.]`)
	leadingDotsPattern = regexp.MustCompile(`^\.+`)
	trailingDotPattern = regexp.MustCompile(`\.+$`)
)

// Parse decodes content, checks it against Schema and normalizes it.
// Unparseable or schema-invalid answers fall back to a spec derived from prompt.
func Parse(content, prompt string) Result {
	var raw any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return Result{
			Spec:         Normalize(Spec{}, prompt),
			Issues:       []string{fmt.Sprintf("addon spec is not valid JSON: %v", err)},
			UsedFallback: true,
		}
	}

	if issues := Validate(raw); len(issues) > 0 {
		return Result{Spec: Normalize(Spec{}, prompt), Issues: issues, UsedFallback: true}
	}

	data, _ := json.Marshal(raw)

	var spec Spec
	_ = json.Unmarshal(data, &spec)

	return Result{Spec: Normalize(spec, prompt)}
}

// Validate returns the schema violations of v, nil when it conforms.
func Validate(v any) []string {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(Schema), gojsonschema.NewGoLoader(v))
	if err != nil {
		return []string{err.Error()}
	}

	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}

	return issues
}

// Fallback is the spec used when the provider answer cannot be used.
func Fallback(prompt string) Spec {
	return Spec{
		AddonName:       DefaultAddonName,
		PanelLabel:      DefaultPanelLabel,
		OperatorLabel:   DefaultOperatorLabel,
		OperatorIDName:  DefaultOperatorIDName,
		OperatorMessage: text(prompt, "Generated task executed.", 120),
		Summary:         text(prompt, "Generate scaffold updates based on prompt.", 240),
	}
}

// Normalize bounds every field and replaces empty ones with the fallback for prompt.
func Normalize(in Spec, prompt string) Spec {
	fb := Fallback(prompt)

	name := strings.TrimSpace(in.AddonName)
	if name == "" {
		name = fb.AddonName
	}

	operatorID := in.OperatorIDName
	if strings.TrimSpace(operatorID) == "" {
		operatorID = fb.OperatorIDName
	}

	return Spec{
		AddonName:       truncate(name, 72),
		PanelLabel:      text(in.PanelLabel, fb.PanelLabel, 64),
		OperatorLabel:   text(in.OperatorLabel, fb.OperatorLabel, 64),
		OperatorIDName:  OperatorID(operatorID),
		OperatorMessage: text(in.OperatorMessage, fb.OperatorMessage, 200),
		Summary:         text(in.Summary, fb.Summary, 240),
	}
}

// OperatorID reduces v to a dotted lower-case operator id, DefaultOperatorIDName when nothing usable is left.
func OperatorID(v string) string {
	id := operatorIDStrip.ReplaceAllString(strings.ToLower(v), "")
	id = leadingDotsPattern.ReplaceAllString(id, "")
	id = trailingDotPattern.ReplaceAllString(id, "")

	if id == "" || !strings.Contains(id, ".") {
		return DefaultOperatorIDName
	}

	return id
}

func text(v, fallback string, maxLen int) string {
	v = strings.TrimSpace(whitespacePattern.ReplaceAllString(v, " "))
	if v == "" {
		return fallback
	}

	return truncate(v, maxLen)
}

func truncate(v string, maxLen int) string {
	runes := []rune(v)
	if len(runes) <= maxLen {
		return v
	}

	return string(runes[:maxLen])
}
