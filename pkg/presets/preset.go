// Package presets keeps reusable protocol plans on disk and moves them between servers as bundles.
package presets

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/validation"
)

const (
	SchemaVersion = "1.0"
	BundleVersion = "1.0"

	// legacyBundleVersion is reported for bundles that predate the versioned envelope.
	legacyBundleVersion = "0.9"

	maxNameLength        = 120
	maxDescriptionLength = 2000
	maxTags              = 20
	maxTagLength         = 40

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Error codes.
const (
	CodeValidationFailed = "PRESET_VALIDATION_FAILED"
	CodeBundleInvalid    = "PRESET_BUNDLE_INVALID"
	CodeStorageCorrupt   = "PRESET_STORAGE_CORRUPT"
	CodeNotFound         = "PRESET_NOT_FOUND"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var allowedFields = []string{
	"schemaVersion", "id", "name", "description", "tags", "createdAt", "updatedAt", "protocol", "metadata", "sourceRunId",
}

func init() {
	taxonomy.Register(CodeValidationFailed, http.StatusBadRequest, taxonomy.CategoryPreset, "Preset payload validation failed.")
	taxonomy.Register(CodeBundleInvalid, http.StatusBadRequest, taxonomy.CategoryPreset, "Preset bundle validation failed.")
	taxonomy.Register(CodeStorageCorrupt, http.StatusInternalServerError, taxonomy.CategoryPreset, "Preset store contains invalid entries.")
	taxonomy.Register(CodeNotFound, http.StatusNotFound, taxonomy.CategoryPreset, "Preset not found.")
}

// Preset is a named, validated protocol plan.
type Preset struct {
	SchemaVersion string         `json:"schemaVersion"`
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Tags          []string       `json:"tags"`
	CreatedAt     string         `json:"createdAt"`
	UpdatedAt     string         `json:"updatedAt"`
	Protocol      *models.Plan   `json:"protocol"`
	Metadata      map[string]any `json:"metadata"`
	SourceRunID   *string        `json:"sourceRunId"`
}

func (p Preset) clone() Preset {
	p.Tags = slices.Clone(p.Tags)

	if p.Metadata != nil {
		metadata := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			metadata[k] = v
		}

		p.Metadata = metadata
	}

	return p
}

// FieldError is one validation failure of a preset or bundle.
type FieldError struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

type fieldErrors []FieldError

func (e *fieldErrors) add(code, path, format string, args ...any) {
	*e = append(*e, FieldError{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

// failure wraps the collected field errors in a coded error.
func failure(code string, errs []FieldError) *taxonomy.Error {
	return taxonomy.New(code, "").WithDetail("errors", errs)
}

// migrate lifts a preset written by an older schema to the current field names.
func migrate(input map[string]any, now time.Time) map[string]any {
	if str(input["schemaVersion"]) == SchemaVersion {
		return input
	}

	name := firstString(input, "name", "title", "presetName")

	id := firstString(input, "id", "presetId", "slug", "key")
	if id == "" {
		id = generateID(name)
	}

	if name == "" {
		name = "Imported Preset"
	}

	tags := input["tags"]
	if _, ok := tags.([]any); !ok {
		tags = input["labels"]
		if _, ok := tags.([]any); !ok {
			tags = []any{}
		}
	}

	createdAt := firstString(input, "createdAt", "created_at", "exportedAt")
	if createdAt == "" {
		createdAt = now.Format(timestampLayout)
	}

	updatedAt := firstString(input, "updatedAt", "updated_at", "modifiedAt", "createdAt")
	if updatedAt == "" {
		updatedAt = now.Format(timestampLayout)
	}

	var protocol any
	for _, key := range []string{"protocol", "protocolPayload", "payload", "plan"} {
		if input[key] != nil {
			protocol = input[key]

			break
		}
	}

	return map[string]any{
		"schemaVersion": SchemaVersion,
		"id":            id,
		"name":          name,
		"description":   firstString(input, "description", "notes"),
		"tags":          tags,
		"createdAt":     createdAt,
		"updatedAt":     updatedAt,
		"protocol":      protocol,
	}
}

// validate checks a decoded preset and returns its normalized form. The embedded
// protocol plan goes through the protocol validator.
func validate(input any, allowMigration bool, prefix string, now time.Time) (Preset, []FieldError) {
	var errs fieldErrors

	obj, ok := input.(map[string]any)
	if !ok {
		errs.add("PRESET_OBJECT_REQUIRED", prefix, "Preset must be an object.")

		return Preset{}, errs
	}

	if allowMigration {
		obj = migrate(obj, now)
	}

	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	for _, key := range keys {
		if !slices.Contains(allowedFields, key) {
			errs.add("PRESET_UNKNOWN_FIELD", prefix+"."+key, "Unknown preset field %q.", key)
		}
	}

	preset := Preset{
		SchemaVersion: SchemaVersion,
		ID:            str(obj["id"]),
		Name:          str(obj["name"]),
		Description:   str(obj["description"]),
		Tags:          []string{},
		CreatedAt:     str(obj["createdAt"]),
		UpdatedAt:     str(obj["updatedAt"]),
	}

	switch {
	case preset.ID == "":
		errs.add("PRESET_ID_REQUIRED", prefix+".id", "Preset id is required.")
	case !idPattern.MatchString(preset.ID):
		errs.add("PRESET_ID_INVALID", prefix+".id", "Preset id must match [A-Za-z0-9][A-Za-z0-9._-]{0,127}.")
	}

	switch {
	case preset.Name == "":
		errs.add("PRESET_NAME_REQUIRED", prefix+".name", "Preset name is required.")
	case len(preset.Name) > maxNameLength:
		errs.add("PRESET_NAME_TOO_LONG", prefix+".name", "Preset name must be <= %d characters.", maxNameLength)
	}

	if str(obj["schemaVersion"]) != SchemaVersion {
		errs.add("PRESET_SCHEMA_VERSION_INVALID", prefix+".schemaVersion", "Preset schemaVersion must be %q.", SchemaVersion)
	}

	if len(preset.Description) > maxDescriptionLength {
		errs.add("PRESET_DESCRIPTION_TOO_LONG", prefix+".description", "Preset description must be <= %d characters.", maxDescriptionLength)
	}

	preset.Tags = validateTags(obj, prefix, &errs)

	if !isTimestamp(preset.CreatedAt) {
		errs.add("PRESET_CREATED_AT_INVALID", prefix+".createdAt", "Preset createdAt must be an ISO-8601 UTC timestamp.")
	}

	if !isTimestamp(preset.UpdatedAt) {
		errs.add("PRESET_UPDATED_AT_INVALID", prefix+".updatedAt", "Preset updatedAt must be an ISO-8601 UTC timestamp.")
	}

	if protocol, ok := obj["protocol"].(map[string]any); !ok {
		errs.add("PRESET_PROTOCOL_REQUIRED", prefix+".protocol", "Preset protocol payload must be an object.")
	} else if plan, err := validation.ValidatePlan(protocol, validation.Options{}); err != nil {
		code, path, message := "PRESET_PROTOCOL_INVALID", prefix+".protocol", err.Error()

		var coded *taxonomy.Error
		if errors.As(err, &coded) {
			code, message = coded.Code, coded.Message
			if coded.Path != "" {
				path += "." + coded.Path
			}
		}

		errs.add(code, path, "%s", message)
	} else {
		preset.Protocol = plan
	}

	if metadata, ok := obj["metadata"].(map[string]any); ok {
		preset.Metadata = metadata
	}

	if source := str(obj["sourceRunId"]); source != "" {
		preset.SourceRunID = &source
	}

	if len(errs) > 0 {
		return Preset{}, errs
	}

	return preset, nil
}

func validateTags(obj map[string]any, prefix string, errs *fieldErrors) []string {
	tags := []string{}

	raw, present := obj["tags"]
	if !present || raw == nil {
		return tags
	}

	list, ok := raw.([]any)
	switch {
	case !ok:
		errs.add("PRESET_TAGS_INVALID", prefix+".tags", "Preset tags must be an array of strings.")

		return tags
	case len(list) > maxTags:
		errs.add("PRESET_TAGS_TOO_MANY", prefix+".tags", "Preset tags must contain <= %d entries.", maxTags)

		return tags
	}

	for i, item := range list {
		tag := str(item)

		switch {
		case tag == "":
			errs.add("PRESET_TAG_INVALID", fmt.Sprintf("%s.tags[%d]", prefix, i), "Preset tag entries must be non-empty strings.")
		case len(tag) > maxTagLength:
			errs.add("PRESET_TAG_TOO_LONG", fmt.Sprintf("%s.tags[%d]", prefix, i), "Preset tag must be <= %d characters.", maxTagLength)
		case !slices.Contains(tags, tag):
			tags = append(tags, tag)
		}
	}

	return tags
}

// isTimestamp accepts only the millisecond UTC form the server writes.
func isTimestamp(value string) bool {
	parsed, err := time.Parse(timestampLayout, value)

	return err == nil && parsed.UTC().Format(timestampLayout) == value
}

func str(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float64, bool, int, int64:
		return strings.TrimSpace(fmt.Sprint(v))
	default:
		return ""
	}
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := str(obj[key]); value != "" {
			return value
		}
	}

	return ""
}
