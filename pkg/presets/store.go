package presets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/google/uuid"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9._-]+`)

// Bundle is the portable export format of a set of presets.
type Bundle struct {
	BundleVersion       string         `json:"bundleVersion"`
	ExportedAt          string         `json:"exportedAt"`
	PresetSchemaVersion string         `json:"presetSchemaVersion"`
	Metadata            map[string]any `json:"metadata"`
	Presets             []Preset       `json:"presets"`
}

// ImportResult reports which presets an import created or replaced.
type ImportResult struct {
	ImportedCount int      `json:"importedCount"`
	ImportedIDs   []string `json:"importedIds"`
	Bundle        Bundle   `json:"bundle"`
}

// Store keeps every preset in one JSON array file. The file is loaded, migrated and
// rewritten on first use.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	loaded  bool
	presets []Preset
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With("module", "presets"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timestampLayout)
}

// load must be called with mu held.
func (s *Store) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read presets: %w", err)
	}

	var stored []any
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &stored); err != nil {
			return taxonomy.Wrap(CodeStorageCorrupt, err, "Preset store file must contain an array.")
		}
	}

	presets := make([]Preset, 0, len(stored))

	for i, item := range stored {
		preset, errs := validate(item, true, fmt.Sprintf("presets[%d]", i), s.now())
		if len(errs) > 0 {
			return failure(CodeStorageCorrupt, errs)
		}

		presets = append(presets, preset)
	}

	s.presets = presets
	if err := s.persist(); err != nil {
		return err
	}

	s.loaded = true
	s.logger.DebugContext(ctx, "Presets loaded", "count", len(presets), "path", s.path)

	return nil
}

// persist must be called with mu held.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.presets, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal presets: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create presets directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write presets: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to write presets: %w", err)
	}

	return nil
}

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.presets, func(p Preset) bool { return p.ID == id })
}

// List returns every preset, most recently created first.
func (s *Store) List(ctx context.Context) ([]Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	out := make([]Preset, len(s.presets))
	for i, p := range s.presets {
		out[i] = p.clone()
	}

	return out, nil
}

// Get returns the preset with id or a PRESET_NOT_FOUND error.
func (s *Store) Get(ctx context.Context, id string) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	i := s.index(strings.TrimSpace(id))
	if i < 0 {
		return nil, taxonomy.New(CodeNotFound, "")
	}

	preset := s.presets[i].clone()

	return &preset, nil
}

// Upsert validates input and stores it. A missing id is derived from the name; an existing
// preset keeps its createdAt.
func (s *Store) Upsert(ctx context.Context, input map[string]any) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	now := s.timestamp()

	merged := make(map[string]any, len(input)+3)
	for k, v := range input {
		merged[k] = v
	}

	if str(merged["createdAt"]) == "" {
		merged["createdAt"] = now
	}

	merged["updatedAt"] = now
	merged["schemaVersion"] = SchemaVersion

	if str(merged["id"]) == "" {
		if name := str(merged["name"]); name != "" {
			merged["id"] = generateID(name)
		}
	}

	preset, errs := validate(merged, true, "preset", s.now())
	if len(errs) > 0 {
		return nil, failure(CodeValidationFailed, errs)
	}

	if i := s.index(preset.ID); i >= 0 {
		preset.CreatedAt = s.presets[i].CreatedAt
		s.presets[i] = preset
	} else {
		s.presets = slices.Insert(s.presets, 0, preset)
	}

	if err := s.persist(); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Preset saved", "preset_id", preset.ID)

	out := preset.clone()

	return &out, nil
}

// Delete removes the preset with id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return false, err
	}

	i := s.index(strings.TrimSpace(id))
	if i < 0 {
		return false, nil
	}

	s.presets = slices.Delete(s.presets, i, i+1)
	if err := s.persist(); err != nil {
		return false, err
	}

	s.logger.InfoContext(ctx, "Preset deleted", "preset_id", id)

	return true, nil
}

// Export bundles the presets named by ids, or all of them when ids is empty.
func (s *Store) Export(ctx context.Context, ids []string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	selected := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		if len(ids) == 0 || slices.Contains(ids, p.ID) {
			selected = append(selected, p.clone())
		}
	}

	return &Bundle{
		BundleVersion:       BundleVersion,
		ExportedAt:          s.timestamp(),
		PresetSchemaVersion: SchemaVersion,
		Metadata:            map[string]any{"source": "aether-server", "count": len(selected)},
		Presets:             selected,
	}, nil
}

// ParseBundle validates a bundle without storing it. It accepts the versioned envelope,
// a bare array of presets, an {"items": [...]} envelope, or any of those as a JSON string.
func (s *Store) ParseBundle(input any) (*Bundle, error) {
	var errs fieldErrors

	if raw, ok := input.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			errs.add("PRESET_BUNDLE_JSON_INVALID", "bundle", "Preset bundle string is not valid JSON.")

			return nil, failure(CodeBundleInvalid, errs)
		}

		input = decoded
	}

	var (
		items   []any
		version = BundleVersion
	)

	switch v := input.(type) {
	case []any:
		items = v
		version = legacyBundleVersion
	case map[string]any:
		declared := firstString(v, "bundleVersion", "version")

		if list, ok := v["presets"].([]any); ok {
			items = list
			version = BundleVersion
		} else if list, ok := v["items"].([]any); ok {
			items = list
			version = legacyBundleVersion
		} else {
			errs.add("PRESET_BUNDLE_PRESETS_REQUIRED", "bundle.presets", "Preset bundle must include a presets array.")
		}

		if declared != "" {
			version = declared
		}
	default:
		errs.add("PRESET_BUNDLE_OBJECT_REQUIRED", "bundle", "Preset bundle must be an object or array.")
	}

	presets := make([]Preset, 0, len(items))

	for i, item := range items {
		preset, itemErrs := validate(item, true, fmt.Sprintf("bundle.presets[%d]", i), s.now())
		if len(itemErrs) > 0 {
			errs = append(errs, itemErrs...)

			continue
		}

		presets = append(presets, preset)
	}

	if len(errs) > 0 {
		return nil, failure(CodeBundleInvalid, errs)
	}

	return &Bundle{
		BundleVersion:       BundleVersion,
		ExportedAt:          s.timestamp(),
		PresetSchemaVersion: SchemaVersion,
		Metadata:            map[string]any{"source": "aether-server", "importedBundleVersion": version},
		Presets:             presets,
	}, nil
}

// Import validates a bundle and merges it into the store. Presets with a known id replace
// the stored one but keep its createdAt; new presets are appended.
func (s *Store) Import(ctx context.Context, input any) (*ImportResult, error) {
	bundle, err := s.ParseBundle(input)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(bundle.Presets))

	for _, preset := range bundle.Presets {
		if i := s.index(preset.ID); i >= 0 {
			preset.CreatedAt = s.presets[i].CreatedAt
			s.presets[i] = preset
		} else {
			s.presets = append(s.presets, preset)
		}

		ids = append(ids, preset.ID)
	}

	if err := s.persist(); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Presets imported", "count", len(ids))

	return &ImportResult{ImportedCount: len(ids), ImportedIDs: ids, Bundle: *bundle}, nil
}

// generateID derives a preset id from its name plus a random suffix.
func generateID(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	slug = strings.Trim(slug, "-")

	if len(slug) > 48 {
		slug = slug[:48]
	}

	if slug == "" {
		slug = "preset"
	}

	return slug + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
