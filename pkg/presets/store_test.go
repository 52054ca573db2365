package presets

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store := NewStore(filepath.Join(t.TempDir(), "presets", "presets.json"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	return store
}

func testProtocol() map[string]any {
	return map[string]any{
		"version": "1.0",
		"steps": []any{map[string]any{
			"id":          "step_1",
			"type":        "PYTHON",
			"description": "print",
			"payload":     map[string]any{"code": "print(1)"},
		}},
		"done":          true,
		"final_message": "ok",
		"meta":          map[string]any{"requires_gate_verification": true},
	}
}

func fieldErrorsOf(t *testing.T, err error) []FieldError {
	t.Helper()

	var coded *taxonomy.Error
	require.ErrorAs(t, err, &coded)

	errs, ok := coded.Details["errors"].([]FieldError)
	require.True(t, ok)

	return errs
}

func TestStore_UpsertGeneratesIDAndPersists(t *testing.T) {
	store := newTestStore(t)

	preset, err := store.Upsert(t.Context(), map[string]any{
		"name":     "Cube Scatter!",
		"tags":     []any{"gn", " gn ", "scatter"},
		"protocol": testProtocol(),
	})
	require.NoError(t, err)

	assert.Regexp(t, `^cube-scatter-[0-9a-f]{8}$`, preset.ID)
	assert.Equal(t, SchemaVersion, preset.SchemaVersion)
	assert.Equal(t, []string{"gn", "scatter"}, preset.Tags)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", preset.CreatedAt)
	require.NotNil(t, preset.Protocol)
	assert.Equal(t, "step_1", preset.Protocol.Steps[0].ID)

	info, err := os.Stat(store.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened := NewStore(store.path, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := reopened.Get(t.Context(), preset.ID)
	require.NoError(t, err)
	assert.Equal(t, preset.Name, got.Name)
	assert.Equal(t, "print(1)", got.Protocol.Steps[0].Python.Code)
}

func TestStore_UpsertKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Upsert(t.Context(), map[string]any{"id": "cubes", "name": "Cubes", "protocol": testProtocol()})
	require.NoError(t, err)

	store.now = func() time.Time { return time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC) }

	second, err := store.Upsert(t.Context(), map[string]any{
		"id":        "cubes",
		"name":      "Cubes v2",
		"createdAt": "2030-01-01T00:00:00.000Z",
		"protocol":  testProtocol(),
	})
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "2026-04-01T08:30:00.000Z", second.UpdatedAt)

	list, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Cubes v2", list[0].Name)
}

func TestStore_UpsertNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		_, err := store.Upsert(t.Context(), map[string]any{"id": id, "name": id, "protocol": testProtocol()})
		require.NoError(t, err)
	}

	list, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
}

func TestStore_UpsertValidation(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		code  string
		path  string
	}{
		{"missing name", map[string]any{"id": "x", "protocol": testProtocol()}, "PRESET_NAME_REQUIRED", "preset.name"},
		{"bad id", map[string]any{"id": "-x", "name": "X", "protocol": testProtocol()}, "PRESET_ID_INVALID", "preset.id"},
		{"unknown field", map[string]any{"id": "x", "name": "X", "protocol": testProtocol(), "owner": "me"}, "PRESET_UNKNOWN_FIELD", "preset.owner"},
		{"missing protocol", map[string]any{"id": "x", "name": "X"}, "PRESET_PROTOCOL_REQUIRED", "preset.protocol"},
		{"tags not array", map[string]any{"id": "x", "name": "X", "tags": "gn", "protocol": testProtocol()}, "PRESET_TAGS_INVALID", "preset.tags"},
		{"bad createdAt", map[string]any{"id": "x", "name": "X", "createdAt": "2026-03-01", "protocol": testProtocol()}, "PRESET_CREATED_AT_INVALID", "preset.createdAt"},
		{
			"invalid protocol",
			map[string]any{"id": "x", "name": "X", "protocol": func() map[string]any {
				p := testProtocol()
				p["version"] = "2.0"

				return p
			}()},
			validation.CodeVersionInvalid,
			"preset.protocol.root.version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)

			_, err := store.Upsert(t.Context(), tt.input)
			require.Error(t, err)
			assert.Equal(t, CodeValidationFailed, taxonomy.CodeOf(err))

			errs := fieldErrorsOf(t, err)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.code, errs[0].Code)
			assert.Equal(t, tt.path, errs[0].Path)

			list, err := store.List(t.Context())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestStore_GetAndDelete(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(t.Context(), "missing")
	assert.Equal(t, CodeNotFound, taxonomy.CodeOf(err))

	_, err = store.Upsert(t.Context(), map[string]any{"id": "cubes", "name": "Cubes", "protocol": testProtocol()})
	require.NoError(t, err)

	deleted, err := store.Delete(t.Context(), "cubes")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(t.Context(), "cubes")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_LoadMigratesLegacyEntries(t *testing.T) {
	store := newTestStore(t)

	legacy := []any{map[string]any{
		"presetId":   "legacy-1",
		"title":      "Old preset",
		"labels":     []any{"old"},
		"created_at": "2025-01-01T00:00:00.000Z",
		"plan":       testProtocol(),
	}}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.path), 0o750))
	require.NoError(t, os.WriteFile(store.path, data, 0o600))

	list, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "legacy-1", list[0].ID)
	assert.Equal(t, "Old preset", list[0].Name)
	assert.Equal(t, []string{"old"}, list[0].Tags)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", list[0].CreatedAt)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", list[0].UpdatedAt)

	rewritten, err := os.ReadFile(store.path)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), `"schemaVersion": "1.0"`)
}

func TestStore_LoadRejectsCorruptFile(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(store.path), 0o750))
	require.NoError(t, os.WriteFile(store.path, []byte(`{"not":"an array"}`), 0o600))

	_, err := store.List(t.Context())
	assert.Equal(t, CodeStorageCorrupt, taxonomy.CodeOf(err))

	require.NoError(t, os.WriteFile(store.path, []byte(`[{"schemaVersion":"1.0","id":"x"}]`), 0o600))

	_, err = store.List(t.Context())
	assert.Equal(t, CodeStorageCorrupt, taxonomy.CodeOf(err))
}

func TestStore_ExportSelectsIDs(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Upsert(t.Context(), map[string]any{"id": id, "name": id, "protocol": testProtocol()})
		require.NoError(t, err)
	}

	all, err := store.Export(t.Context(), nil)
	require.NoError(t, err)
	assert.Len(t, all.Presets, 3)
	assert.Equal(t, BundleVersion, all.BundleVersion)
	assert.Equal(t, 3, all.Metadata["count"])

	some, err := store.Export(t.Context(), []string{"a", "c", "zzz"})
	require.NoError(t, err)
	require.Len(t, some.Presets, 2)
	assert.Equal(t, "c", some.Presets[0].ID)
	assert.Equal(t, "a", some.Presets[1].ID)
}

func TestStore_ImportRoundTrip(t *testing.T) {
	source := newTestStore(t)

	_, err := source.Upsert(t.Context(), map[string]any{"id": "cubes", "name": "Cubes", "protocol": testProtocol()})
	require.NoError(t, err)

	bundle, err := source.Export(t.Context(), nil)
	require.NoError(t, err)

	encoded, err := json.Marshal(bundle)
	require.NoError(t, err)

	target := newTestStore(t)

	_, err = target.Upsert(t.Context(), map[string]any{"id": "cubes", "name": "Local", "createdAt": "2020-01-01T00:00:00.000Z", "protocol": testProtocol()})
	require.NoError(t, err)

	result, err := target.Import(t.Context(), string(encoded))
	require.NoError(t, err)
	assert.Equal(t, 1, result.ImportedCount)
	assert.Equal(t, []string{"cubes"}, result.ImportedIDs)
	assert.Equal(t, BundleVersion, result.Bundle.Metadata["importedBundleVersion"])

	got, err := target.Get(t.Context(), "cubes")
	require.NoError(t, err)
	assert.Equal(t, "Cubes", got.Name)
	assert.Equal(t, "2020-01-01T00:00:00.000Z", got.CreatedAt)
}

func TestStore_ParseBundleShapes(t *testing.T) {
	store := newTestStore(t)

	legacy := map[string]any{"id": "l1", "name": "Legacy", "protocol": testProtocol()}

	bundle, err := store.ParseBundle([]any{legacy})
	require.NoError(t, err)
	assert.Equal(t, "0.9", bundle.Metadata["importedBundleVersion"])

	bundle, err = store.ParseBundle(map[string]any{"items": []any{legacy}, "version": "0.8"})
	require.NoError(t, err)
	assert.Equal(t, "0.8", bundle.Metadata["importedBundleVersion"])

	tests := []struct {
		name  string
		input any
		code  string
		path  string
	}{
		{"bad json string", "{", "PRESET_BUNDLE_JSON_INVALID", "bundle"},
		{"scalar", 42.0, "PRESET_BUNDLE_OBJECT_REQUIRED", "bundle"},
		{"missing presets", map[string]any{"bundleVersion": "1.0"}, "PRESET_BUNDLE_PRESETS_REQUIRED", "bundle.presets"},
		{"invalid preset", map[string]any{"presets": []any{"nope"}}, "PRESET_OBJECT_REQUIRED", "bundle.presets[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.ParseBundle(tt.input)
			assert.Equal(t, CodeBundleInvalid, taxonomy.CodeOf(err))

			errs := fieldErrorsOf(t, err)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.code, errs[0].Code)
			assert.Equal(t, tt.path, errs[0].Path)
		})
	}
}

func TestGenerateID(t *testing.T) {
	assert.Regexp(t, `^preset-[0-9a-f]{8}$`, generateID("  !!! "))
	assert.Regexp(t, `^my_preset.v2-[0-9a-f]{8}$`, generateID("My_Preset.v2"))
}
