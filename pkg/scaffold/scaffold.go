// Package scaffold copies the addon template into a run and rewrites it from an addon spec.
package scaffold

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dukex/aether/pkg/addonspec"
)

const (
	OperatorsFile = "operators.py"
	PanelsFile    = "panels.py"
	InitFile      = "__init__.py"
	MetadataFile  = "RUN_METADATA.txt"
)

var blInfoNamePattern = regexp.MustCompile(`"name":\s*"[^"]*"`)

// File is a scaffold file written by Rewrite.
type File struct {
	Path        string
	Description string
}

// Input is everything the rewrite derives the addon from.
type Input struct {
	RunID         string
	Prompt        string
	Model         string
	Provider      string
	ResolvedModel string
	PlanContent   string
	Spec          addonspec.Spec
}

//go:embed all:template
var templateFS embed.FS

// Template is the built-in addon scaffold used when no scaffold directory is configured.
func Template() fs.FS {
	sub, err := fs.Sub(templateFS, "template")
	if err != nil {
		panic(err)
	}

	return sub
}

// Copy mirrors the regular files and directories of src into dst. Symlinks and special files are skipped.
func Copy(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("scaffold source: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("scaffold source %s is not a directory", src)
	}

	return CopyFS(os.DirFS(src), dst)
}

// CopyFS mirrors fsys into dst.
func CopyFS(fsys fs.FS, dst string) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		target := filepath.Join(dst, filepath.FromSlash(path))

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case d.Type().IsRegular():
			return copyFile(fsys, path, target)
		default:
			return nil
		}
	})
}

func copyFile(fsys fs.FS, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}

// Rewrite regenerates the operator and panel modules, renames the addon in its bl_info
// and writes the run metadata file. The output depends only on in.
func Rewrite(addonPath string, in Input) ([]File, error) {
	spec := in.Spec

	operators := strings.Join([]string{
		"import bpy",
		"",
		"class AETHER_OT_example(bpy.types.Operator):",
		fmt.Sprintf(`    bl_idname = "%s"`, spec.OperatorIDName),
		fmt.Sprintf(`    bl_label = "%s"`, pyString(spec.OperatorLabel)),
		"    ",
		"    def execute(self, context):",
		fmt.Sprintf(`        self.report({'INFO'}, "%s")`, pyString(spec.OperatorMessage)),
		"        return {'FINISHED'}",
		"",
	}, "\n")

	panels := strings.Join([]string{
		"import bpy",
		"",
		"class AETHER_PT_main_panel(bpy.types.Panel):",
		fmt.Sprintf(`    bl_label = "%s"`, pyString(spec.PanelLabel)),
		`    bl_idname = "AETHER_PT_main_panel"`,
		"    bl_space_type = 'VIEW_3D'",
		"    bl_region_type = 'UI'",
		"    bl_category = 'Aether'",
		"",
		"    def draw(self, context):",
		"        layout = self.layout",
		fmt.Sprintf(`        layout.operator("%s", icon='PLAY')`, spec.OperatorIDName),
		"",
	}, "\n")

	operatorsPath := filepath.Join(addonPath, OperatorsFile)
	panelsPath := filepath.Join(addonPath, PanelsFile)
	initPath := filepath.Join(addonPath, InitFile)
	metadataPath := filepath.Join(addonPath, MetadataFile)

	if err := os.WriteFile(operatorsPath, []byte(operators), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write operators: %w", err)
	}

	if err := os.WriteFile(panelsPath, []byte(panels), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write panels: %w", err)
	}

	initSource, err := os.ReadFile(initPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read addon init: %w", err)
	}

	renamed := replaceFirst(string(initSource), fmt.Sprintf(`"name": "%s"`, pyString(spec.AddonName)))
	if err := os.WriteFile(initPath, []byte(renamed), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write addon init: %w", err)
	}

	specJSON, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, err
	}

	metadata := strings.Join([]string{
		"run_id=" + in.RunID,
		"model=" + in.Model,
		"status_seed=" + Seed(in.Prompt, in.Model, in.PlanContent),
		"provider=" + in.Provider,
		"resolved_model=" + in.ResolvedModel,
		"fallback=false",
		"",
		"plan:",
		in.PlanContent,
		"",
		"addon_spec:",
		string(specJSON),
		"",
	}, "\n")

	if err := os.WriteFile(metadataPath, []byte(metadata), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write run metadata: %w", err)
	}

	return []File{
		{Path: panelsPath, Description: "Generated panel behavior from prompt-derived addon spec."},
		{Path: initPath, Description: "Updated addon metadata name from prompt-derived addon spec."},
		{Path: operatorsPath, Description: "Generated operator behavior from prompt-derived addon spec."},
		{Path: metadataPath, Description: "Run metadata + deterministic plan output."},
	}, nil
}

// Seed is a short digest of the inputs that shaped a run's scaffold.
func Seed(prompt, model, planContent string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + model + "|" + planContent))

	return hex.EncodeToString(sum[:])[:12]
}

// Summary is the assistant message describing the rewritten addon.
func Summary(spec addonspec.Spec) string {
	return fmt.Sprintf("Generated addon update:\n- Add-on name: %s\n- Panel: %s\n- Operator: %s (%s)\n- Behavior: %s",
		spec.AddonName, spec.PanelLabel, spec.OperatorLabel, spec.OperatorIDName, spec.OperatorMessage)
}

func pyString(v string) string {
	return strings.ReplaceAll(v, `"`, "'")
}

func replaceFirst(source, replacement string) string {
	loc := blInfoNamePattern.FindStringIndex(source)
	if loc == nil {
		return source
	}

	return source[:loc[0]] + replacement + source[loc[1]:]
}
