package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/validation"
)

// assertStepIDSafe re-checks a step id before it becomes a path component.
func assertStepIDSafe(stepID string) (string, error) {
	normalized := strings.TrimSpace(stepID)
	if !validation.IsSafeStepID(normalized) {
		return "", taxonomy.Newf(taxonomy.CodeInvalidStepID,
			"Invalid protocol step id %q. Only [A-Za-z0-9._-] up to 80 chars are allowed.", normalized)
	}

	return normalized, nil
}

func isSubPath(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}

// assertPathSafe requires target to stay under root and walks every existing component
// from root down, rejecting symlinks. The walk stops at the first missing component.
func assertPathSafe(root, target string) (string, error) {
	resolvedRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	resolvedTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}

	if !isSubPath(resolvedRoot, resolvedTarget) {
		return "", taxonomy.Newf(taxonomy.CodePathTraversalBlocked,
			"Artifact path escapes protocol root: %s", resolvedTarget)
	}

	info, err := os.Lstat(resolvedRoot)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return resolvedTarget, nil
	case err != nil:
		return "", fmt.Errorf("failed to inspect %s: %w", resolvedRoot, err)
	case info.Mode()&fs.ModeSymlink != 0:
		return "", taxonomy.Newf(taxonomy.CodeSymlinkBlocked,
			"Protocol artifact root cannot be a symlink: %s", resolvedRoot)
	}

	rel, err := filepath.Rel(resolvedRoot, resolvedTarget)
	if err != nil || rel == "." {
		return resolvedTarget, nil
	}

	current := resolvedRoot
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		if segment == "" {
			continue
		}

		current = filepath.Join(current, segment)

		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}

		if err != nil {
			return "", fmt.Errorf("failed to inspect %s: %w", current, err)
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			return "", taxonomy.Newf(taxonomy.CodeSymlinkBlocked,
				"Protocol artifact path contains symlink segment: %s", current)
		}
	}

	return resolvedTarget, nil
}
