// Package validate holds input hardening helpers: filesystem path
// validation, HTML-entity escaping, and a conservative SQL-injection
// denylist used as a secondary signal. Everything here fails closed.
package validate

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// PathOptions tightens Path beyond the default traversal checks.
type PathOptions struct {
	// AllowHidden permits dot-prefixed path elements. Off by default.
	AllowHidden bool
	// AllowedExtensions, when non-empty, restricts the final element's
	// extension (lowercase, including the dot, e.g. ".json").
	AllowedExtensions []string
}

// Path normalizes input and verifies that its resolved real path is equal
// to or a descendant of one of allowedRoots. Null bytes, `..` traversal,
// and symlinks escaping the roots are all rejected with InvalidInput.
func Path(input string, allowedRoots []string, opts PathOptions) (string, error) {
	if input == "" {
		return "", apperr.InvalidInput("path is required")
	}
	if strings.ContainsRune(input, 0) {
		return "", apperr.InvalidInput("path contains null byte")
	}
	if len(allowedRoots) == 0 {
		return "", apperr.InvalidInput("no allowed roots configured")
	}

	clean := filepath.Clean(input)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", apperr.InvalidInput("path traversal detected")
		}
		if !opts.AllowHidden && len(part) > 1 && strings.HasPrefix(part, ".") {
			return "", apperr.InvalidInput("hidden path element %q not allowed", part)
		}
	}

	if len(opts.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(clean))
		ok := false
		for _, allowed := range opts.AllowedExtensions {
			if ext == strings.ToLower(allowed) {
				ok = true
				break
			}
		}
		if !ok {
			return "", apperr.InvalidInput("extension %q not allowed", ext)
		}
	}

	// Resolve symlinks on the deepest existing ancestor so a link inside
	// the tree cannot escape the root. The file itself may not exist yet.
	resolved, err := resolveExisting(clean)
	if err != nil {
		return "", apperr.InvalidInput("cannot resolve path").WithCause(err)
	}

	for _, root := range allowedRoots {
		rootResolved, err := filepath.EvalSymlinks(filepath.Clean(root))
		if err != nil {
			continue
		}
		if resolved == rootResolved || strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", apperr.InvalidInput("path escapes allowed roots")
}

// resolveExisting walks up until it finds an existing ancestor, resolves
// its symlinks, then re-appends the non-existing suffix.
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	existing := abs
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, suffix...)...), nil
}
