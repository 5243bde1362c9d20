package files

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// Resolver confines paths to a workspace root.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
// Relative paths are taken from the root. Paths that escape the root, either
// lexically or through a symlink, fail with PermissionDenied.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", errs.New(errs.InvalidArgument, "path is required")
	}
	rootAbs, err := r.rootAbs()
	if err != nil {
		return "", err
	}

	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, err, "resolve path")
	}
	if !within(rootAbs, targetAbs) {
		return "", errs.Newf(errs.PermissionDenied, "path %q escapes workspace", path)
	}

	resolved, err := evalExisting(targetAbs)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, err, "resolve path")
	}
	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		realRoot = rootAbs
	}
	if !within(realRoot, resolved) {
		return "", errs.Newf(errs.PermissionDenied, "path %q escapes workspace through a symlink", path)
	}
	return targetAbs, nil
}

// RootDir returns the absolute workspace root.
func (r Resolver) RootDir() (string, error) {
	return r.rootAbs()
}

func (r Resolver) rootAbs() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errs.Wrap(errs.InvalidState, err, "resolve workspace root")
	}
	return abs, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// appends the missing remainder.
func evalExisting(path string) (string, error) {
	missing := ""
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, missing), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		missing = filepath.Join(filepath.Base(cur), missing)
		cur = parent
	}
}
