package workers

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// resolveScopedPath resolves path relative to dir and rejects anything that
// would escape it, via the same canonicalization + symlink/hardlink checks
// as the teacher's internal/tools/filesystem.go resolvePath, simplified
// since a worker's file tools are always restricted (no restrict=false mode,
// no sandbox routing, no allow/deny prefix lists).
func resolveScopedPath(path, dir string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(dir, path))
	}

	absDir, _ := filepath.Abs(dir)
	dirReal, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		dirReal = absDir
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if os.IsNotExist(err) {
			if linfo, lerr := os.Lstat(absResolved); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
				target, readErr := os.Readlink(absResolved)
				if readErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve symlink")
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(absResolved), target)
				}
				target = filepath.Clean(target)

				resolvedTarget, resolveErr := resolveThroughExistingAncestors(target)
				if resolveErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve broken symlink target")
				}
				if !isPathInside(resolvedTarget, dirReal) {
					return "", fmt.Errorf("access denied: broken symlink target outside worker directory")
				}
				real = resolvedTarget
			} else {
				parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
				if parentErr != nil {
					return "", fmt.Errorf("access denied: cannot resolve path")
				}
				real = filepath.Join(parentReal, filepath.Base(absResolved))
			}
		} else {
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
	}

	if !isPathInside(real, dirReal) {
		return "", fmt.Errorf("access denied: path outside worker directory")
	}
	if hasMutableSymlinkParent(real) {
		return "", fmt.Errorf("access denied: path contains mutable symlink component")
	}
	if err := checkHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

func hasMutableSymlinkParent(path string) bool {
	clean := filepath.Clean(path)
	components := strings.Split(clean, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break
		}
		if info.Mode()&os.ModeSymlink != 0 {
			parentDir := filepath.Dir(current)
			if syscall.Access(parentDir, 0x2) == nil {
				return true
			}
		}
	}
	return false
}

func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Nlink > 1 {
			slog.Warn("security.hardlink_rejected", "path", path, "nlink", stat.Nlink)
			return fmt.Errorf("access denied: hardlinked file not allowed")
		}
	}
	return nil
}

// validFilename enforces the worker file-write constraints from spec.md
// 4.B: length <= 255, no path separators, no leading dot, and not one of
// the reserved worker-control filenames.
func validFilename(name string) error {
	if len(name) == 0 || len(name) > 255 {
		return fmt.Errorf("filename length must be between 1 and 255 characters")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("filename must not contain path separators")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("filename must not start with a dot")
	}
	switch name {
	case "status.json", "task.md", "steering.md":
		return fmt.Errorf("filename %q is reserved", name)
	}
	return nil
}

const maxWorkerFileBytes = 100 * 1024
