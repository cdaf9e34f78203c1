package vfs

import (
	"os"
	"path/filepath"
	"strings"
)

// BackingPath maps a virtual path to its equivalent path in the backing
// directory, by stripping the leading '/' and joining it onto BackingDir.
func BackingPath(cfg *Config, p string) string {
	return filepath.Join(cfg.BackingDir, strings.TrimPrefix(p, "/"))
}

// Mkdir forwards mkdir to the backing directory.
func Mkdir(cfg *Config, p string, mode os.FileMode) error {
	return os.Mkdir(BackingPath(cfg, p), mode)
}

// Rmdir forwards rmdir to the backing directory.
func Rmdir(cfg *Config, p string) error {
	return os.Remove(BackingPath(cfg, p))
}

// Symlink forwards symlink creation to the backing directory.
func Symlink(cfg *Config, target, p string) error {
	return os.Symlink(target, BackingPath(cfg, p))
}

// Readlink forwards readlink to the backing directory.
func Readlink(cfg *Config, p string) (string, error) {
	return os.Readlink(BackingPath(cfg, p))
}

// Unlink removes a non-encoded path directly in the backing store; an
// encoded path has its decoded backing file removed, with the index
// deliberately left untouched (a subsequent `notmuch new` is expected to
// reconcile the stale filename).
func Unlink(cfg *Config, p string, allowCompat bool) error {
	cls := Classify(p, allowCompat)
	if cls.Region == VIRTUALFILE {
		confined, err := ConfineToMailDir(cfg, cls.BackingPath)
		if err != nil {
			return err
		}
		return os.Remove(confined)
	}
	return os.Remove(BackingPath(cfg, p))
}

// PassthroughRename forwards a rename directly to the backing store, for
// the case where neither side contains '#'.
func PassthroughRename(cfg *Config, srcPath, dstPath string) error {
	return os.Rename(BackingPath(cfg, srcPath), BackingPath(cfg, dstPath))
}

// ChdirBacking changes the process's working directory to the backing
// directory, so subsequent relative path resolution for passthrough
// operations happens from there.
func ChdirBacking(cfg *Config) error {
	return os.Chdir(cfg.BackingDir)
}
