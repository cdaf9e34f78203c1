package vfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/notmuchfs/notmuchfs/internal/notmuch"
)

// Attr is the subset of stat(2) results the filesystem surfaces for any
// virtual path: enough for the FUSE bridge to build fuseops.InodeAttributes
// without this package depending on jacobsa/fuse.
type Attr struct {
	Size    uint64
	Mode    os.FileMode
	ModTime time.Time
}

func attrFromFileInfo(fi os.FileInfo) Attr {
	return Attr{Size: uint64(fi.Size()), Mode: fi.Mode(), ModTime: fi.ModTime()}
}

// Stat produces stat-like results for any virtual path, inflating
// VIRTUAL_FILE sizes by H. Not-found conditions are reported as
// os.ErrNotExist (test with os.IsNotExist); other I/O errors are returned
// as-is, wrapped with the path that failed.
func Stat(ctx context.Context, cfg *Config, sess *notmuch.Session, p string, allowCompat bool) (Attr, error) {
	cls := Classify(p, allowCompat)
	switch cls.Region {
	case ROOT:
		fi, err := os.Stat(cfg.BackingDir)
		if err != nil {
			return Attr{}, err
		}
		return attrFromFileInfo(fi), nil

	case QUERY:
		fi, err := os.Lstat(filepath.Join(cfg.BackingDir, cls.Query))
		if err != nil {
			return Attr{}, err
		}
		return attrFromFileInfo(fi), nil

	case MAILDIRSUB:
		fi, err := os.Stat(filepath.Join(cfg.BackingDir, cls.Query))
		if err != nil {
			return Attr{}, err
		}
		a := attrFromFileInfo(fi)
		a.Mode = os.ModeDir | (fi.Mode() & os.ModePerm)
		return a, nil

	case VIRTUALFILE:
		confined, err := ConfineToMailDir(cfg, cls.BackingPath)
		if err != nil {
			return Attr{}, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
		}
		fi, err := os.Stat(confined)
		if err != nil {
			return Attr{}, err
		}
		a := attrFromFileInfo(fi)
		a.Size += H
		return a, nil

	case BACKING:
		fi, err := os.Lstat(filepath.Join(cfg.BackingDir, strings.TrimPrefix(p, "/")))
		if err != nil {
			return Attr{}, err
		}
		return attrFromFileInfo(fi), nil

	default:
		return Attr{}, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
	}
}
