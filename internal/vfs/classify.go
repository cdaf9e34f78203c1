package vfs

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
)

// Region is one of the five virtual path regions a path classifies into.
type Region int

const (
	ROOT Region = iota
	QUERY
	MAILDIRSUB
	VIRTUALFILE
	BACKING
	UNKNOWN
)

func (r Region) String() string {
	switch r {
	case ROOT:
		return "ROOT"
	case QUERY:
		return "QUERY"
	case MAILDIRSUB:
		return "MAILDIR_SUB"
	case VIRTUALFILE:
		return "VIRTUAL_FILE"
	case BACKING:
		return "BACKING"
	default:
		return "UNKNOWN"
	}
}

// Classification is the result of classifying a virtual path.
type Classification struct {
	Region Region
	// Query is the undecoded top-level directory name (<q>), valid for
	// QUERY, MAILDIRSUB and VIRTUALFILE.
	Query string
	// Sub is "new", "tmp" or "cur", valid for MAILDIRSUB and VIRTUALFILE.
	Sub string
	// BackingPath is the decoded backing path, valid for VIRTUALFILE.
	BackingPath string
	// CompatActive is true when a VIRTUALFILE was classified under new/
	// via the mutt #2476 workaround rather than under cur/.
	CompatActive bool
}

// Classify decides which of the five regions a virtual path (always
// absolute) refers to, given whether the mutt #2476 compatibility mode is
// enabled.
func Classify(p string, allowCompat bool) Classification {
	if p == "/" {
		return Classification{Region: ROOT}
	}

	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")

	if len(segs) == 1 {
		return Classification{Region: QUERY, Query: segs[0]}
	}

	last := segs[len(segs)-1]
	if len(segs) == 2 && (last == "new" || last == "tmp" || last == "cur") {
		return Classification{Region: MAILDIRSUB, Query: segs[0], Sub: last}
	}

	if strings.Contains(last, "#") {
		parent := segs[len(segs)-2]
		switch {
		case parent == "cur":
			return Classification{
				Region:      VIRTUALFILE,
				Query:       segs[0],
				Sub:         "cur",
				BackingPath: Decode(last),
			}
		case allowCompat && parent == "new":
			return Classification{
				Region:       VIRTUALFILE,
				Query:        segs[0],
				Sub:          "new",
				BackingPath:  Decode(last),
				CompatActive: true,
			}
		default:
			return Classification{Region: UNKNOWN}
		}
	}

	return Classification{Region: BACKING}
}

// maxQuerySymlinkDepth bounds the symlink chain ResolveQuery will follow.
const maxQuerySymlinkDepth = 40

// ResolveQuery follows the symlink chain (if any) starting at
// <backingDir>/<queryName>, returning the notmuch query string that name
// ultimately designates: a query name that is a regular file or does not
// exist is returned unchanged (its own name is the query string), while a
// symlink's target, resolved recursively, is the query string instead.
func ResolveQuery(backingDir, queryName string) (string, error) {
	name := queryName
	for i := 0; i < maxQuerySymlinkDepth; i++ {
		fi, err := os.Lstat(filepath.Join(backingDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return name, nil
			}
			return "", xerrors.Errorf("lstat %s: %w", name, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return name, nil
		}
		target, err := os.Readlink(filepath.Join(backingDir, name))
		if err != nil {
			return "", xerrors.Errorf("readlink %s: %w", name, err)
		}
		name = target
	}
	return "", xerrors.Errorf("resolving query %q: %w", queryName, ErrSymlinkLoop)
}

// ErrSymlinkLoop is returned by ResolveQuery when the symlink chain exceeds
// maxQuerySymlinkDepth.
var ErrSymlinkLoop = xerrors.New("too many symlinks resolving query name")
