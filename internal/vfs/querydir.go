package vfs

import (
	"context"
	"log"
	"os"

	"golang.org/x/xerrors"

	"github.com/notmuchfs/notmuchfs/internal/notmuch"
)

// ErrDiscontiguousReaddir is returned when a readdir continuation does not
// present offset_in + 1 == next_offset.
var ErrDiscontiguousReaddir = xerrors.New("readdir offset is discontiguous")

// Entry is one materialized cur/ directory entry: the encoded maildir
// filename and the attributes it would report if stat'd directly.
type Entry struct {
	Name string
	Attr Attr
}

// QueryDirHandle owns the notmuch session, held open for the handle's
// entire lifetime, and the materialized, ordered list of matching backing
// files. The list is
// fetched eagerly at Open time; fetching it once and serving readdir from
// an in-memory slice is this package's stand-in for the library's
// query-and-message-iterator pair; the externally observable contract
// (strictly increasing offsets, one entry per message, re-fetch safety) is
// identical.
type QueryDirHandle struct {
	sess       *notmuch.Session
	entries    []Entry
	pos        int
	nextOffset uint64
}

// OpenQueryDir resolves queryName's query string (through its symlink chain
// if any), acquires the index session, and materializes the matching
// backing filenames. On any failure the session is released before
// returning.
func OpenQueryDir(ctx context.Context, cfg *Config, sess *notmuch.Session, queryName string) (*QueryDirHandle, error) {
	queryString, err := ResolveQuery(cfg.BackingDir, queryName)
	if err != nil {
		return nil, xerrors.Errorf("resolving query: %w", err)
	}

	if err := sess.Open(ctx); err != nil {
		return nil, xerrors.Errorf("opening index: %w", err)
	}

	files, err := sess.Files(ctx, queryString)
	if err != nil {
		sess.Close()
		return nil, xerrors.Errorf("running query: %w", err)
	}

	h := &QueryDirHandle{sess: sess, nextOffset: 1}
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			if os.IsNotExist(err) {
				log.Printf("notmuchfs: %s: message file missing, skipping", f)
				continue
			}
			sess.Close()
			return nil, xerrors.Errorf("stat %s: %w", f, err)
		}
		h.entries = append(h.entries, Entry{
			Name: Encode(f),
			Attr: Attr{Size: uint64(fi.Size()) + H, Mode: fi.Mode(), ModTime: fi.ModTime()},
		})
	}
	return h, nil
}

// Close releases the index session acquired by OpenQueryDir. It must be
// called exactly once, corresponding to FUSE's releasedir.
func (h *QueryDirHandle) Close() {
	h.sess.Close()
}

// ReadDir serves one readdir call starting at offsetIn. emit is invoked
// once per directory entry (including the "." and ".." prelude at
// offsetIn == 0) with the name and the offset to report for it; it must
// return false when the caller's buffer has no room left, in which case
// ReadDir stops without having committed that entry. The next call must
// then pass offsetIn equal to the offset of the last successfully emitted
// entry, and ReadDir resumes with the entry that did not fit.
func (h *QueryDirHandle) ReadDir(offsetIn uint64, emit func(name string, offset uint64) bool) error {
	if offsetIn == 0 {
		h.pos = 0
		h.nextOffset = 1
	} else if offsetIn+1 != h.nextOffset {
		return ErrDiscontiguousReaddir
	}

	if h.nextOffset == 1 {
		if !emit(".", h.nextOffset) {
			return nil
		}
		h.nextOffset++
	}
	if h.nextOffset == 2 {
		if !emit("..", h.nextOffset) {
			return nil
		}
		h.nextOffset++
	}

	for h.pos < len(h.entries) {
		e := h.entries[h.pos]
		if !emit(e.Name, h.nextOffset) {
			return nil
		}
		h.nextOffset++
		h.pos++
	}
	return nil
}
