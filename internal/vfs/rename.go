package vfs

import (
	"context"
	"log"
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/notmuchfs/notmuchfs/internal/notmuch"
)

// ErrRenameNotSupported is returned when the validation cascade below
// rejects a rename between two encoded names.
var ErrRenameNotSupported = xerrors.New("rename not supported")

// RenameCase classifies a validated rename of two encoded names.
type RenameCase int

const (
	// RenameSameDir is a flag-changing rename within the same cur/ (or,
	// in compat mode, new/) directory.
	RenameSameDir RenameCase = iota
	// RenameCurToNew is the mutt #2476 workaround: a rename from cur/ to
	// new/ with an otherwise identical encoded name.
	RenameCurToNew
	// RenameNewToCur is the symmetric compat case.
	RenameNewToCur
)

// validateRenameCascade implements the rejection cascade for a rename
// between two encoded maildir names. It operates on the full virtual paths (not just their last segments)
// because the compat rescue needs to see which path segment, if any,
// differs before the encoded token begins.
func validateRenameCascade(src, dst string, allowCompat bool) (RenameCase, error) {
	srcHash := strings.Contains(src, "#")
	dstHash := strings.Contains(dst, "#")
	if srcHash != dstHash {
		return 0, ErrRenameNotSupported
	}

	lastSrc := strings.LastIndex(src, "#")
	lastDst := strings.LastIndex(dst, "#")
	if lastSrc != lastDst {
		return 0, ErrRenameNotSupported
	}

	prefixSrc, prefixDst := src[:lastSrc], dst[:lastDst]
	if prefixSrc == prefixDst {
		return RenameSameDir, nil
	}
	if !allowCompat {
		return 0, ErrRenameNotSupported
	}

	segsSrc := strings.Split(prefixSrc, "/")
	segsDst := strings.Split(prefixDst, "/")
	if len(segsSrc) != len(segsDst) {
		return 0, ErrRenameNotSupported
	}
	diffIdx := -1
	for i := range segsSrc {
		if segsSrc[i] != segsDst[i] {
			if diffIdx != -1 {
				return 0, ErrRenameNotSupported
			}
			diffIdx = i
		}
	}
	if diffIdx == -1 {
		return RenameSameDir, nil
	}

	switch {
	case segsSrc[diffIdx] == "cur" && segsDst[diffIdx] == "new":
		return RenameCurToNew, nil
	case segsSrc[diffIdx] == "new" && segsDst[diffIdx] == "cur":
		return RenameNewToCur, nil
	default:
		return 0, ErrRenameNotSupported
	}
}

// Rename maps a rename of two encoded maildir names into a backing-file
// rename plus an index reconciliation and maildir-flag resync. The index
// steps run atomically with respect to other index users (the session
// mutex is held from reconciliation through the last tag change); the
// backing-file rename happens before the mutex is taken. If neither path
// contains '#' the caller should use a
// plain passthrough rename instead; Rename assumes at least one side is
// encoded.
func Rename(ctx context.Context, cfg *Config, sess *notmuch.Session, srcPath, dstPath string, allowCompat bool) error {
	caseKind, err := validateRenameCascade(srcPath, dstPath, allowCompat)
	if err != nil {
		return err
	}

	clsSrc := Classify(srcPath, allowCompat)
	clsDst := Classify(dstPath, allowCompat)
	if clsSrc.Region != VIRTUALFILE || clsDst.Region != VIRTUALFILE {
		return ErrRenameNotSupported
	}
	F, err := ConfineToMailDir(cfg, clsSrc.BackingPath)
	if err != nil {
		return err
	}
	T, err := ConfineToMailDir(cfg, clsDst.BackingPath)
	if err != nil {
		return err
	}

	if F != T {
		if err := os.Rename(F, T); err != nil {
			return err
		}
	}

	if err := sess.Open(ctx); err != nil {
		return xerrors.Errorf("opening index: %w", err)
	}
	defer sess.Close()

	if err := sess.BeginAtomic(ctx); err != nil {
		return xerrors.Errorf("index atomic section: %w", err)
	}
	defer sess.EndAtomic(ctx)

	// Steps 4-5 (add T to the index, then resync its maildir-flag tags)
	// are skipped entirely when F == T: nothing changed on disk, so
	// there is nothing for the index to reconcile. F == T happens only
	// under the compat workaround, where cur and new encode to the same
	// backing path.
	if F != T {
		added, _, err := sess.Reconcile(ctx)
		if err != nil {
			return xerrors.Errorf("reconciling index: %w", err)
		}
		if added > 0 {
			// A genuinely new message-id is the surprising outcome here:
			// the destination of a rename is expected to already be
			// indexed under F's message-id, so notmuch new reports it as
			// a duplicate (added == 0).
			log.Printf("notmuchfs: rename %s -> %s: indexed as a new message instead of the expected duplicate", F, T)
		}

		idTerm, found, err := sess.FindByFilename(ctx, T)
		if err != nil {
			return xerrors.Errorf("looking up %s: %w", T, err)
		}
		if !found {
			log.Printf("notmuchfs: %s: message not found after rename, skipping tag sync", T)
		} else if err := sess.SyncMaildirFlags(ctx, idTerm, T); err != nil {
			return xerrors.Errorf("syncing maildir flags: %w", err)
		}
	}

	if caseKind == RenameCurToNew {
		idTerm, found, err := sess.FindByFilename(ctx, T)
		if err != nil {
			return xerrors.Errorf("looking up %s: %w", T, err)
		}
		if !found {
			log.Printf("notmuchfs: %s: message not found after rename, skipping unread tag", T)
		} else if err := sess.AddTag(ctx, idTerm, "unread"); err != nil {
			return xerrors.Errorf("tagging unread: %w", err)
		}
	}

	return nil
}
