package notmuch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Files runs query against the index and returns the canonical backing
// filename of every matching message. It passes --exclude=all (omit-excluded
// "all", in the library's terms), so notmuch itself drops messages carrying
// any tag in the database's configured search.exclude_tags; the list
// captured by NewSession is not passed to the command. The session must
// already be open.
func (s *Session) Files(ctx context.Context, query string) ([]string, error) {
	out, err := s.command(ctx, "search", "--format=json", "--output=files", "--exclude=all", "--", query).Output()
	if err != nil {
		return nil, errors.Wrap(err, "notmuch search --output=files")
	}
	var files []string
	if err := json.Unmarshal(out, &files); err != nil {
		return nil, errors.Wrap(err, "parsing notmuch search --output=files")
	}
	sort.Strings(files)
	return files, nil
}

// relPath turns an absolute backing filename into a path relative to the
// mail root this session was opened against, the form FindByFilename
// builds its path: search term from.
func (s *Session) relPath(absPath string) string {
	rel, err := filepath.Rel(s.mailDir, absPath)
	if err != nil {
		return absPath
	}
	return rel
}

// sameFile reports whether a notmuch --output=files entry and a backing
// path (as ConfineToMailDir resolves it) name the same file, tolerating
// the path-separator and trailing-slash differences filepath.Clean
// normalizes away.
func sameFile(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// filesForMessage returns the backing filenames notmuch has on record for
// the message identified by idTerm (as returned by FindByFilename).
func (s *Session) filesForMessage(ctx context.Context, idTerm string) ([]string, error) {
	out, err := s.command(ctx, "search", "--format=json", "--output=files", "--", idTerm).Output()
	if err != nil {
		return nil, errors.Wrap(err, "notmuch search --output=files")
	}
	var files []string
	if err := json.Unmarshal(out, &files); err != nil {
		return nil, errors.Wrap(err, "parsing notmuch search --output=files")
	}
	return files, nil
}

// FindByFilename returns the id: search term for the message stored at
// absPath, and whether one was found at all. notmuch's path: prefix
// matches every message filed under a directory, not a single file, so
// this searches path:<dir-of-absPath> for candidate messages and then
// picks the one whose own --output=files list actually contains absPath
// (a directory can hold files belonging to several different messages,
// e.g. after a flag-changing rename leaves both copies briefly on disk).
func (s *Session) FindByFilename(ctx context.Context, absPath string) (idTerm string, found bool, err error) {
	dir := filepath.Dir(s.relPath(absPath))
	term := fmt.Sprintf("path:%q", dir)
	out, err := s.command(ctx, "search", "--format=json", "--output=messages", "--", term).Output()
	if err != nil {
		return "", false, errors.Wrap(err, "notmuch search --output=messages")
	}
	var ids []string
	if err := json.Unmarshal(out, &ids); err != nil {
		return "", false, errors.Wrap(err, "parsing notmuch search --output=messages")
	}
	for _, id := range ids {
		files, err := s.filesForMessage(ctx, id)
		if err != nil {
			return "", false, err
		}
		for _, f := range files {
			if sameFile(f, absPath) {
				return id, true, nil
			}
		}
	}
	return "", false, nil
}

// TagsByID returns the notmuch tags attached to the message identified by
// idTerm, as returned by FindByFilename.
func (s *Session) TagsByID(ctx context.Context, idTerm string) ([]string, error) {
	out, err := s.command(ctx, "search", "--format=json", "--output=tags", "--", idTerm).Output()
	if err != nil {
		return nil, errors.Wrap(err, "notmuch search --output=tags")
	}
	var tags []string
	if err := json.Unmarshal(out, &tags); err != nil {
		return nil, errors.Wrap(err, "parsing notmuch search --output=tags")
	}
	return tags, nil
}

// Tags returns the notmuch tags attached to the message stored at absPath.
// A path matching no message returns an empty slice, not an error: callers
// that need "not found" as a distinct condition should call FindByFilename
// first.
func (s *Session) Tags(ctx context.Context, absPath string) ([]string, error) {
	idTerm, found, err := s.FindByFilename(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return s.TagsByID(ctx, idTerm)
}

// AddTag adds tag to the message identified by idTerm (as returned by
// FindByFilename).
func (s *Session) AddTag(ctx context.Context, idTerm, tag string) error {
	out, err := s.command(ctx, "tag", "+"+tag, "--", idTerm).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "notmuch tag +%s: %s", tag, bytes.TrimSpace(out))
	}
	return nil
}

// RemoveTag removes tag from the message identified by idTerm.
func (s *Session) RemoveTag(ctx context.Context, idTerm, tag string) error {
	out, err := s.command(ctx, "tag", "-"+tag, "--", idTerm).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "notmuch tag -%s: %s", tag, bytes.TrimSpace(out))
	}
	return nil
}

var notmuchNewCounts = regexp.MustCompile(`Added (\d+) new message|Removed (\d+) message`)

// Reconcile runs `notmuch new`, the CLI's stand-in for the library's
// add_message/remove_message pair: it indexes files that appeared on disk
// since the last call and drops records for files that vanished. Its
// textual summary is the only signal the CLI gives for the distinction a
// library binding would see as NOTMUCH_STATUS_SUCCESS vs
// NOTMUCH_STATUS_DUPLICATE_MESSAGE_ID: a file rename that lands on a
// message-id notmuch already knows about produces Added == 0 (the
// "duplicate" / expected path), while a genuinely new message-id produces
// Added >= 1 (the "success" / warn path).
func (s *Session) Reconcile(ctx context.Context) (added, removed int, err error) {
	out, err := s.command(ctx, "new", "--quiet=false").CombinedOutput()
	if err != nil {
		return 0, 0, errors.Wrapf(err, "notmuch new: %s", bytes.TrimSpace(out))
	}
	for _, m := range notmuchNewCounts.FindAllStringSubmatch(string(out), -1) {
		if m[1] != "" {
			n, _ := strconv.Atoi(m[1])
			added += n
		}
		if m[2] != "" {
			n, _ := strconv.Atoi(m[2])
			removed += n
		}
	}
	return added, removed, nil
}

// maildirFlag is a single letter in the maildir ":2," suffix and the tag it
// maps to. "unread", which is implied by the absence of S rather than by a
// letter of its own, is handled separately in SyncMaildirFlags.
type maildirFlag struct {
	letter byte
	tag    string
}

// flagToTag is the maildir flags notmuchfs understands and the tag each
// one carries when present.
var flagToTag = []maildirFlag{
	{'F', "flagged"},
	{'R', "replied"},
	{'T', "deleted"},
	{'D', "draft"},
	{'P', "passed"},
}

// maildirSuffix extracts the ":2,FLAGS" suffix from a maildir filename, or
// "" if the filename carries none.
func maildirSuffix(filename string) string {
	base := filepath.Base(filename)
	i := strings.LastIndex(base, ":2,")
	if i == -1 {
		return ""
	}
	return base[i+len(":2,"):]
}

// SyncMaildirFlags is the explicit fallback for the index's maildir-flags-
// to-tags normalizer, used regardless of whether the notmuch database has
// maildir.synchronize_flags enabled: it derives
// the tag set a maildir-aware client expects from T's filename suffix and
// applies exactly the add/remove calls needed to reach it.
func (s *Session) SyncMaildirFlags(ctx context.Context, idTerm, filename string) error {
	suffix := maildirSuffix(filename)
	present := make(map[byte]bool, len(suffix))
	for i := 0; i < len(suffix); i++ {
		present[suffix[i]] = true
	}

	if present['S'] {
		if err := s.RemoveTag(ctx, idTerm, "unread"); err != nil {
			return err
		}
	} else {
		if err := s.AddTag(ctx, idTerm, "unread"); err != nil {
			return err
		}
	}

	for _, mf := range flagToTag {
		if present[mf.letter] {
			if err := s.AddTag(ctx, idTerm, mf.tag); err != nil {
				return err
			}
		} else {
			if err := s.RemoveTag(ctx, idTerm, mf.tag); err != nil {
				return err
			}
		}
	}
	return nil
}
