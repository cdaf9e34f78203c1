// Package notmuch wraps the notmuch command-line tool as a session-style
// index handle: open/close, query, per-message tag operations, and the
// maildir-flag-to-tag normalizer, mirroring the contract a cgo binding to
// libnotmuch would expose.
package notmuch

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// maxExcludeTagBytes bounds how much of `notmuch config get
// search.exclude_tags` is captured at startup.
const maxExcludeTagBytes = 128

// contentionRetryInterval is how long Open sleeps before retrying when the
// index reports it is locked by another writer.
var contentionRetryInterval = time.Second

// Session serializes all access to a single notmuch database. At most one
// Open/Close pair may be in flight at any moment; the mutex enforces that
// directly, matching the index's single-writer semantics.
type Session struct {
	mailDir string

	mu     sync.Mutex
	opened bool // true only while the mutex's holder is between Open and Close

	excludeTags []string
}

// NewSession captures the configured exclude-tags list and returns a Session
// bound to the notmuch database rooted at mailDir. It does not open the
// index; that happens per-operation via Open.
func NewSession(ctx context.Context, mailDir string) (*Session, error) {
	s := &Session{mailDir: mailDir}
	out, err := s.command(ctx, "config", "get", "search.exclude_tags").Output()
	if err != nil {
		return nil, errors.Wrap(err, "notmuch config get search.exclude_tags")
	}
	if len(out) > maxExcludeTagBytes {
		out = out[:maxExcludeTagBytes]
	}
	out = bytes.TrimRight(out, "\n")
	for _, tag := range strings.Split(string(out), "\n") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			s.excludeTags = append(s.excludeTags, tag)
		}
	}
	return s, nil
}

// ExcludeTags returns the tags captured at startup that cur/ listings omit.
func (s *Session) ExcludeTags() []string {
	return s.excludeTags
}

// ErrUpgradeRequired is returned by Open when the on-disk database format is
// newer or older than this notmuch binary can use without an upgrade. The
// caller must treat this as fatal rather than retry.
var ErrUpgradeRequired = errors.New("notmuch database requires an upgrade")

// Open acquires the session mutex, retrying indefinitely (with a fixed
// backoff) while the index reports lock contention from another writer. It
// returns ErrUpgradeRequired, which callers must treat as fatal, if the
// database needs an upgrade.
func (s *Session) Open(ctx context.Context) error {
	for {
		s.mu.Lock()
		s.opened = true
		// A lightweight probe confirms the database is reachable, not
		// locked by another writer and not in need of an upgrade before
		// handing control back to the caller. Only this probe is checked
		// for lock contention; later commands are not retried.
		out, err := s.command(ctx, "count", "--output=messages", "*").CombinedOutput()
		if err == nil {
			return nil
		}
		if isUpgradeRequired(out) {
			s.opened = false
			s.mu.Unlock()
			return ErrUpgradeRequired
		}
		if !isLockContention(out) {
			// Not a contention error: surface it, but keep the session
			// marked closed since the caller will not call Close.
			s.opened = false
			s.mu.Unlock()
			return errors.Wrap(err, "notmuch count")
		}
		s.opened = false
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(contentionRetryInterval):
		}
	}
}

// Close releases the session mutex. It must be called exactly once for every
// successful Open, on every code path including error returns.
func (s *Session) Close() {
	s.opened = false
	s.mu.Unlock()
}

// command builds a notmuch invocation targeting s.mailDir. notmuch has no
// --database global option (only --config/--uuid/--help/--version, per
// `notmuch --help`), so the database is selected the way matta-gotmuch and
// rakoo-imapsrv both do it: left to ambient configuration, overridden here
// via NOTMUCH_DATABASE in the child's environment rather than a global
// flag. Used for every subcommand, including the config-get probe in
// NewSession, so both agree on which database they're talking to.
func (s *Session) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "notmuch", args...)
	cmd.Env = append(os.Environ(), "NOTMUCH_DATABASE="+s.mailDir)
	return cmd
}

func isLockContention(output []byte) bool {
	return bytes.Contains(output, []byte("waiting for lock")) ||
		bytes.Contains(output, []byte("already locked")) ||
		bytes.Contains(output, []byte("Cannot open database read-write"))
}

// isUpgradeRequired reports whether output names the specific fatal
// condition of a database that cannot be used until upgraded, as opposed
// to the benign banner notmuch itself prints while performing an
// automatic upgrade ("...Your database will now be upgraded.", which
// contains "upgrade" as a substring of "upgraded" but is not fatal).
func isUpgradeRequired(output []byte) bool {
	return bytes.Contains(output, []byte("requires an upgrade")) ||
		bytes.Contains(output, []byte("needs upgrade"))
}

// BeginAtomic and EndAtomic bracket the rename protocol's index mutations.
// The notmuch CLI has no begin_atomic/end_atomic primitive; the Session
// mutex already guarantees no other operation can observe the database
// mid-sequence, so these are deliberately no-ops kept only to mark the
// boundaries of that sequence for readability.
func (s *Session) BeginAtomic(ctx context.Context) error { return nil }
func (s *Session) EndAtomic(ctx context.Context) error   { return nil }
