// Package vfs implements the path-translation, header-injection and
// rename/flag-sync core of notmuchfs: given a virtual path rooted at the
// backing directory, it classifies the path, synthesizes directory
// listings and file attributes from live notmuch queries, and maps maildir
// renames onto index tag mutations. It is independent of any particular
// FUSE binding; see internal/fuse for the bridge that drives it from
// github.com/jacobsa/fuse.
package vfs

// Config is the immutable, process-wide configuration built once from
// mount options and handed to every component that needs it.
type Config struct {
	// BackingDir is the real directory reflected at the filesystem root.
	BackingDir string
	// MailDir is the parent of the notmuch database directory.
	MailDir string
	// Mutt2476Workaround enables the cur/new rename compatibility mode for
	// mail clients affected by mutt bug #2476.
	Mutt2476Workaround bool
}

// H is the fixed length, in bytes, of the synthesized X-Label header
// prepended to every virtual file's content.
const H = 1024
