package vfs

import (
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/xerrors"
)

// ErrPathEscapesMailDir is returned by ConfineToMailDir when a decoded
// backing path does not resolve to somewhere underneath cfg.MailDir.
var ErrPathEscapesMailDir = xerrors.New("decoded path escapes mail_dir")

// ConfineToMailDir resolves decoded — an absolute path produced by Decode,
// and therefore fully attacker-controlled whenever it arrives via a
// VIRTUAL_FILE open, rename destination, or unlink — against cfg.MailDir,
// rejecting it unless it lexically lands underneath the mail store. A
// crafted name such as "#etc#passwd" decodes to "/etc/passwd"; without this
// check the reader, rename and unlink paths would happily operate on it.
// SecureJoin additionally resolves any symlinks in the remaining path
// components so a symlink planted inside MailDir cannot walk back out of
// it.
func ConfineToMailDir(cfg *Config, decoded string) (string, error) {
	rel, err := filepath.Rel(cfg.MailDir, decoded)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.Errorf("%s: %w", decoded, ErrPathEscapesMailDir)
	}
	confined, err := securejoin.SecureJoin(cfg.MailDir, rel)
	if err != nil {
		return "", xerrors.Errorf("securejoin %s: %w", decoded, err)
	}
	return confined, nil
}
