package vfs

import (
	"context"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/notmuchfs/notmuchfs/internal/notmuch"
)

// ErrWriteNotSupported is returned by OpenVirtualFile when asked to open a
// virtual file in anything other than read-only mode.
var ErrWriteNotSupported = xerrors.New("virtual files are read-only")

// FileHandle is the open/read/release path that virtually prepends a
// fixed H-byte header to a backing file's content.
type FileHandle struct {
	f      *os.File
	header [H]byte
}

// OpenVirtualFile opens the virtual file whose backing path is
// backingPath, computing its X-Label header from the message's current
// notmuch tags. readOnly must be true; any other mode is rejected. The
// index session is held only long enough to look up the
// message's tags and is released before the backing file is opened.
func OpenVirtualFile(ctx context.Context, cfg *Config, sess *notmuch.Session, backingPath string, readOnly bool) (*FileHandle, error) {
	if !readOnly {
		return nil, ErrWriteNotSupported
	}

	backingPath, err := ConfineToMailDir(cfg, backingPath)
	if err != nil {
		return nil, err
	}

	if err := sess.Open(ctx); err != nil {
		return nil, xerrors.Errorf("opening index: %w", err)
	}
	idTerm, found, err := sess.FindByFilename(ctx, backingPath)
	if err != nil {
		sess.Close()
		return nil, xerrors.Errorf("looking up message: %w", err)
	}
	var tags []string
	if found {
		tags, err = sess.TagsByID(ctx, idTerm)
		if err != nil {
			sess.Close()
			return nil, xerrors.Errorf("fetching tags: %w", err)
		}
	} else {
		log.Printf("notmuchfs: %s: message not found in index, using empty tag region", backingPath)
	}
	sess.Close()

	f, err := os.Open(backingPath)
	if err != nil {
		return nil, err
	}

	return &FileHandle{f: f, header: composeHeader(tags)}, nil
}

// composeHeader builds the fixed H-byte X-Label header: the literal
// "X-Label: ", then the tags joined by ',' (or the literal sentinel ERROR
// if they would not fit), space-padded, with LF at the final byte.
func composeHeader(tags []string) [H]byte {
	const prefix = "X-Label: "
	const limit = H - 1 // reserve the trailing LF

	content := prefix + strings.Join(tags, ",")
	if len(content) > limit {
		content = prefix + "ERROR"
	}

	var buf [H]byte
	copy(buf[:], content)
	for i := len(content); i < limit; i++ {
		buf[i] = ' '
	}
	buf[H-1] = '\n'
	return buf
}

// Read fills dst from virtual offset off: bytes in [0, H) come from the
// synthesized header, bytes at H and beyond come from the backing file
// starting at off-H.
func (h *FileHandle) Read(dst []byte, off int64) (int, error) {
	n := 0
	if off < H {
		avail := int64(H) - off
		m := avail
		if int64(len(dst)) < m {
			m = int64(len(dst))
		}
		copy(dst[:m], h.header[off:off+m])
		n = int(m)
	}
	if n < len(dst) {
		backingOff := off + int64(n) - H
		read, err := h.f.ReadAt(dst[n:], backingOff)
		n += read
		if err != nil && err != io.EOF {
			return n, err
		}
	}
	return n, nil
}

// Close releases the backing file descriptor.
func (h *FileHandle) Close() error {
	return h.f.Close()
}
