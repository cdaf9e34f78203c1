package fuse_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/notmuchfs/notmuchfs/internal/fuse"
	"github.com/notmuchfs/notmuchfs/internal/vfs"
)

// fakeNotmuchScript writes a shell stand-in for the notmuch CLI into dir and
// returns its path. It understands just enough of the subcommand surface
// internal/notmuch drives (config get, count, search --output=files/tags/
// messages, tag, new) to exercise a single-message mailbox end to end. It
// reads NOTMUCHFS_TEST_MAILDIR and NOTMUCHFS_TEST_MSGDIR (the message's
// directory, relative to the mail root) to honor path:"<dir>" search terms
// for real rather than ignoring them, so a regression in how
// internal/notmuch builds those terms (e.g. matching a file instead of a
// directory) makes FindByFilename/Tags come back empty here too, not just
// against a real notmuch. The "current" backing file for the one message
// this script knows about is found by globbing its directory rather than a
// fixed filename, so it keeps tracking the message correctly across a
// flag-changing rename.
func fakeNotmuchScript(t *testing.T, dir string) string {
	t.Helper()
	script := `#!/bin/sh
set -e
if [ "$1" = "config" ]; then
  exit 0
fi
sub="$1"

msgdir="$NOTMUCHFS_TEST_MAILDIR/$NOTMUCHFS_TEST_MSGDIR"
currentfile=""
for f in "$msgdir"/1:2,*; do
  if [ -e "$f" ]; then
    currentfile="$f"
    break
  fi
done

term=""
for a in "$@"; do term="$a"; done

case "$sub" in
  count)
    exit 0
    ;;
  search)
    output=""
    for a in "$@"; do
      case "$a" in
        --output=*) output="${a#--output=}" ;;
      esac
    done
    wantmessages="path:\"$NOTMUCHFS_TEST_MSGDIR\""
    case "$output" in
      files)
        printf '["%s"]' "$currentfile"
        ;;
      tags)
        case "$term" in
          id:test-message) printf '%s' "$NOTMUCHFS_TEST_TAGS" ;;
          *) printf '[]' ;;
        esac
        ;;
      messages)
        if [ "$term" = "$wantmessages" ]; then
          printf '["id:test-message"]'
        else
          printf '[]'
        fi
        ;;
    esac
    exit 0
    ;;
  tag)
    exit 0
    ;;
  new)
    echo "Added 0 new messages to the database."
    exit 0
    ;;
  *)
    exit 1
    ;;
esac
`
	path := filepath.Join(dir, "notmuch")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func requireFuse(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("FUSE mounting is only exercised on linux")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skipf("/dev/fuse unavailable: %v", err)
	}
	if _, err := exec.LookPath("fusermount"); err != nil {
		t.Skipf("fusermount not installed: %v", err)
	}
}

// TestMount exercises the path classifier, query directory, attribute
// synthesizer and header-injected reader end to end through a real kernel
// FUSE mount: a query symlink resolves to a notmuch query, its cur/
// listing reflects the (faked) query result, and reading the resulting
// virtual file returns the synthesized X-Label header followed by the
// backing file's bytes.
func TestMount(t *testing.T) {
	requireFuse(t)

	notmuchDir := t.TempDir()
	fakeNotmuchScript(t, notmuchDir)
	t.Setenv("PATH", notmuchDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	mailDir := t.TempDir()
	msgDir := filepath.Join(mailDir, "cur")
	if err := os.Mkdir(msgDir, 0755); err != nil {
		t.Fatal(err)
	}
	msgFile := filepath.Join(msgDir, "1:2,S")
	content := []byte("From: x\n\nhi\n")
	if err := os.WriteFile(msgFile, content, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NOTMUCHFS_TEST_MSGFILE", msgFile)
	t.Setenv("NOTMUCHFS_TEST_MAILDIR", mailDir)
	t.Setenv("NOTMUCHFS_TEST_MSGDIR", "cur")
	t.Setenv("NOTMUCHFS_TEST_TAGS", `["inbox","unread"]`)

	backingDir := t.TempDir()
	if err := os.Symlink("tag:inbox", filepath.Join(backingDir, "inbox")); err != nil {
		t.Fatal(err)
	}

	cfg := &vfs.Config{BackingDir: backingDir, MailDir: mailDir}

	ctx, canc := context.WithCancel(context.Background())
	defer canc()

	mountpoint := t.TempDir()
	join, unmount, err := fuse.Mount(ctx, mountpoint, cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	joined := make(chan error, 1)
	go func() { joined <- join(ctx) }()
	defer func() {
		unmount()
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			t.Error("join did not return after unmount")
		}
	}()

	encoded := vfs.Encode(msgFile)
	virtualPath := filepath.Join(mountpoint, "inbox", "cur", encoded)

	fi, err := os.Stat(virtualPath)
	if err != nil {
		t.Fatalf("Stat(%s): %v", virtualPath, err)
	}
	if got, want := fi.Size(), int64(len(content)+vfs.H); got != want {
		t.Errorf("Stat(%s).Size() = %d, want %d", virtualPath, got, want)
	}

	f, err := os.Open(virtualPath)
	if err != nil {
		t.Fatalf("Open(%s): %v", virtualPath, err)
	}
	defer f.Close()

	header := make([]byte, vfs.H)
	if _, err := f.Read(header); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	wantPrefix := "X-Label: inbox,unread"
	if got := string(header[:len(wantPrefix)]); got != wantPrefix {
		t.Errorf("header prefix = %q, want %q", got, wantPrefix)
	}
	if header[vfs.H-1] != '\n' {
		t.Errorf("header[H-1] = %q, want LF", header[vfs.H-1])
	}

	body := make([]byte, len(content))
	if _, err := f.Read(body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != string(content) {
		t.Errorf("body = %q, want %q", body, content)
	}

	entries, err := os.ReadDir(filepath.Join(mountpoint, "inbox", "cur"))
	if err != nil {
		t.Fatalf("ReadDir(inbox/cur): %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 1 || names[0] != encoded {
		t.Errorf("ReadDir(inbox/cur) = %v, want [%s]", names, encoded)
	}
}

// TestMountRename exercises the rename and flag-sync path: renaming an
// encoded name within cur/ (a flag change) must move the backing file and
// leave it reachable under the new name.
func TestMountRename(t *testing.T) {
	requireFuse(t)

	notmuchDir := t.TempDir()
	fakeNotmuchScript(t, notmuchDir)
	t.Setenv("PATH", notmuchDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	mailDir := t.TempDir()
	msgDir := filepath.Join(mailDir, "cur")
	if err := os.Mkdir(msgDir, 0755); err != nil {
		t.Fatal(err)
	}
	msgFile := filepath.Join(msgDir, "1:2,")
	if err := os.WriteFile(msgFile, []byte("From: x\n\nhi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	renamedFile := filepath.Join(msgDir, "1:2,S")
	t.Setenv("NOTMUCHFS_TEST_MSGFILE", msgFile)
	t.Setenv("NOTMUCHFS_TEST_MAILDIR", mailDir)
	t.Setenv("NOTMUCHFS_TEST_MSGDIR", "cur")
	t.Setenv("NOTMUCHFS_TEST_TAGS", `[]`)

	backingDir := t.TempDir()
	if err := os.Symlink("tag:inbox", filepath.Join(backingDir, "inbox")); err != nil {
		t.Fatal(err)
	}

	cfg := &vfs.Config{BackingDir: backingDir, MailDir: mailDir}

	ctx, canc := context.WithCancel(context.Background())
	defer canc()

	mountpoint := t.TempDir()
	join, unmount, err := fuse.Mount(ctx, mountpoint, cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	joined := make(chan error, 1)
	go func() { joined <- join(ctx) }()
	defer func() {
		unmount()
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			t.Error("join did not return after unmount")
		}
	}()

	curDir := filepath.Join(mountpoint, "inbox", "cur")
	src := filepath.Join(curDir, vfs.Encode(msgFile))
	dst := filepath.Join(curDir, vfs.Encode(renamedFile))

	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("Rename(%s, %s): %v", src, dst, err)
	}
	if _, err := os.Stat(renamedFile); err != nil {
		t.Errorf("backing file did not move: %v", err)
	}
	if _, err := os.Stat(msgFile); err == nil {
		t.Errorf("old backing file %s still exists", msgFile)
	}
}
