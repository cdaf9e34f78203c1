// Package fuse bridges the inode-oriented github.com/jacobsa/fuse API to
// the path-oriented core in internal/vfs: it lazily allocates an inode for
// every virtual path the kernel asks about, keeps open directory and file
// handles, and dispatches each FUSE op to the matching vfs function.
package fuse

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/notmuchfs/notmuchfs/internal/notmuch"
	"github.com/notmuchfs/notmuchfs/internal/vfs"
)

// pathEntry is one entry of a precomputed, non-query directory listing
// (ROOT, QUERY, BACKING, or an empty MAILDIR_SUB new/tmp).
type pathEntry struct {
	name  string
	isDir bool
}

// dirHandle is the polymorphic open-directory handle: a query directory
// handle (its result list fetched at open time) for MAILDIR_SUB cur/, or a
// precomputed entry list for everything else (including the
// permanently-empty new/ and tmp/).
type dirHandle struct {
	query   *vfs.QueryDirHandle
	entries []pathEntry
}

// fileHandle is the polymorphic open-file handle: a header-injecting
// reader for VIRTUAL_FILE, or a plain backing file descriptor for
// passthrough opens.
type fileHandle struct {
	virtual *vfs.FileHandle
	backing *os.File
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	cfg  *vfs.Config
	sess *notmuch.Session

	mu       sync.Mutex
	inodeCnt fuseops.InodeID
	paths    map[fuseops.InodeID]string
	ids      map[string]fuseops.InodeID

	dirHandleCnt fuseops.HandleID
	dirHandles   map[fuseops.HandleID]*dirHandle

	fileHandleCnt fuseops.HandleID
	fileHandles   map[fuseops.HandleID]*fileHandle
}

func newFileSystem(cfg *vfs.Config, sess *notmuch.Session) *fileSystem {
	fs := &fileSystem{
		cfg:         cfg,
		sess:        sess,
		inodeCnt:    fuseops.RootInodeID,
		paths:       make(map[fuseops.InodeID]string),
		ids:         make(map[string]fuseops.InodeID),
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		fileHandles: make(map[fuseops.HandleID]*fileHandle),
	}
	fs.paths[fuseops.RootInodeID] = "/"
	fs.ids["/"] = fuseops.RootInodeID
	return fs
}

func joinVirtual(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// allocateInodeLocked returns the stable inode for path, allocating one on
// first sight. fs.mu must be held.
func (fs *fileSystem) allocateInodeLocked(path string) fuseops.InodeID {
	if id, ok := fs.ids[path]; ok {
		return id
	}
	fs.inodeCnt++
	id := fs.inodeCnt
	fs.paths[id] = path
	fs.ids[path] = id
	return id
}

func fuseAttributes(a vfs.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: 1,
		Mode:  a.Mode,
		Atime: a.ModTime,
		Mtime: a.ModTime,
		Ctime: a.ModTime,
		Uid:   uint32(os.Getuid()),
		Gid:   uint32(os.Getgid()),
	}
}

// attrErrno maps a vfs.Stat failure to the FUSE errno it should surface:
// not-found maps to ENOENT, anything else is logged and surfaces as EIO.
func attrErrno(err error) error {
	if os.IsNotExist(err) {
		return fuse.ENOENT
	}
	log.Printf("notmuchfs: %v", err)
	return fuse.EIO
}

// dieIfUpgradeRequired terminates the process when err wraps
// notmuch.ErrUpgradeRequired: per spec, an index that needs an upgrade is
// fatal rather than something any per-request error path can recover from
// or usefully retry.
func dieIfUpgradeRequired(err error) {
	if xerrors.Is(err, notmuch.ErrUpgradeRequired) {
		log.Fatalf("notmuchfs: notmuch database requires an upgrade (run `notmuch new` or `notmuch upgrade` outside notmuchfs): %v", err)
	}
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	parentPath, ok := fs.paths[op.Parent]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	childPath := joinVirtual(parentPath, op.Name)
	attr, err := vfs.Stat(ctx, fs.cfg, fs.sess, childPath, fs.cfg.Mutt2476Workaround)
	if err != nil {
		return attrErrno(err)
	}

	fs.mu.Lock()
	inode := fs.allocateInodeLocked(childPath)
	fs.mu.Unlock()

	op.Entry.Child = inode
	op.Entry.Attributes = fuseAttributes(attr)
	// Query results and tag state change between lookups, so nothing here
	// is cached across kernel round-trips (unlike an immutable package
	// store, which could cache forever).
	op.Entry.AttributesExpiration = time.Now()
	op.Entry.EntryExpiration = time.Now()
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	p, ok := fs.paths[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	attr, err := vfs.Stat(ctx, fs.cfg, fs.sess, p, fs.cfg.Mutt2476Workaround)
	if err != nil {
		return attrErrno(err)
	}
	op.Attributes = fuseAttributes(attr)
	op.AttributesExpiration = time.Now()
	return nil
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	p, ok := fs.paths[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	cls := vfs.Classify(p, fs.cfg.Mutt2476Workaround)
	h := &dirHandle{}

	switch {
	case cls.Region == vfs.MAILDIRSUB && cls.Sub == "cur":
		qh, err := vfs.OpenQueryDir(ctx, fs.cfg, fs.sess, cls.Query)
		if err != nil {
			dieIfUpgradeRequired(err)
			log.Printf("notmuchfs: opendir %s: %v", p, err)
			return fuse.EIO
		}
		h.query = qh

	case cls.Region == vfs.MAILDIRSUB: // new/, tmp/: always empty
		// h.entries stays nil

	default: // ROOT, QUERY, BACKING: reflect the backing directory
		backingPath := vfs.BackingPath(fs.cfg, p)
		dirents, err := os.ReadDir(backingPath)
		if err != nil {
			return attrErrno(err)
		}
		for _, d := range dirents {
			h.entries = append(h.entries, pathEntry{name: d.Name(), isDir: d.IsDir()})
		}
		sort.Slice(h.entries, func(i, j int) bool { return h.entries[i].name < h.entries[j].name })
	}

	fs.mu.Lock()
	fs.dirHandleCnt++
	handleID := fs.dirHandleCnt
	fs.dirHandles[handleID] = h
	fs.mu.Unlock()

	op.Handle = handleID
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	h, ok := fs.dirHandles[op.Handle]
	parentPath := fs.paths[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	emit := func(name string, isDir bool, offset uint64) bool {
		fs.mu.Lock()
		inode := fs.allocateInodeLocked(joinVirtual(parentPath, name))
		fs.mu.Unlock()
		typ := fuseutil.DT_File
		if isDir {
			typ = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(offset),
			Inode:  inode,
			Name:   name,
			Type:   typ,
		})
		if n == 0 {
			return false
		}
		op.BytesRead += n
		return true
	}

	if h.query != nil {
		err := h.query.ReadDir(uint64(op.Offset), func(name string, offset uint64) bool {
			isDir := name == "." || name == ".."
			return emit(name, isDir, offset)
		})
		if err != nil {
			if xerrors.Is(err, vfs.ErrDiscontiguousReaddir) {
				return fuse.EIO
			}
			log.Printf("notmuchfs: readdir: %v", err)
			return fuse.EIO
		}
		return nil
	}

	all := make([]pathEntry, 0, len(h.entries)+2)
	all = append(all, pathEntry{name: ".", isDir: true}, pathEntry{name: "..", isDir: true})
	all = append(all, h.entries...)

	if int(op.Offset) > len(all) {
		return fuse.EIO
	}
	for idx, e := range all[op.Offset:] {
		if !emit(e.name, e.isDir, uint64(int(op.Offset)+idx+1)) {
			break
		}
	}
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	h, ok := fs.dirHandles[op.Handle]
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	if ok && h.query != nil {
		h.query.Close()
	}
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	p, ok := fs.paths[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	cls := vfs.Classify(p, fs.cfg.Mutt2476Workaround)
	fh := &fileHandle{}
	if cls.Region == vfs.VIRTUALFILE {
		readOnly := !(op.OpenFlags.Write() || op.OpenFlags.Append())
		vh, err := vfs.OpenVirtualFile(ctx, fs.cfg, fs.sess, cls.BackingPath, readOnly)
		if err != nil {
			if xerrors.Is(err, vfs.ErrWriteNotSupported) {
				return fuse.EINVAL
			}
			dieIfUpgradeRequired(err)
			log.Printf("notmuchfs: open %s: %v", p, err)
			return fuse.EIO
		}
		fh.virtual = vh
	} else {
		f, err := os.OpenFile(vfs.BackingPath(fs.cfg, p), os.O_RDONLY, 0)
		if err != nil {
			return attrErrno(err)
		}
		fh.backing = f
	}

	fs.mu.Lock()
	fs.fileHandleCnt++
	handleID := fs.fileHandleCnt
	fs.fileHandles[handleID] = fh
	fs.mu.Unlock()

	op.Handle = handleID
	op.KeepPageCache = false // query results and tags can change between opens
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	fh, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	var n int
	var err error
	if fh.virtual != nil {
		n, err = fh.virtual.Read(op.Dst, op.Offset)
	} else {
		n, err = fh.backing.ReadAt(op.Dst, op.Offset)
	}
	op.BytesRead = n
	if err != nil && !xerrors.Is(err, io.EOF) {
		log.Printf("notmuchfs: read: %v", err)
		return fuse.EIO
	}
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	fh, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	if fh.virtual != nil {
		fh.virtual.Close()
	}
	if fh.backing != nil {
		fh.backing.Close()
	}
	return nil
}

func (fs *fileSystem) pathOf(inode fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.paths[inode]
	return p, ok
}

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	p := joinVirtual(parentPath, op.Name)
	if err := vfs.Mkdir(fs.cfg, p, op.Mode); err != nil {
		return attrErrno(err)
	}
	attr, err := vfs.Stat(ctx, fs.cfg, fs.sess, p, fs.cfg.Mutt2476Workaround)
	if err != nil {
		return attrErrno(err)
	}
	fs.mu.Lock()
	inode := fs.allocateInodeLocked(p)
	fs.mu.Unlock()
	op.Entry.Child = inode
	op.Entry.Attributes = fuseAttributes(attr)
	return nil
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	if err := vfs.Rmdir(fs.cfg, joinVirtual(parentPath, op.Name)); err != nil {
		return attrErrno(err)
	}
	return nil
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	if err := vfs.Unlink(fs.cfg, joinVirtual(parentPath, op.Name), fs.cfg.Mutt2476Workaround); err != nil {
		return attrErrno(err)
	}
	return nil
}

func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	p := joinVirtual(parentPath, op.Name)
	if err := vfs.Symlink(fs.cfg, op.Target, p); err != nil {
		return attrErrno(err)
	}
	attr, err := vfs.Stat(ctx, fs.cfg, fs.sess, p, fs.cfg.Mutt2476Workaround)
	if err != nil {
		return attrErrno(err)
	}
	fs.mu.Lock()
	inode := fs.allocateInodeLocked(p)
	fs.mu.Unlock()
	op.Entry.Child = inode
	op.Entry.Attributes = fuseAttributes(attr)
	return nil
}

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	p, ok := fs.pathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := vfs.Readlink(fs.cfg, p)
	if err != nil {
		return attrErrno(err)
	}
	op.Target = target
	return nil
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParentPath, ok := fs.pathOf(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParentPath, ok := fs.pathOf(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	srcPath := joinVirtual(oldParentPath, op.OldName)
	dstPath := joinVirtual(newParentPath, op.NewName)

	var err error
	if containsHash(srcPath) || containsHash(dstPath) {
		err = vfs.Rename(ctx, fs.cfg, fs.sess, srcPath, dstPath, fs.cfg.Mutt2476Workaround)
	} else {
		err = vfs.PassthroughRename(fs.cfg, srcPath, dstPath)
	}
	if err != nil {
		if xerrors.Is(err, vfs.ErrRenameNotSupported) {
			return fuse.ENOTSUP
		}
		dieIfUpgradeRequired(err)
		return attrErrno(err)
	}

	fs.mu.Lock()
	if id, ok := fs.ids[srcPath]; ok {
		delete(fs.ids, srcPath)
		fs.paths[id] = dstPath
		fs.ids[dstPath] = id
	}
	fs.mu.Unlock()
	return nil
}

func containsHash(p string) bool {
	for i := 0; i < len(p); i++ {
		if p[i] == '#' {
			return true
		}
	}
	return false
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

func (fs *fileSystem) Destroy() {}

// Mount initializes the notmuch session and the inode bridge and mounts
// the filesystem at mountpoint. It returns the function to Join on (which
// blocks until the filesystem is unmounted) and a function that triggers
// an unmount.
func Mount(ctx context.Context, mountpoint string, cfg *vfs.Config) (join func(context.Context) error, unmount func() error, err error) {
	if err := vfs.ChdirBacking(cfg); err != nil {
		return nil, nil, xerrors.Errorf("chdir backing_dir: %w", err)
	}

	sess, err := notmuch.NewSession(ctx, cfg.MailDir)
	if err != nil {
		return nil, nil, xerrors.Errorf("initializing notmuch session: %w", err)
	}

	fs := newFileSystem(cfg, sess)
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName: "notmuchfs",
		Options: map[string]string{
			"allow_other": "",
		},
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("mounting: %w", err)
	}

	// Two independent triggers can ask for an unmount: an OS signal
	// delivered directly to this process, or the caller cancelling ctx
	// (e.g. because it wraps its own signal handling, as
	// cmd/notmuchfs does). errgroup runs both waiters, and unmountOnce
	// makes sure only one of them actually calls fuse.Unmount.
	var unmountOnce sync.Once
	doUnmount := func() {
		unmountOnce.Do(func() {
			if err := fuse.Unmount(mountpoint); err != nil {
				log.Printf("notmuchfs: unmount %s: %v", mountpoint, err)
			}
		})
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-ch:
			doUnmount()
		case <-ctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		doUnmount()
		return nil
	})

	return mfs.Join, func() error { doUnmount(); return nil }, nil
}
