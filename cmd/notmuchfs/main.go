// Command notmuchfs mounts a FUSE filesystem in which every top-level
// directory is a saved notmuch search and its cur/ subdirectory is a
// maildir-style view of the matching messages. See the package-level
// documentation in internal/vfs for the translation it implements.
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/notmuchfs/notmuchfs/internal/fuse"
	"github.com/notmuchfs/notmuchfs/internal/vfs"
)

// interruptibleContext returns a context canceled on SIGINT or SIGTERM. It
// lets internal/fuse.Mount's ctx-cancellation unmount path double as the
// primary way this process reacts to Ctrl-C, alongside the direct
// signal.Notify the mount itself also carries as a fallback.
func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		signal.Stop(ch)
		canc()
	}()
	return ctx, canc
}

// version is overwritten at release build time with -ldflags.
var version = "dev"

const usageText = `notmuchfs [-h|-V] mountpoint option[,option...]

notmuchfs presents a read-mostly FUSE filesystem in which each top-level
directory is a saved notmuch search and its cur/ subdirectory lists one
maildir-style file per matching message.

Options (comma-separated key=value pairs):
  backing_dir=PATH              directory to reflect at the mount root (required)
  mail_dir=PATH                 parent of the notmuch database directory (required)
  mutt_2476_workaround           enable the cur/new rename compatibility mode
  nomutt_2476_workaround         disable it (default)

  -h, --help                    show this help and exit
  -V, --version                 show the version and exit
`

// bumpRlimitNOFILE raises RLIMIT_NOFILE to the kernel maximum: every open
// virtual or passthrough file holds a backing file descriptor until it is
// released, so the default soft limit is exhausted quickly on a busy
// mailbox.
func bumpRlimitNOFILE() error {
	var fileMax, nrOpen uint64
	{
		b, err := ioutil.ReadFile("/proc/sys/fs/file-max")
		if err != nil {
			return err
		}
		fileMax, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	{
		b, err := ioutil.ReadFile("/proc/sys/fs/nr_open")
		if err != nil {
			return err
		}
		nrOpen, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	max := fileMax
	if nrOpen < max {
		max = nrOpen
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: max, Max: max})
}

// parseOptions splits a comma-separated key=value (or bare-flag) option
// string into a *vfs.Config.
func parseOptions(raw string) (*vfs.Config, error) {
	cfg := &vfs.Config{}
	var sawBackingDir, sawMailDir bool
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		switch key {
		case "backing_dir":
			if !hasValue || value == "" {
				return nil, xerrors.Errorf("backing_dir requires a value")
			}
			cfg.BackingDir = value
			sawBackingDir = true
		case "mail_dir":
			if !hasValue || value == "" {
				return nil, xerrors.Errorf("mail_dir requires a value")
			}
			cfg.MailDir = value
			sawMailDir = true
		case "mutt_2476_workaround":
			cfg.Mutt2476Workaround = true
		case "nomutt_2476_workaround":
			cfg.Mutt2476Workaround = false
		default:
			return nil, xerrors.Errorf("unknown option %q", tok)
		}
	}
	if !sawBackingDir {
		return nil, xerrors.Errorf("backing_dir is required")
	}
	if !sawMailDir {
		return nil, xerrors.Errorf("mail_dir is required")
	}
	for _, dir := range []string{cfg.BackingDir, cfg.MailDir} {
		fi, err := os.Stat(dir)
		if err != nil {
			return nil, xerrors.Errorf("%s: %w", dir, err)
		}
		if !fi.IsDir() {
			return nil, xerrors.Errorf("%s: not a directory", dir)
		}
	}
	return cfg, nil
}

// printUsage renders the help text, bolding the header when stderr is a
// terminal.
func printUsage() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\033[1mnotmuchfs\033[0m\n\n")
	}
	fmt.Fprint(os.Stderr, usageText)
}

func funcmain() error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	for _, arg := range os.Args[1:] {
		switch arg {
		case "-h", "--help":
			printUsage()
			os.Exit(1)
		case "-V", "--version":
			fmt.Println(version)
			os.Exit(0)
		}
	}

	if len(os.Args) != 3 {
		printUsage()
		os.Exit(1)
	}
	mountpoint := os.Args[1]
	cfg, err := parseOptions(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(1)
	}

	if err := bumpRlimitNOFILE(); err != nil {
		log.Printf("notmuchfs: bumping RLIMIT_NOFILE failed (continuing): %v", err)
	}

	ctx, canc := interruptibleContext()
	defer canc()

	join, _, err := fuse.Mount(ctx, mountpoint, cfg)
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}
	if err := join(ctx); err != nil {
		return xerrors.Errorf("join: %w", err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
