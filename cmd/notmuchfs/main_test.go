package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/notmuchfs/notmuchfs/internal/vfs"
)

func TestParseOptions(t *testing.T) {
	backingDir := t.TempDir()
	mailDir := t.TempDir()

	tests := []struct {
		name    string
		raw     string
		want    *vfs.Config
		wantErr bool
	}{
		{
			name: "minimal",
			raw:  "backing_dir=" + backingDir + ",mail_dir=" + mailDir,
			want: &vfs.Config{BackingDir: backingDir, MailDir: mailDir},
		},
		{
			name: "compat workaround enabled",
			raw:  "backing_dir=" + backingDir + ",mail_dir=" + mailDir + ",mutt_2476_workaround",
			want: &vfs.Config{BackingDir: backingDir, MailDir: mailDir, Mutt2476Workaround: true},
		},
		{
			name: "explicit compat disable wins when listed last",
			raw:  "backing_dir=" + backingDir + ",mail_dir=" + mailDir + ",mutt_2476_workaround,nomutt_2476_workaround",
			want: &vfs.Config{BackingDir: backingDir, MailDir: mailDir, Mutt2476Workaround: false},
		},
		{
			name:    "missing backing_dir",
			raw:     "mail_dir=" + mailDir,
			wantErr: true,
		},
		{
			name:    "missing mail_dir",
			raw:     "backing_dir=" + backingDir,
			wantErr: true,
		},
		{
			name:    "nonexistent directory",
			raw:     "backing_dir=/nonexistent-dir,mail_dir=" + mailDir,
			wantErr: true,
		},
		{
			name:    "unknown option",
			raw:     "backing_dir=" + backingDir + ",mail_dir=" + mailDir + ",bogus=1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOptions(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOptions(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseOptions(%q) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}
