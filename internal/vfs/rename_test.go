package vfs

import "testing"

func TestValidateRenameCascade(t *testing.T) {
	tests := []struct {
		name        string
		src, dst    string
		allowCompat bool
		want        RenameCase
		wantErr     bool
	}{
		{
			name: "flag change, same directory",
			src:  "/inbox/cur/#m#a#cur#1:2,",
			dst:  "/inbox/cur/#m#a#cur#1:2,S",
			want: RenameSameDir,
		},
		{
			name:    "one side unencoded",
			src:     "/inbox/cur/plainfile",
			dst:     "/inbox/cur/#m#a#cur#1:2,S",
			wantErr: true,
		},
		{
			name:        "compat cur to new",
			src:         "/inbox/cur/#m#a#cur#1:2,",
			dst:         "/inbox/new/#m#a#cur#1:2,",
			allowCompat: true,
			want:        RenameCurToNew,
		},
		{
			name:        "compat cur to new, but compat disabled",
			src:         "/inbox/cur/#m#a#cur#1:2,",
			dst:         "/inbox/new/#m#a#cur#1:2,",
			allowCompat: false,
			wantErr:     true,
		},
		{
			name:        "compat new to cur",
			src:         "/inbox/new/#m#a#cur#1:2,",
			dst:         "/inbox/cur/#m#a#cur#1:2,",
			allowCompat: true,
			want:        RenameNewToCur,
		},
		{
			name:    "different query directories entirely",
			src:     "/inbox/cur/#m#a#cur#1:2,",
			dst:     "/archive/cur/#m#a#cur#1:2,",
			wantErr: true,
		},
		{
			name:    "different last-# position",
			src:     "/inbox/cur/#m#a#cur#1:2,",
			dst:     "/inbox/cur/#m#a#cur#longer#1:2,",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateRenameCascade(tt.src, tt.dst, tt.allowCompat)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateRenameCascade(%q, %q) error = %v, wantErr %v", tt.src, tt.dst, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("validateRenameCascade(%q, %q) = %v, want %v", tt.src, tt.dst, got, tt.want)
			}
		})
	}
}
