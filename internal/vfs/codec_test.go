package vfs

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, path := range []string{
		"/m/a/cur/1:2,",
		"/m/b/cur/2:2,S",
		"/",
		"/a",
	} {
		encoded := Encode(path)
		if got := Decode(encoded); got != path {
			t.Errorf("Decode(Encode(%q)) = %q, want %q", path, got, path)
		}
	}
}

func TestEncode(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/a/b/c", "#a#b#c"},
		{"/m/a/cur/1:2,", "#m#a#cur#1:2,"},
		{"", ""},
	}
	for _, tt := range cases {
		if got := Encode(tt.in); got != tt.want {
			t.Errorf("Encode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	for _, token := range []string{"#m#a#cur#1:2,", "#a#b#c"} {
		decoded := Decode(token)
		if got := Encode(decoded); got != token {
			t.Errorf("Encode(Decode(%q)) = %q, want %q", token, got, token)
		}
	}
}
