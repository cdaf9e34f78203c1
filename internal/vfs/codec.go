package vfs

import "strings"

// Encode maps an absolute backing path to the single maildir-filename token
// that represents it, by replacing every '/' with '#'. It is not reversible
// for paths containing a literal '#'; such paths are out of scope and will
// not round-trip.
func Encode(path string) string {
	return strings.ReplaceAll(path, "/", "#")
}

// Decode reverses Encode, replacing every '#' with '/'.
func Decode(token string) string {
	return strings.ReplaceAll(token, "#", "/")
}
