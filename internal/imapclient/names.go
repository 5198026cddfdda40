package imapclient

import (
	"strings"

	"github.com/emersion/go-imap/utf7"

	"github.com/pepperpark/goimap/internal/auth"
)

// encodeName converts a display name to modified UTF-7.
func encodeName(name string) (string, error) {
	return utf7.Encoding.NewEncoder().String(name)
}

// decodeName converts a modified UTF-7 name for display. Names that do not
// decode are shown as received.
func decodeName(name string) string {
	if !strings.Contains(name, "&") {
		return name
	}
	s, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return s
}

func quote(s string) string {
	return auth.Quote(s)
}

// lastSegment returns the part of path after the last delim.
func lastSegment(path, delim string) string {
	if delim == "" {
		return path
	}
	if i := strings.LastIndex(path, delim); i >= 0 {
		return path[i+len(delim):]
	}
	return path
}

// parentPath returns path without its last segment, or "" at the top level.
func parentPath(path, delim string) string {
	if delim == "" {
		return ""
	}
	if i := strings.LastIndex(path, delim); i > 0 {
		return path[:i]
	}
	return ""
}
