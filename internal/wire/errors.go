package wire

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrNotConnected is returned by every call made after the session was
	// closed, either explicitly or because the server hung up.
	ErrNotConnected = errors.New("wire: not connected")
	// ErrIdleStarting is returned when StartIdling is called while a previous
	// start is still waiting for the server.
	ErrIdleStarting = errors.New("wire: idle is starting")
)

var alertRex = regexp.MustCompile(`\[ALERT\]\s(.*)$`)

// ServerAlertError is returned instead of a plain failure when a tagged NO or
// BAD carries an [ALERT] saying that IMAP (or the extension in use) has been
// disabled for the account.
type ServerAlertError struct {
	Message string
}

func (e *ServerAlertError) Error() string {
	return "imap server alert: " + e.Message
}

func alertFrom(line string) error {
	m := alertRex.FindStringSubmatch(line)
	if m == nil || !strings.Contains(line, "IMAP") || !strings.Contains(line, "abled") {
		return nil
	}
	return &ServerAlertError{Message: m[1]}
}
