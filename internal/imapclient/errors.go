package imapclient

import (
	"errors"

	"github.com/pepperpark/goimap/internal/wire"
)

var (
	// ErrInvalidState is returned when an operation is attempted in a state
	// that does not allow it, like changing the host while connected or
	// selecting a folder that cannot be selected.
	ErrInvalidState = errors.New("imap: invalid state")
	// ErrOperationFailed wraps server refusals of multi-step operations.
	ErrOperationFailed = errors.New("imap: operation failed")
	// ErrNotSupported is returned before any command is sent when the server
	// lacks the extension an operation needs.
	ErrNotSupported = errors.New("imap: not supported by server")
	// ErrNotConnected is returned when there is no open session.
	ErrNotConnected = wire.ErrNotConnected
)
