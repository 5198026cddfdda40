package wire

import (
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for wire tracing and idle diagnostics.
// Lines are logged at trace level; credentials are redacted.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithPendingLimit bounds the number of unsolicited lines kept between
// exchanges. Older lines are dropped first.
func WithPendingLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.pendingLimit = n
		}
	}
}

// ExchangeOption tunes a single SendAndReceive call.
type ExchangeOption func(*exchange)

// KeepData appends lines to the data slice even when a processor is given.
func KeepData() ExchangeOption {
	return func(x *exchange) { x.keepData = true }
}

// WithEncoding decodes the response lines of this exchange from enc instead
// of treating them as UTF-8.
func WithEncoding(enc encoding.Encoding) ExchangeOption {
	return func(x *exchange) { x.enc = enc }
}

// CommandProcessor receives every response line of an exchange.
type CommandProcessor interface {
	ProcessCommandResult(line string)
}

// TwoWayProcessor supplies continuation payloads itself. The returned bytes
// are written verbatim, so they must carry their own CRLF.
type TwoWayProcessor interface {
	CommandProcessor
	AppendCommandData(serverLine string) ([]byte, error)
}

// LiteralProcessor is handed the raw bytes of each literal the server sends,
// before the literal's lines are delivered through ProcessCommandResult.
type LiteralProcessor interface {
	CommandProcessor
	ProcessLiteral(b []byte)
}
