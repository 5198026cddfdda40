// Package auth holds the strategies a client can log in with. Each strategy
// checks the server's capabilities before producing a command, so an
// unsupported mechanism is reported without touching the wire.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/pepperpark/goimap/internal/capability"
)

// ErrNotSupported is returned when the server does not offer what the
// strategy needs.
var ErrNotSupported = errors.New("auth: mechanism not supported by server")

// Authenticator produces the login command and answers the server's
// continuation requests for it.
type Authenticator interface {
	Command(caps *capability.Set) (string, error)
	ProcessCommandResult(line string)
	AppendCommandData(serverLine string) ([]byte, error)
}

// Login authenticates with a username and password. It uses LOGIN, or
// AUTHENTICATE PLAIN when the server disabled LOGIN.
func Login(username, password string) Authenticator {
	return &login{username: username, password: password}
}

type login struct {
	username string
	password string
	plain    Authenticator
}

func (l *login) Command(caps *capability.Set) (string, error) {
	l.plain = nil
	if caps != nil && caps.LoginDisabled {
		if !caps.SupportsAuth(sasl.Plain) {
			return "", fmt.Errorf("%w: LOGINDISABLED without AUTH=PLAIN", ErrNotSupported)
		}
		l.plain = SASL(sasl.NewPlainClient("", l.username, l.password))
		return l.plain.Command(caps)
	}
	return "LOGIN " + Quote(l.username) + " " + Quote(l.password), nil
}

func (l *login) ProcessCommandResult(string) {}

func (l *login) AppendCommandData(serverLine string) ([]byte, error) {
	if l.plain == nil {
		return nil, errors.New("auth: unexpected continuation during LOGIN")
	}
	return l.plain.AppendCommandData(serverLine)
}

// SASL authenticates through any go-sasl client. The initial response is
// sent inline when the server announces SASL-IR and otherwise on the first
// continuation.
func SASL(c sasl.Client) Authenticator {
	return &saslAuth{client: c}
}

type saslAuth struct {
	client   sasl.Client
	ir       []byte
	irQueued bool
	err      error
}

func (a *saslAuth) Command(caps *capability.Set) (string, error) {
	mech, ir, err := a.client.Start()
	if err != nil {
		return "", fmt.Errorf("sasl start: %w", err)
	}
	if !caps.SupportsAuth(mech) {
		return "", fmt.Errorf("%w: AUTH=%s", ErrNotSupported, mech)
	}
	cmd := "AUTHENTICATE " + mech
	a.irQueued = false
	if ir != nil {
		if caps.SASLIR {
			enc := base64.StdEncoding.EncodeToString(ir)
			if enc == "" {
				enc = "="
			}
			cmd += " " + enc
		} else {
			a.ir = ir
			a.irQueued = true
		}
	}
	return cmd, nil
}

func (a *saslAuth) ProcessCommandResult(string) {}

func (a *saslAuth) AppendCommandData(serverLine string) ([]byte, error) {
	if a.irQueued {
		a.irQueued = false
		return encode(a.ir), nil
	}
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(serverLine, "+")))
	if err != nil {
		a.err = fmt.Errorf("decode challenge: %w", err)
		return []byte("*\r\n"), nil
	}
	resp, err := a.client.Next(challenge)
	if err != nil {
		// The server reports the failure once we cancel.
		a.err = err
		return []byte("*\r\n"), nil
	}
	return encode(resp), nil
}

// Err returns the client-side error that made an exchange cancel, if any.
func Err(a Authenticator) error {
	if s, ok := a.(*saslAuth); ok {
		return s.err
	}
	if l, ok := a.(*login); ok && l.plain != nil {
		return Err(l.plain)
	}
	return nil
}

func encode(b []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(b) + "\r\n")
}

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
