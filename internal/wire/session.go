// Package wire implements the IMAP command/response engine. A Session owns
// the connection through a single goroutine; every exchange, the IDLE
// handshake and keep-alive NOOPs are handed to that goroutine as requests, so
// at most one command is ever in flight on the stream.
package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
)

const (
	tagPrefix           = "IMAP"
	defaultPendingLimit = 1024
)

var literalRex = regexp.MustCompile(`\{(\d+)\+?\}$`)

type line struct {
	text    string
	literal bool
}

type readResult struct {
	line line
	raw  []byte
	err  error
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

type exchange struct {
	keepData bool
	enc      encoding.Encoding
}

// Session is a single IMAP connection. It is safe for concurrent use; calls
// are executed one at a time in arrival order.
type Session struct {
	conn io.ReadWriteCloser
	w    *bufio.Writer
	log  zerolog.Logger

	reqs  chan *request
	lines chan readResult
	done  chan struct{}

	closeOnce sync.Once
	err       error

	counter      atomic.Uint32
	lastActivity atomic.Int64
	state        atomic.Int32

	// owned by the run goroutine
	pending      []line
	pendingLimit int
	idle         *idleRun
}

// New starts a session on conn. The caller must read the greeting before
// issuing commands.
func New(conn io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		conn:         conn,
		w:            bufio.NewWriter(conn),
		log:          zerolog.Nop(),
		reqs:         make(chan *request),
		lines:        make(chan readResult),
		done:         make(chan struct{}),
		pendingLimit: defaultPendingLimit,
	}
	for _, o := range opts {
		o(s)
	}
	s.lastActivity.Store(time.Now().UnixNano())
	go s.readLoop(bufio.NewReader(conn))
	go s.run()
	return s
}

// Done is closed once the session is no longer usable.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close tears down the connection. Idle goroutines notice on their next
// call and exit.
func (s *Session) Close() error {
	s.shutdown(ErrNotConnected)
	return nil
}

// Tag returns the tag of the most recent tagged command, or "" if none was
// sent yet.
func (s *Session) Tag() string {
	n := s.counter.Load()
	if n == 0 {
		return ""
	}
	return tagPrefix + strconv.FormatUint(uint64(n), 10)
}

// LastActivity is the time of the last write to the server.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Greeting returns the first line sent by the server.
func (s *Session) Greeting(ctx context.Context) (string, error) {
	var (
		greeting string
		err      error
	)
	cerr := s.call(ctx, func(ctx context.Context) {
		if len(s.pending) > 0 {
			greeting = s.pending[0].text
			s.pending = s.pending[1:]
			return
		}
		var r readResult
		if r, err = s.next(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("read greeting: %w", io.ErrUnexpectedEOF)
			}
			return
		}
		greeting = r.line.text
	})
	if cerr != nil {
		return "", cerr
	}
	return greeting, err
}

// SendAndReceive issues command and collects its response. The command may
// contain further newline separated segments; each is sent when the server
// asks for continuation. Every response line, including the completion, is
// appended to data (when non-nil) unless a processor is given, in which case
// the processor gets the lines instead (KeepData gives both).
//
// It returns true on a tagged OK or PREAUTH and false on NO, BAD or when the
// server closes the stream. A tagged failure carrying an alert about IMAP
// being disabled yields a *ServerAlertError. If ctx is cancelled while the
// server has not answered yet, the session is closed because the stream can
// no longer be resynchronised.
func (s *Session) SendAndReceive(ctx context.Context, command string, data *[]string, p CommandProcessor, opts ...ExchangeOption) (bool, error) {
	var x exchange
	for _, o := range opts {
		o(&x)
	}

	var (
		ok  bool
		err error
	)
	cerr := s.call(ctx, func(ctx context.Context) {
		var resume bool
		if resume, err = s.pauseIdle(ctx); err != nil {
			return
		}
		ok, err = s.roundTrip(ctx, command, data, p, x)
		if resume && s.alive() {
			if _, rerr := s.enterIdle(ctx); rerr != nil {
				s.log.Debug().Err(rerr).Msg("resume idle")
			}
		}
	})
	if cerr != nil {
		return false, cerr
	}
	return ok, err
}

func (s *Session) call(ctx context.Context, fn func(ctx context.Context)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := &request{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotConnected
	}
	<-req.done
	return nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqs:
			req.fn(req.ctx)
			close(req.done)
		case r := <-s.lines:
			s.unsolicited(r)
		}
	}
}

func (s *Session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()
		s.state.Store(int32(IdleOff))
	})
}

// unsolicited handles a line that arrived while no exchange was running.
func (s *Session) unsolicited(r readResult) {
	if r.err != nil {
		s.log.Debug().Err(r.err).Msg("connection closed by server")
		s.shutdown(r.err)
		return
	}
	if r.raw != nil {
		return
	}
	s.trace("S:", r.line.text)
	if s.IdleState() == IdleOn && s.idle != nil {
		s.idleLine(r.line)
		return
	}
	s.pending = append(s.pending, r.line)
	if over := len(s.pending) - s.pendingLimit; over > 0 {
		s.pending = s.pending[over:]
	}
}

// next waits for the next line of an exchange.
func (s *Session) next(ctx context.Context) (readResult, error) {
	select {
	case r := <-s.lines:
		if r.err != nil {
			s.shutdown(r.err)
			return r, r.err
		}
		if r.raw == nil {
			s.trace("S:", r.line.text)
		}
		return r, nil
	case <-ctx.Done():
		s.shutdown(ctx.Err())
		return readResult{}, ctx.Err()
	case <-s.done:
		return readResult{}, ErrNotConnected
	}
}

func (s *Session) nextTag() string {
	return tagPrefix + strconv.FormatUint(uint64(s.counter.Add(1)), 10)
}

func (s *Session) roundTrip(ctx context.Context, command string, data *[]string, p CommandProcessor, x exchange) (bool, error) {
	if !s.alive() {
		return false, ErrNotConnected
	}

	segments := strings.Split(command, "\n")
	for i := range segments {
		segments[i] = strings.TrimSpace(segments[i])
	}
	tag := s.nextTag()
	secret := isSecret(segments[0])
	if err := s.writeLine(tag+" "+segments[0], secret); err != nil {
		return false, err
	}
	queued := segments[1:]

	twoWay, _ := p.(TwoWayProcessor)
	literal, _ := p.(LiteralProcessor)

	deliver := func(text string) {
		if x.enc != nil {
			if decoded, err := x.enc.NewDecoder().String(text); err == nil {
				text = decoded
			}
		}
		if data != nil && (p == nil || x.keepData) {
			*data = append(*data, text)
		}
		if p != nil {
			p.ProcessCommandResult(text)
		}
	}

	for _, l := range s.pending {
		deliver(l.text)
	}
	s.pending = nil

	okPrefix := tag + " OK"
	preauthPrefix := tag + " PREAUTH"
	noPrefix := tag + " NO"
	badPrefix := tag + " BAD"

	for {
		r, err := s.next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		if r.raw != nil {
			if literal != nil {
				literal.ProcessLiteral(r.raw)
			}
			continue
		}

		text := r.line.text
		deliver(text)
		if r.line.literal {
			continue
		}

		if strings.HasPrefix(text, "+ ") || text == "+" {
			switch {
			case len(queued) > 0:
				next := queued[0]
				queued = queued[1:]
				if err := s.writeLine(next, secret); err != nil {
					return false, err
				}
			case twoWay != nil:
				payload, err := twoWay.AppendCommandData(text)
				if err != nil {
					return false, err
				}
				if err := s.writeRaw(payload, secret); err != nil {
					return false, err
				}
			}
			continue
		}

		switch {
		case strings.HasPrefix(text, okPrefix), strings.HasPrefix(text, preauthPrefix):
			return true, nil
		case strings.HasPrefix(text, noPrefix), strings.HasPrefix(text, badPrefix):
			if err := alertFrom(text); err != nil {
				return false, err
			}
			return false, nil
		}
	}
}

func (s *Session) writeLine(text string, secret bool) error {
	return s.writeRaw([]byte(text+"\r\n"), secret)
}

func (s *Session) writeRaw(b []byte, secret bool) error {
	if s.log.GetLevel() <= zerolog.TraceLevel {
		text := strings.TrimRight(string(b), "\r\n")
		if secret {
			text = redact(text)
		}
		s.trace("C:", text)
	}
	if _, err := s.w.Write(b); err != nil {
		s.shutdown(err)
		return fmt.Errorf("write: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		s.shutdown(err)
		return fmt.Errorf("write: %w", err)
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return nil
}

func (s *Session) trace(dir, text string) {
	s.log.Trace().Str("dir", dir).Str("line", text).Msg("imap")
}

func isSecret(command string) bool {
	verb, _, _ := strings.Cut(command, " ")
	verb = strings.ToUpper(verb)
	return verb == "LOGIN" || verb == "AUTHENTICATE"
}

func redact(text string) string {
	fields := strings.Fields(text)
	switch {
	case len(fields) >= 2 && strings.EqualFold(fields[1], "LOGIN"):
		return fields[0] + " LOGIN ****"
	case len(fields) > 3 && strings.EqualFold(fields[1], "AUTHENTICATE"):
		return strings.Join(fields[:3], " ") + " ****"
	case len(fields) >= 2 && strings.EqualFold(fields[1], "AUTHENTICATE"):
		return text
	}
	return "****"
}

// readLoop splits the stream into lines. A line ending in a literal marker
// {n} is followed by exactly n bytes; those bytes are forwarded raw and as
// lines flagged literal, and whatever follows the last CRLF inside them is
// joined to the next physical line.
func (s *Session) readLoop(r *bufio.Reader) {
	var carry string
	send := func(rr readResult) bool {
		select {
		case s.lines <- rr:
			return true
		case <-s.done:
			return false
		}
	}
	for {
		text, err := r.ReadString('\n')
		if err != nil {
			if text != "" && !send(readResult{line: line{text: carry + strings.TrimRight(text, "\r\n")}}) {
				return
			}
			send(readResult{err: err})
			return
		}
		text = carry + strings.TrimRight(text, "\r\n")
		carry = ""
		if !send(readResult{line: line{text: text}}) {
			return
		}

		m := literalRex.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			send(readResult{err: err})
			return
		}
		if !send(readResult{raw: buf}) {
			return
		}
		parts := strings.Split(string(buf), "\r\n")
		for _, p := range parts[:len(parts)-1] {
			if !send(readResult{line: line{text: p, literal: true}}) {
				return
			}
		}
		carry = parts[len(parts)-1]
	}
}
