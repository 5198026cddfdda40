package wire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/goimap/internal/imaptest"
)

func newSession(t *testing.T, script func(c *imaptest.Conn)) (*Session, func()) {
	t.Helper()
	conn, wait := imaptest.Start(t, func(c *imaptest.Conn) {
		c.Greet()
		script(c)
	})
	s := New(conn)
	t.Cleanup(func() { s.Close() })

	greeting, err := s.Greeting(context.Background())
	require.NoError(t, err)
	require.Equal(t, "* OK IMAP4rev1 Service Ready", greeting)
	return s, wait
}

type recorder struct {
	mu       sync.Mutex
	lines    []string
	literals [][]byte
}

func (r *recorder) ProcessCommandResult(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recorder) ProcessLiteral(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = append(r.literals, b)
}

type uploader struct {
	recorder
	payload []byte
}

func (u *uploader) AppendCommandData(string) ([]byte, error) {
	return u.payload, nil
}

func TestTagsIncreaseByOne(t *testing.T) {
	var seen []string
	s, wait := newSession(t, func(c *imaptest.Conn) {
		for i := 0; i < 3; i++ {
			seen = append(seen, c.Handle("NOOP"))
		}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := s.SendAndReceive(ctx, "NOOP", nil, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("IMAP%d", i+1), s.Tag())
	}
	wait()
	assert.Equal(t, []string{"IMAP1", "IMAP2", "IMAP3"}, seen)
}

func TestCompletionMatchesOwnTagOnly(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("SELECT INBOX")
		c.Send("* 172 EXISTS", "IMAP10 OK other tag", "* 1 RECENT")
		c.Reply(tag, "OK", "[READ-WRITE] SELECT completed")
	})

	var data []string
	ok, err := s.SendAndReceive(context.Background(), "SELECT INBOX", &data, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{
		"* 172 EXISTS",
		"IMAP10 OK other tag",
		"* 1 RECENT",
		"IMAP1 OK [READ-WRITE] SELECT completed",
	}, data)
	wait()
}

func TestFailureAndAlert(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("SELECT Nope")
		c.Reply(tag, "NO", "Mailbox doesn't exist")
		tag = c.ExpectCommand("SELECT INBOX")
		c.Reply(tag, "BAD", "syntax")
		tag = c.ExpectCommand("LOGIN \"a\" \"b\"")
		c.Reply(tag, "NO", "[ALERT] IMAP access for this account is disabled.")
	})

	ctx := context.Background()
	ok, err := s.SendAndReceive(ctx, "SELECT Nope", nil, nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SendAndReceive(ctx, "SELECT INBOX", nil, nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SendAndReceive(ctx, `LOGIN "a" "b"`, nil, nil)
	assert.False(t, ok)
	var alert *ServerAlertError
	require.ErrorAs(t, err, &alert)
	assert.Equal(t, "IMAP access for this account is disabled.", alert.Message)
	wait()
}

func TestContinuationSegments(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("AUTHENTICATE PLAIN")
		c.Send("+ ")
		c.Expect("AGFAYg==")
		c.Reply(tag, "OK", "authenticated")
	})

	ok, err := s.SendAndReceive(context.Background(), "AUTHENTICATE PLAIN\r\nAGFAYg==", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	wait()
}

func TestTwoWayProcessor(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("APPEND INBOX {5}")
		c.Send("+ Ready for literal data")
		c.Expect("hello")
		c.Reply(tag, "OK", "[APPENDUID 38505 3955] APPEND completed")
	})

	u := &uploader{}
	u.payload = []byte("hello\r\n")
	var data []string
	ok, err := s.SendAndReceive(context.Background(), "APPEND INBOX {5}", &data, u, KeepData())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, u.lines, data)
	assert.Contains(t, u.lines, "IMAP1 OK [APPENDUID 38505 3955] APPEND completed")
	wait()
}

func TestLiteralLinesNeverComplete(t *testing.T) {
	body := "Subject: x\r\n\r\nIMAP1 OK not really\r\n"
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("UID FETCH 5 (BODY.PEEK[])")
		c.Send(fmt.Sprintf("* 1 FETCH (UID 5 BODY[] {%d}", len(body)))
		c.SendRaw(body)
		c.Send(")")
		c.Reply(tag, "OK", "FETCH completed")
	})

	r := &recorder{}
	ok, err := s.SendAndReceive(context.Background(), "UID FETCH 5 (BODY.PEEK[])", nil, r)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{
		fmt.Sprintf("* 1 FETCH (UID 5 BODY[] {%d}", len(body)),
		"Subject: x",
		"",
		"IMAP1 OK not really",
		")",
		"IMAP1 OK FETCH completed",
	}, r.lines)
	require.Len(t, r.literals, 1)
	assert.Equal(t, body, string(r.literals[0]))
	wait()
}

func TestUnsolicitedLinesPrecedeNextExchange(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		c.Handle("NOOP")
		c.Send("* 3 EXISTS")
		c.Handle("NOOP")
	})

	ctx := context.Background()
	ok, err := s.SendAndReceive(ctx, "NOOP", nil, nil)
	require.NoError(t, err)
	require.True(t, ok)

	var data []string
	ok, err = s.SendAndReceive(ctx, "NOOP", &data, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"* 3 EXISTS", "IMAP2 OK completed"}, data)
	wait()
}

func TestServerHangupReturnsFalse(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		c.ExpectCommand("NOOP")
		c.Close()
	})

	ok, err := s.SendAndReceive(context.Background(), "NOOP", nil, nil)
	assert.NoError(t, err)
	assert.False(t, ok)
	wait()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session still open")
	}
	_, err = s.SendAndReceive(context.Background(), "NOOP", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCancelledExchangeClosesSession(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		c.ExpectCommand("NOOP")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ok, err := s.SendAndReceive(ctx, "NOOP", nil, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, s.Err(), context.DeadlineExceeded)
	wait()
}

type stateLog struct {
	mu     sync.Mutex
	states []IdleState
}

func (l *stateLog) add(st IdleState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, st)
}

func (l *stateLog) get() []IdleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]IdleState(nil), l.states...)
}

func TestIdlePausesAroundCommands(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("IDLE")
		c.Send("+ idling")
		c.Send("* 4 EXISTS")
		c.Expect("DONE")
		c.Reply(tag, "OK", "IDLE terminated")
		c.Handle("NOOP")
		tag = c.ExpectCommand("IDLE")
		c.Send("+ idling")
		c.Expect("DONE")
		c.Reply(tag, "OK", "IDLE terminated")
	})

	pushes := make(chan string, 4)
	states := &stateLog{}
	ctx := context.Background()
	ok, err := s.StartIdling(ctx, IdleOptions{
		OnPush:  func(l string) { pushes <- l },
		OnState: states.add,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, IdleOn, s.IdleState())

	select {
	case l := <-pushes:
		assert.Equal(t, "* 4 EXISTS", l)
	case <-time.After(imaptest.DefaultTimeout):
		t.Fatal("no push")
	}

	ok, err = s.SendAndReceive(ctx, "NOOP", nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, IdleOn, s.IdleState())
	assert.Equal(t, "IMAP3", s.Tag())

	require.NoError(t, s.StopIdling(ctx))
	assert.Equal(t, IdleOff, s.IdleState())
	assert.Equal(t, []IdleState{IdleOn, IdlePaused, IdleOn, IdleOff}, states.get())
	wait()
}

func TestIdleResumesAfterFailedCommand(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("IDLE")
		c.Send("+ idling")
		c.Expect("DONE")
		c.Reply(tag, "OK", "IDLE terminated")
		tag = c.ExpectCommand("ENABLE X")
		c.Reply(tag, "NO", "[ALERT] IMAP extension is disabled.")
		tag = c.ExpectCommand("IDLE")
		c.Send("+ idling")
		c.Expect("DONE")
		c.Reply(tag, "OK", "IDLE terminated")
	})

	ctx := context.Background()
	ok, err := s.StartIdling(ctx, IdleOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SendAndReceive(ctx, "ENABLE X", nil, nil)
	assert.False(t, ok)
	var alert *ServerAlertError
	require.ErrorAs(t, err, &alert)
	assert.Equal(t, IdleOn, s.IdleState())

	require.NoError(t, s.StopIdling(ctx))
	assert.Equal(t, IdleOff, s.IdleState())
	wait()
}

func TestIdleKeepAlive(t *testing.T) {
	var noopSeen atomic.Bool
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("IDLE")
		c.Send("+ idling")
		c.Expect("DONE")
		c.Reply(tag, "OK", "IDLE terminated")
		noopSeen.Store(true)
		c.Handle("NOOP")
		tag = c.ExpectCommand("IDLE")
		c.Send("+ idling")
		c.Expect("DONE")
		c.Reply(tag, "OK", "IDLE terminated")
	})

	ctx := context.Background()
	ok, err := s.StartIdling(ctx, IdleOptions{
		KeepAlive: func() time.Duration {
			if noopSeen.Load() {
				return 0
			}
			return 150 * time.Millisecond
		},
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return s.Tag() == "IMAP3" && s.IdleState() == IdleOn
	}, imaptest.DefaultTimeout, 10*time.Millisecond)
	require.NoError(t, s.StopIdling(ctx))
	wait()
}

func TestIdleEndedByServer(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("IDLE")
		c.Send("+ idling")
		c.Reply(tag, "OK", "IDLE timed out")
		c.Handle("NOOP")
	})

	states := &stateLog{}
	ctx := context.Background()
	ok, err := s.StartIdling(ctx, IdleOptions{OnState: states.add})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return s.IdleState() == IdleOff }, imaptest.DefaultTimeout, 10*time.Millisecond)

	ok, err = s.SendAndReceive(ctx, "NOOP", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, IdleOff, s.IdleState())

	require.NoError(t, s.StopIdling(ctx))
	assert.Equal(t, []IdleState{IdleOn, IdleOff}, states.get())
	wait()
}

func TestIdleRefused(t *testing.T) {
	s, wait := newSession(t, func(c *imaptest.Conn) {
		tag := c.ExpectCommand("IDLE")
		c.Reply(tag, "BAD", "no mailbox selected")
	})

	ok, err := s.StartIdling(context.Background(), IdleOptions{})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, IdleOff, s.IdleState())
	wait()
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "IMAP1 LOGIN ****", redact(`IMAP1 LOGIN "user" "secret"`))
	assert.Equal(t, "IMAP2 AUTHENTICATE PLAIN ****", redact("IMAP2 AUTHENTICATE PLAIN AGFAYg=="))
	assert.Equal(t, "****", redact("AGFAYg=="))
}
