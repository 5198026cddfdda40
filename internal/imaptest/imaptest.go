// Package imaptest provides a scripted loopback IMAP server for tests.
package imaptest

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every read the script does.
const DefaultTimeout = 5 * time.Second

// Conn is the server end of a scripted connection.
type Conn struct {
	t    testing.TB
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

// Start opens a loopback connection and runs script against its server end
// in a goroutine. It returns the client end and a function that waits for
// the script to finish. Both ends are closed when the test ends.
func Start(t testing.TB, script func(c *Conn)) (net.Conn, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	c := &Conn{t: t, conn: server, r: bufio.NewReader(server)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		script(c)
	}()

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, func() {
		select {
		case <-done:
		case <-time.After(2 * DefaultTimeout):
			t.Errorf("imaptest: script did not finish")
		}
	}
}

// ReadLine reads one line from the client without its CRLF. It returns ""
// and records a test error if nothing arrives in time.
func (c *Conn) ReadLine() string {
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Errorf("imaptest: read: %v", err)
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

// ReadN reads exactly n bytes, for literals sent by the client.
func (c *Conn) ReadN(n int) string {
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		c.t.Errorf("imaptest: read: %v", err)
	}
	return string(buf)
}

// Expect reads a line and checks it verbatim.
func (c *Conn) Expect(want string) string {
	got := c.ReadLine()
	assert.Equal(c.t, want, got)
	return got
}

// ExpectCommand reads a tagged command, checks everything after the tag and
// returns the tag.
func (c *Conn) ExpectCommand(want string) string {
	got := c.ReadLine()
	tag, rest, _ := strings.Cut(got, " ")
	assert.Equal(c.t, want, rest, "command after tag %q", tag)
	return tag
}

// Send writes lines, each terminated by CRLF.
func (c *Conn) Send(lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range lines {
		if _, err := c.conn.Write([]byte(l + "\r\n")); err != nil {
			c.t.Errorf("imaptest: write: %v", err)
			return
		}
	}
}

// SendRaw writes s unchanged, for literals.
func (c *Conn) SendRaw(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.t.Errorf("imaptest: write: %v", err)
	}
}

// Greet sends a standard OK greeting.
func (c *Conn) Greet() {
	c.Send("* OK IMAP4rev1 Service Ready")
}

// Reply completes the command tagged tag.
func (c *Conn) Reply(tag, status, text string) {
	c.Send(tag + " " + status + " " + text)
}

// Handle reads a command, checks it and answers with the untagged lines
// followed by a tagged OK.
func (c *Conn) Handle(want string, untagged ...string) string {
	tag := c.ExpectCommand(want)
	c.Send(untagged...)
	c.Reply(tag, "OK", "completed")
	return tag
}

// Close closes the server end.
func (c *Conn) Close() {
	c.conn.Close()
}
