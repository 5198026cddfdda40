package imapclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/goimap/internal/imaptest"
)

// sendFetch answers a FETCH with a line ending in a literal, the literal
// itself and the closing parenthesis.
func sendFetch(s *imaptest.Conn, tag, prefix, literal string) {
	s.Send(fmt.Sprintf("%s {%d}", prefix, len(literal)))
	s.SendRaw(literal + ")\r\n")
	s.Reply(tag, "OK", "FETCH completed")
}

func withHeaders(names ...string) Option {
	b := DefaultBehavior()
	b.ExamineFolders = false
	b.RequestedHeaders = names
	return WithBehavior(b)
}

func TestDownloadFoldsHeaders(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		tag := s.ExpectCommand("UID FETCH 7 (BODY.PEEK[HEADER.FIELDS (SUBJECT FROM)])")
		sendFetch(s, tag, "* 1 FETCH (UID 7 BODY[HEADER.FIELDS (SUBJECT FROM)]",
			"Subject: Hello\r\n world\r\nFrom: a@b.com\r\n\r\n")
	}, withHeaders("Subject", "From"))
	inbox := known(c, "INBOX")

	msgs, err := inbox.Fetch(context.Background(), []uint32{7}, FetchHeaders)
	require.NoError(t, err)
	wait()

	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "Hello world", m.Header("Subject"))
	assert.Equal(t, "Hello world", m.Subject)
	require.NotNil(t, m.From)
	assert.Equal(t, "a@b.com", m.From.Address)
	assert.True(t, m.Progress().Has(GotHeaders))
	assert.False(t, m.Progress().Has(GotFlags))
	assert.Same(t, m, inbox.messageSlot().Get(7))
}

func TestDownloadBasic(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		tag := s.ExpectCommand("UID FETCH 7 (FLAGS INTERNALDATE RFC822.SIZE BODY.PEEK[HEADER.FIELDS (SUBJECT)] BODYSTRUCTURE)")
		sendFetch(s, tag, `* 1 FETCH (UID 7 FLAGS (\Seen \Flagged) INTERNALDATE "17-Jul-1996 02:44:25 -0700" RFC822.SIZE 4286 `+
			`BODYSTRUCTURE ("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "QUOTED-PRINTABLE" 12 1 NIL NIL NIL NIL) BODY[HEADER.FIELDS (SUBJECT)]`,
			"Subject: =?UTF-8?Q?Gr=C3=BC=C3=9Fe?=\r\n\r\n")
		tag = s.ExpectCommand("UID FETCH 7 (BODY.PEEK[1])")
		sendFetch(s, tag, "* 1 FETCH (UID 7 BODY[1]", "Hello =C3=A9")
	}, withHeaders("Subject"))
	inbox := known(c, "INBOX")

	msgs, err := inbox.Fetch(context.Background(), []uint32{7}, FetchBasic)
	require.NoError(t, err)
	wait()

	m := msgs[0]
	p := m.Progress()
	assert.True(t, p.Has(GotFlags|GotInternalDate|GotSize|GotHeaders|GotBodyStructure))
	assert.Equal(t, FetchProgress(0), p.Missing(FetchBasic))
	assert.Equal(t, uint32(4286), m.Size)
	assert.Equal(t, time.Date(1996, time.July, 17, 9, 44, 25, 0, time.UTC), m.InternalDate.UTC())
	assert.Equal(t, "Grüße", m.Subject)
	assert.True(t, m.Seen())
	assert.ElementsMatch(t, []string{`\Seen`, `\Flagged`}, m.Flags().All())

	body := m.Body()
	require.NotNil(t, body.Text)
	assert.Nil(t, body.HTML)
	assert.True(t, body.Text.Downloaded())
	assert.Equal(t, "Hello é", body.Text.Text())
	assert.Empty(t, m.Attachments())
}

func TestDownloadSkipsRetrievedCategories(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		s.Handle("UID FETCH 3 (FLAGS)", `* 1 FETCH (UID 3 FLAGS ())`)
		s.Handle("UID FETCH 3 (RFC822.SIZE)", `* 1 FETCH (UID 3 RFC822.SIZE 10)`)
	}, quiet())
	inbox := known(c, "INBOX")

	ctx := context.Background()
	msgs, err := inbox.Fetch(ctx, []uint32{3}, FetchFlags)
	require.NoError(t, err)
	m := msgs[0]
	assert.True(t, m.Progress().Has(GotFlags))
	assert.Zero(t, m.Flags().Len())

	ok, err := m.Download(ctx, FetchFlags|FetchSize, false)
	require.NoError(t, err)
	require.True(t, ok)
	wait()
	assert.Equal(t, uint32(10), m.Size)

	// Nothing left to fetch, so no command goes out.
	ok, err = m.Download(ctx, FetchFlags|FetchSize, false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Download(ctx, FetchNone, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClientDefaultResolves(t *testing.T) {
	b := DefaultBehavior()
	b.FetchMode = FetchSize
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		s.Handle("UID FETCH 9 (RFC822.SIZE)", `* 1 FETCH (UID 9 RFC822.SIZE 99)`)
	}, WithBehavior(b))
	m := newMessage(known(c, "INBOX"), 9)

	ok, err := m.Download(context.Background(), FetchClientDefault, false)
	require.NoError(t, err)
	require.True(t, ok)
	wait()
	assert.Equal(t, uint32(99), m.Size)
}

func TestBodyClassification(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {})
	wait()
	m := newMessage(known(c, "INBOX"), 1)
	m.processAttributes(`* 1 FETCH (UID 1 BODYSTRUCTURE ((("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "7BIT" 10 1 NIL NIL NIL NIL)` +
		`("TEXT" "HTML" ("CHARSET" "utf-8") NIL NIL "7BIT" 20 1 NIL NIL NIL NIL) "ALTERNATIVE" ("BOUNDARY" "b1") NIL NIL NIL)` +
		`("IMAGE" "PNG" NIL "<logo@x>" NIL "BASE64" 30 NIL NIL NIL NIL)` +
		`("APPLICATION" "PDF" ("NAME" "a.pdf") NIL NIL "BASE64" 40 NIL ("ATTACHMENT" ("FILENAME" "a.pdf")) NIL NIL) "MIXED" ("BOUNDARY" "b0") NIL NIL NIL))`)

	require.Len(t, m.BodyParts(), 4)
	body := m.Body()
	require.NotNil(t, body.Text)
	require.NotNil(t, body.HTML)
	assert.Equal(t, "1.1", body.Text.Section)
	assert.Equal(t, "1.2", body.HTML.Section)

	require.Len(t, m.Attachments(), 1)
	assert.Equal(t, "a.pdf", m.Attachments()[0].FileName())
	require.Len(t, m.EmbeddedResources(), 1)
	assert.Equal(t, "logo@x", m.EmbeddedResources()[0].ID)
}

func TestGMailAttributes(t *testing.T) {
	c, wait := connect(t, "X-GM-EXT-1", func(s *imaptest.Conn) {})
	wait()
	inbox := known(c, "INBOX")
	a := newMessage(inbox, 1)
	b := newMessage(inbox, 2)

	a.processAttributes(`* 1 FETCH (X-GM-THRID 1278455344230334865 X-GM-MSGID 1278455344230334866 X-GM-LABELS (\Inbox "Foo Bar" &AMQ-rger) UID 1)`)
	b.processAttributes(`* 2 FETCH (X-GM-THRID 1278455344230334865 UID 2)`)

	assert.Equal(t, uint64(1278455344230334866), a.GMailMessageID)
	assert.Equal(t, []string{`\Inbox`, "Foo Bar", "Ärger"}, a.Labels().All())
	require.NotNil(t, a.Thread())
	assert.Same(t, a.Thread(), b.Thread())
	assert.Equal(t, []*Message{a, b}, a.Thread().Messages())
	require.Len(t, inbox.Threads(), 1)
}

func TestDuplicateHeadersJoin(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {})
	wait()
	m := newMessage(known(c, "INBOX"), 1)
	m.mu.Lock()
	for _, l := range []string{"To: a@x.org", "To: b@x.org", "Received: one", "Received: two", "X-Odd:nospace"} {
		m.processHeaderLine(l)
	}
	m.progress |= GotHeaders
	m.mu.Unlock()
	m.bindHeaders()

	assert.Equal(t, "a@x.org, b@x.org", m.Header("to"))
	assert.Equal(t, "one\ntwo", m.Header("received"))
	assert.Equal(t, "nospace", m.Header("x-odd"))
	require.Len(t, m.To, 2)
	assert.Equal(t, "b@x.org", m.To[1].Address)
}

func TestDownloadRaw(t *testing.T) {
	raw := "Subject: x\r\n\r\nbody\r\n"
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		tag := s.ExpectCommand("UID FETCH 5 (BODY.PEEK[])")
		sendFetch(s, tag, "* 2 FETCH (UID 5 BODY[]", raw)
	})
	m := newMessage(known(c, "INBOX"), 5)

	got, err := m.DownloadRaw(context.Background())
	require.NoError(t, err)
	wait()
	assert.Equal(t, raw, string(got))
}

func TestCopyMoveRemove(t *testing.T) {
	b := DefaultBehavior()
	b.ExamineFolders = false
	b.FetchMode = FetchFlags
	c, wait := connect(t, "UIDPLUS", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		tag := s.ExpectCommand(`UID COPY 5 "Archive"`)
		s.Reply(tag, "OK", "[COPYUID 38505 5 3956] Done")
		s.Handle(`SELECT "Archive"`)
		s.Handle("UID SEARCH UID 3956", "* SEARCH 3956")
		s.Handle("UID FETCH 3956 (FLAGS)", `* 1 FETCH (UID 3956 FLAGS (\Seen))`)
		s.Handle(`SELECT "INBOX"`)
		s.Handle(`UID STORE 5 +FLAGS (\Deleted)`)
		s.Handle("EXPUNGE", "* 1 EXPUNGE")
	}, WithBehavior(b))
	inbox := known(c, "INBOX")
	archive := known(c, "Archive")
	m := newMessage(inbox, 5)
	inbox.messageSlot().add(m)

	ok, err := m.MoveTo(context.Background(), archive, true)
	require.NoError(t, err)
	require.True(t, ok)
	wait()

	copied := archive.messageSlot().Get(3956)
	require.NotNil(t, copied)
	assert.True(t, copied.Seen())
	assert.Nil(t, inbox.messageSlot().Get(5))
	assert.True(t, m.Flags().Contains(FlagDeleted))
}

func TestHeaderBlockWithOpenParen(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		tag := s.ExpectCommand("UID FETCH 7 (BODY.PEEK[HEADER.FIELDS (SUBJECT FROM)])")
		sendFetch(s, tag, "* 1 FETCH (UID 7 BODY[HEADER.FIELDS (SUBJECT FROM)]",
			"From: a@b.com\r\nSubject: sorry :(\r\n\r\n")
		s.Handle("UID FETCH 7 (FLAGS)", `* 1 FETCH (UID 7 FLAGS (\Seen))`)
	}, withHeaders("Subject", "From"))
	inbox := known(c, "INBOX")

	ctx := context.Background()
	msgs, err := inbox.Fetch(ctx, []uint32{7}, FetchHeaders)
	require.NoError(t, err)
	m := msgs[0]
	assert.Equal(t, "sorry :(", m.Header("Subject"))
	require.NotNil(t, m.From)
	assert.Equal(t, "a@b.com", m.From.Address)

	ok, err := m.Download(ctx, FetchFlags, false)
	require.NoError(t, err)
	require.True(t, ok)
	wait()
	assert.True(t, m.Progress().Has(GotFlags))
	assert.True(t, m.Seen())
	assert.Equal(t, "sorry :(", m.Header("Subject"))
}

func TestDownloadAttachments(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		tag := s.ExpectCommand("UID FETCH 1 (BODY.PEEK[1])")
		sendFetch(s, tag, "* 1 FETCH (UID 1 BODY[1]", "see attached")
		tag = s.ExpectCommand("UID FETCH 1 (BODY.PEEK[2])")
		sendFetch(s, tag, "* 1 FETCH (UID 1 BODY[2]", "aGk=")
	}, quiet())
	m := newMessage(known(c, "INBOX"), 1)
	m.processAttributes(`* 1 FETCH (UID 1 BODYSTRUCTURE (("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "7BIT" 12 1 NIL NIL NIL NIL)` +
		`("APPLICATION" "PDF" ("NAME" "a.pdf") NIL NIL "BASE64" 4 NIL ("ATTACHMENT" ("FILENAME" "a.pdf")) NIL NIL) "MIXED" ("BOUNDARY" "b0") NIL NIL NIL))`)
	require.True(t, m.Progress().Has(GotBodyStructure))

	ok, err := m.Download(context.Background(), FetchAttachments, false)
	require.NoError(t, err)
	require.True(t, ok)
	wait()

	require.Len(t, m.Attachments(), 1)
	att := m.Attachments()[0]
	assert.True(t, att.Downloaded())
	assert.Equal(t, "hi", att.Text())
	require.NotNil(t, m.Body().Text)
	assert.Equal(t, "see attached", m.Body().Text.Text())
}

func TestToBeforeDeliveredTo(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {})
	wait()
	m := newMessage(known(c, "INBOX"), 1)
	m.mu.Lock()
	for _, l := range []string{"Delivered-To: d@x.org", "To: a@x.org, b@x.org", "Subject: x"} {
		m.processHeaderLine(l)
	}
	m.progress |= GotHeaders
	m.mu.Unlock()

	for i := 0; i < 20; i++ {
		m.bindHeaders()
		require.Len(t, m.To, 3)
		assert.Equal(t, "a@x.org", m.To[0].Address)
		assert.Equal(t, "b@x.org", m.To[1].Address)
		assert.Equal(t, "d@x.org", m.To[2].Address)
	}
}
