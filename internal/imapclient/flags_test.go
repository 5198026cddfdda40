package imapclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/goimap/internal/imaptest"
)

func TestAddRangeSendsOneStore(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		s.Handle(`UID STORE 8 +FLAGS (\Seen \Flagged $Work)`)
		s.Handle(`UID STORE 8 -FLAGS (\Flagged)`)
	})
	m := newMessage(known(c, "INBOX"), 8)
	m.flags.set([]string{`\Seen`})

	ctx := context.Background()
	ok, err := m.Flags().AddRange(ctx, []string{`\Seen`, `\Flagged`, `\Recent`, `\flagged`, "$Work", ""})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{`\Seen`, `\Flagged`, "$Work"}, m.Flags().All())

	ok, err = m.Flags().Remove(ctx, `\Flagged`)
	require.NoError(t, err)
	require.True(t, ok)
	wait()
	assert.Equal(t, []string{`\Seen`, "$Work"}, m.Flags().All())

	_, err = m.Flags().Add(ctx, " ")
	assert.Error(t, err)
	ok, err = m.Flags().AddRange(ctx, []string{`\Recent`})
	require.NoError(t, err)
	assert.True(t, ok, "nothing to send")
}

func TestStoreRefusedLeavesLocalState(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		tag := s.ExpectCommand(`UID STORE 8 +FLAGS (\Answered)`)
		s.Reply(tag, "NO", "read-only")
	})
	m := newMessage(known(c, "INBOX"), 8)

	ok, err := m.Flags().Add(context.Background(), FlagAnswered)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, m.Flags().Len())
	wait()
}

func TestLabels(t *testing.T) {
	c, wait := connect(t, "X-GM-EXT-1", func(s *imaptest.Conn) {
		s.Handle(`SELECT "INBOX"`)
		s.Handle(`UID STORE 8 +X-GM-LABELS ("&AMQ-rger" "Work")`)
		s.Handle(`UID STORE 8 -X-GM-LABELS ("Work")`)
	})
	m := newMessage(known(c, "INBOX"), 8)

	ctx := context.Background()
	ok, err := m.Labels().AddRange(ctx, []string{"Ärger", "Work"})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Labels().Remove(ctx, "Work")
	require.NoError(t, err)
	require.True(t, ok)
	wait()
	assert.Equal(t, []string{"Ärger"}, m.Labels().All())
}

func TestLabelsNeedGMail(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {})
	wait()
	m := newMessage(known(c, "INBOX"), 8)

	_, err := m.Labels().Add(context.Background(), "Work")
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = m.Labels().RemoveRange(context.Background(), []string{"Work"})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestFolderFlagsUseMetadata(t *testing.T) {
	c, wait := connect(t, "METADATA", func(s *imaptest.Conn) {
		s.Handle(`SETMETADATA "Stuff" (/private/specialuse "\\Archive")`)
		s.Handle(`SETMETADATA "Stuff" (/private/specialuse NIL)`)
	})
	f := known(c, "Stuff", `\HasNoChildren`)

	ctx := context.Background()
	ok, err := f.Flags().Add(ctx, `\Archive`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.Flags().Contains(`\Archive`))

	ok, err = f.Flags().Remove(ctx, `\Archive`)
	require.NoError(t, err)
	require.True(t, ok)
	wait()
	assert.Equal(t, []string{`\HasNoChildren`}, f.Flags().All())
}

func TestFolderFlagsNeedMetadata(t *testing.T) {
	c, wait := connect(t, "", func(s *imaptest.Conn) {})
	wait()
	_, err := known(c, "Stuff").Flags().Add(context.Background(), `\Junk`)
	assert.ErrorIs(t, err, ErrNotSupported)
}
