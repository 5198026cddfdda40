package response

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTagged(t *testing.T) {
	e := Parse("IMAP3 NO [ALERT] IMAP access for this account is disabled.\r\n")

	assert.Equal(t, Tagged, e.Kind)
	assert.Equal(t, "IMAP3", e.Tag)
	assert.Equal(t, NO, e.Status)
	assert.Equal(t, "ALERT", e.Code)
	assert.Equal(t, "IMAP access for this account is disabled.", e.Text)
	assert.True(t, e.IsCompletion("IMAP3"))
	assert.False(t, e.IsCompletion("IMAP30"))
}

func TestParseContinuation(t *testing.T) {
	e := Parse("+ idling")
	assert.Equal(t, Continuation, e.Kind)
	assert.Equal(t, "idling", e.Text)

	e = Parse("+")
	assert.Equal(t, Continuation, e.Kind)
	assert.Empty(t, e.Text)
}

func TestParseNumeric(t *testing.T) {
	e := Parse("* 172 EXISTS")
	assert.Equal(t, Numeric, e.Kind)
	assert.Equal(t, uint32(172), e.Number)
	assert.Equal(t, "EXISTS", e.Name)

	e = Parse("* 12 FETCH (UID 44 FLAGS (\\Seen))")
	assert.Equal(t, Numeric, e.Kind)
	assert.Equal(t, "FETCH", e.Name)
	assert.Equal(t, "(UID 44 FLAGS (\\Seen))", e.Text)
}

func TestParseUntaggedStatusCodes(t *testing.T) {
	e := Parse("* OK [UIDVALIDITY 3857529045] UIDs valid")
	assert.Equal(t, Status, e.Kind)
	assert.Equal(t, "UIDVALIDITY", e.Code)
	assert.Equal(t, "3857529045", e.CodeArgs)
	n, ok := e.CodeNumber()
	assert.True(t, ok)
	assert.Equal(t, uint32(3857529045), n)

	e = Parse(`* OK [PERMANENTFLAGS (\Deleted \Seen \*)] Limited`)
	assert.Equal(t, "PERMANENTFLAGS", e.Code)
	assert.Equal(t, []string{`\Deleted`, `\Seen`, `\*`}, e.CodeList())

	e = Parse("* BYE logging out")
	assert.Equal(t, Status, e.Kind)
	assert.Equal(t, BYE, e.Status)
}

func TestParseList(t *testing.T) {
	e := Parse(`* LIST (\HasNoChildren \Sent) "/" "[Gmail]/Sent Mail"`)
	require.Equal(t, List, e.Kind)
	assert.Equal(t, "LIST", e.Name)
	assert.Equal(t, []string{`\HasNoChildren`, `\Sent`}, e.Attributes)
	assert.Equal(t, "/", e.Delimiter)
	assert.Equal(t, "[Gmail]/Sent Mail", e.Mailbox)

	e = Parse(`* XLIST (\HasChildren) "." INBOX`)
	require.Equal(t, List, e.Kind)
	assert.Equal(t, "XLIST", e.Name)
	assert.Equal(t, "INBOX", e.Mailbox)

	e = Parse(`* LIST (\Noselect) NIL ""`)
	require.Equal(t, List, e.Kind)
	assert.Empty(t, e.Delimiter)
}

func TestParseStatusData(t *testing.T) {
	e := Parse(`* STATUS "INBOX" (MESSAGES 231 UIDNEXT 44292 UNSEEN 3)`)
	require.Equal(t, StatusData, e.Kind)
	assert.Equal(t, "INBOX", e.Mailbox)
	assert.Equal(t, map[string]string{"MESSAGES": "231", "UIDNEXT": "44292", "UNSEEN": "3"}, e.Items)
}

func TestParseSearchAndFlags(t *testing.T) {
	e := Parse("* SEARCH 2 84 882")
	assert.Equal(t, Search, e.Kind)
	assert.Equal(t, []uint32{2, 84, 882}, e.IDs)

	e = Parse("* SEARCH")
	assert.Equal(t, Search, e.Kind)
	assert.Empty(t, e.IDs)

	e = Parse(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	assert.Equal(t, Flags, e.Kind)
	assert.Len(t, e.Flags, 5)
}

func TestParseCapabilityAndUnknown(t *testing.T) {
	e := Parse("* CAPABILITY IMAP4rev1 IDLE")
	assert.Equal(t, Capability, e.Kind)
	assert.Equal(t, "IMAP4rev1 IDLE", e.Text)

	e = Parse("Subject: hello")
	assert.Equal(t, Unknown, e.Kind)
	assert.Equal(t, "Subject: hello", e.Raw)
}
