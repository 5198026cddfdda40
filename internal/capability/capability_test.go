package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapabilityLine(t *testing.T) {
	s := Parse("* CAPABILITY IMAP4rev1 IDLE UIDPLUS X-GM-EXT-1 AUTH=PLAIN")

	assert.True(t, s.Idle)
	assert.True(t, s.XGMExt1)
	assert.False(t, s.LoginDisabled)
	assert.Equal(t, []string{"PLAIN"}, s.AuthenticationMechanisms)
	assert.ElementsMatch(t, []string{"IDLE", "UIDPLUS", "X-GM-EXT-1", "AUTH=PLAIN"}, s.All)
}

func TestUpdateIsIdempotent(t *testing.T) {
	line := "* CAPABILITY IMAP4rev1 IDLE COMPRESS=DEFLATE CONTEXT=SEARCH AUTH=XOAUTH2"
	s := &Set{}
	s.Update(line)
	first := append([]string(nil), s.All...)
	mechs := append([]string(nil), s.AuthenticationMechanisms...)

	s.Update(line)

	assert.Equal(t, first, s.All)
	assert.Equal(t, mechs, s.AuthenticationMechanisms)
	assert.Equal(t, []string{"DEFLATE"}, s.CompressionMechanisms)
	assert.Equal(t, []string{"SEARCH"}, s.Contexts)
	assert.True(t, s.XOAuth2)
}

func TestUpdateUnionNeverShrinks(t *testing.T) {
	s := Parse("* CAPABILITY IMAP4rev1 LOGINDISABLED STARTTLS")
	s.Update("* CAPABILITY IMAP4rev1 AUTH=PLAIN IDLE")

	require.Len(t, s.All, 4)
	assert.True(t, s.LoginDisabled)
	assert.True(t, s.Idle)
	assert.True(t, s.Has("starttls"))
	assert.True(t, s.SupportsAuth("plain"))
}

func TestUpdateFromResponseCode(t *testing.T) {
	s := &Set{}
	s.Update("IMAP2 OK [CAPABILITY IMAP4rev1 SASL-IR METADATA XLIST] Logged in")

	assert.True(t, s.SASLIR)
	assert.True(t, s.Metadata)
	assert.True(t, s.XList)
	assert.ElementsMatch(t, []string{"SASL-IR", "METADATA", "XLIST"}, s.All)
}

func TestUpdateEmptyInput(t *testing.T) {
	s := &Set{}
	s.Update("")
	s.Update("   ")

	assert.Empty(t, s.All)
	assert.False(t, s.Has("IDLE"))
}

func TestUnknownTokensKeptWithoutFlags(t *testing.T) {
	s := Parse("* CAPABILITY IMAP4rev1 X-SOMETHING-ODD")

	assert.Equal(t, []string{"X-SOMETHING-ODD"}, s.All)
	assert.Empty(t, s.AuthenticationMechanisms)
	assert.False(t, s.Idle)
}
