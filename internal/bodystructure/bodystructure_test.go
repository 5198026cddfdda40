package bodystructure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixed = `(((("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "QUOTED-PRINTABLE" 120 4 NIL NIL NIL NIL)` +
	`("TEXT" "HTML" ("CHARSET" "utf-8") NIL NIL "QUOTED-PRINTABLE" 480 12 NIL NIL NIL NIL) "ALTERNATIVE" ("BOUNDARY" "b2") NIL NIL NIL)` +
	`("IMAGE" "PNG" ("NAME" "logo.png") "<logo@x>" NIL "BASE64" 2048 NIL ("INLINE" ("FILENAME" "logo.png")) NIL NIL) "RELATED" ("BOUNDARY" "b1") NIL NIL NIL)` +
	`("APPLICATION" "PDF" ("NAME" "=?UTF-8?Q?r=C3=A9sum=C3=A9.pdf?=") NIL NIL "BASE64" 9000 NIL ("ATTACHMENT" ("FILENAME" "=?UTF-8?Q?r=C3=A9sum=C3=A9.pdf?=")) NIL NIL) "MIXED" ("BOUNDARY" "b0") NIL NIL NIL)`

func TestParseNested(t *testing.T) {
	parts, err := Parse(mixed + ` BODY[HEADER.FIELDS (FROM)] {20}`)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	assert.Equal(t, "1.1.1", parts[0].Section)
	assert.Equal(t, "text/plain", parts[0].MediaType)
	assert.Equal(t, "utf-8", parts[0].Charset())
	assert.Equal(t, "quoted-printable", parts[0].Encoding)
	assert.Equal(t, uint32(4), parts[0].Lines)
	assert.Equal(t, 3, parts[0].Depth())

	assert.Equal(t, "1.1.2", parts[1].Section)
	assert.Equal(t, "text/html", parts[1].MediaType)

	assert.Equal(t, "1.2", parts[2].Section)
	assert.Equal(t, "inline", parts[2].Disposition)
	assert.Equal(t, "logo@x", parts[2].ID)
	assert.Equal(t, "logo.png", parts[2].FileName())

	assert.Equal(t, "2", parts[3].Section)
	assert.Equal(t, "attachment", parts[3].Disposition)
	assert.Equal(t, "résumé.pdf", parts[3].FileName())
	assert.Equal(t, uint32(9000), parts[3].Size)
}

func TestParseSinglePart(t *testing.T) {
	parts, err := Parse(`("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 1152 23)`)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "1", parts[0].Section)
	assert.Equal(t, 1, parts[0].Depth())
	assert.Empty(t, parts[0].Disposition)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("no list here")
	assert.Error(t, err)

	_, err = Parse(`("TEXT" "PLAIN"`)
	assert.Error(t, err)
}

func TestBalancedSkipsQuotedParens(t *testing.T) {
	got, err := balanced(`x ("a)" ("b")) tail)`)
	require.NoError(t, err)
	assert.Equal(t, `("a)" ("b"))`, got)
}
