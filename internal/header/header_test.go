package header

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	assert.Equal(t, "Hello world", Decode("=?UTF-8?B?SGVsbG8gd29ybGQ=?="))
	assert.Equal(t, "café", Decode("=?ISO-8859-1?Q?caf=E9?="))
	assert.Equal(t, "plain text", Decode("plain text"))
}

func TestAddressList(t *testing.T) {
	list, err := AddressList(`"Ann Example" <ann@example.com>, bob@example.com`)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Ann Example", list[0].Name)
	assert.Equal(t, "ann@example.com", list[0].Address)
	assert.Equal(t, "bob@example.com", list[1].Address)

	list, err = AddressList("")
	assert.NoError(t, err)
	assert.Empty(t, list)

	a, err := Address("=?UTF-8?Q?J=C3=B6rg?= <joerg@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "Jörg", a.Name)
}

func TestDate(t *testing.T) {
	d, err := Date("Mon, 7 Feb 1994 21:52:25 -0800")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1994, 2, 8, 5, 52, 25, 0, time.UTC), d.UTC())
}

func TestContentType(t *testing.T) {
	mt, params, err := ContentType(`Text/HTML; charset="utf-8"`)
	require.NoError(t, err)
	assert.Equal(t, "text/html", mt)
	assert.Equal(t, "utf-8", params["charset"])
}

func TestDecodeBody(t *testing.T) {
	raw := []byte(base64.StdEncoding.EncodeToString([]byte("hello")))
	out, err := DecodeBody("base64", "text/plain; charset=utf-8", raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	out, err = DecodeBody("quoted-printable", "text/plain; charset=iso-8859-1", []byte("caf=E9"))
	require.NoError(t, err)
	assert.Equal(t, "café", string(out))

	out, err = DecodeBody("", "", []byte("as is"))
	require.NoError(t, err)
	assert.Equal(t, "as is", string(out))
}
