package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMaxUID(t *testing.T) {
	st := New()
	assert.Zero(t, st.GetMaxUID("INBOX", "1"))
	st.SetMaxUID("INBOX", "1", 10)
	st.SetMaxUID("INBOX", "1", 5)
	st.SetMaxUID("INBOX", "1", 15)
	assert.Equal(t, uint32(15), st.GetMaxUID("INBOX", "1"))
}

func TestStateUIDValidityChange(t *testing.T) {
	st := New()
	st.SetMaxUID("INBOX", "1", 15)
	assert.Zero(t, st.GetMaxUID("INBOX", "2"), "UIDs of another validity do not count")

	st.SetMaxUID("INBOX", "2", 3)
	assert.Equal(t, uint32(3), st.GetMaxUID("INBOX", "2"))
	assert.Zero(t, st.GetMaxUID("INBOX", "1"))

	st.Forget("INBOX")
	assert.Zero(t, st.GetMaxUID("INBOX", "2"))
}

func TestStateSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Load(path)
	require.NoError(t, err)
	st.SetMaxUID("Archive/2023", "42", 7)
	key := MboxKey("mail.mbox", "INBOX")
	st.SetMboxProgress(key, 12)
	require.NoError(t, st.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), again.GetMaxUID("Archive/2023", "42"))
	assert.Equal(t, 12, again.GetMboxProgress(key))
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	st, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, st.Save(""))
}
