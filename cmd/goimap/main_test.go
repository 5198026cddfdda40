package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/goimap/internal/config"
)

func TestParseMappings(t *testing.T) {
	m := parseMappings([]string{"INBOX=inbox.mbox", "Sent=a=b", "broken"})
	assert.Equal(t, map[string]string{"INBOX": "inbox.mbox", "Sent": "a=b"}, m)
}

func TestStateFileFor(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "goimap-state.json", stateFileFor("", cfg))
	cfg.StateFile = "/var/lib/goimap.json"
	assert.Equal(t, "/var/lib/goimap.json", stateFileFor("", cfg))
	assert.Equal(t, "x.json", stateFileFor("x.json", cfg))
}

func TestExportFilter(t *testing.T) {
	o := &exportOptions{include: "^INBOX", skipSpecial: true}
	fl, err := o.filter()
	require.NoError(t, err)
	assert.True(t, fl.Include.MatchString("INBOX/Work"))
	assert.Nil(t, fl.Exclude)
	assert.True(t, fl.Trash && fl.Junk && fl.Drafts && fl.Sent)

	o = &exportOptions{skipJunk: true}
	fl, err = o.filter()
	require.NoError(t, err)
	assert.True(t, fl.Junk)
	assert.False(t, fl.Trash)

	_, err = (&exportOptions{exclude: "("}).filter()
	assert.ErrorContains(t, err, "--exclude")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m5s", formatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h15m", formatDuration(2*time.Hour+15*time.Minute))
	assert.Equal(t, ">99h", formatDuration(100*time.Hour))
}

func TestRateETA(t *testing.T) {
	r := newRate()
	assert.Equal(t, "ETA --", r.eta(0, 0))
	assert.Equal(t, "ETA 0s", r.eta(10, 10))
	assert.Equal(t, "ETA --", r.eta(0, 10))

	r.ema = 2
	assert.Equal(t, "ETA 5s", r.eta(0, 10))
	r.ema = 100
	assert.Equal(t, "ETA <1s", r.eta(0, 10))
}
