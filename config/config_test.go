package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", s.ListenAddress)
	require.Equal(t, 2525, s.Port)
	require.Equal(t, 20025, s.ControlPort)
	require.Equal(t, 300*time.Second, s.IdleTimeoutDuration())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_address = "127.0.0.1"
port = 1125
procs = 4
user = "smtpd"
idle_timeout = 60
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", s.ListenAddress)
	require.Equal(t, 1125, s.Port)
	require.Equal(t, 4, s.Procs)
	require.Equal(t, "smtpd", s.User)
	require.Equal(t, 60*time.Second, s.IdleTimeoutDuration())
	// untouched keys keep their defaults
	require.Equal(t, 20025, s.ControlPort)
}

func TestDirGet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rhsbl_zones"), []byte(`
# comment
bl.example "domain listed"

other.example
`), 0o644))

	d := NewDir(dir)
	require.Equal(t, []string{`bl.example "domain listed"`, "other.example"}, d.Get("rhsbl_zones"))
	require.Nil(t, d.Get("missing_key"))
	require.Equal(t, "fallback", d.GetLine("missing_key", "fallback"))
}

func TestDirPairs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hash_greylist"),
		[]byte("black_timeout 60 grey_timeout 12000\nmode testonly\n"), 0o644))

	pairs := NewDir(dir).Pairs("hash_greylist")
	require.Equal(t, map[string]string{
		"black_timeout": "60",
		"grey_timeout":  "12000",
		"mode":          "testonly",
	}, pairs)
}
