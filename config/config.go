// Package config provides the daemon settings file and the flat
// key-to-lines configuration oracle read by plugins.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings are the daemon-level options, decoded from a TOML file and
// overridable from the command line.
type Settings struct {
	ListenAddress string `toml:"listen_address"`
	Port          int    `toml:"port"`
	ControlPort   int    `toml:"control_port"`
	Hostname      string `toml:"hostname"`
	Procs         int    `toml:"procs"`
	User          string `toml:"user"`
	ConfigDir     string `toml:"config_dir"`
	DBDir         string `toml:"db_dir"`

	// Seconds without client bytes before the session is timed out.
	IdleTimeout int `toml:"idle_timeout"`

	MaxMessageBytes int64 `toml:"max_message_bytes"`
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s Settings) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		ListenAddress: "0.0.0.0",
		Port:          2525,
		ControlPort:   20025,
		Procs:         1,
		ConfigDir:     "config",
		DBDir:         "/var/lib/hookd",
		IdleTimeout:   300,
	}
}

// Load reads settings from a TOML file, applying defaults for missing
// keys. A missing file is not an error.
func Load(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return s, err
	}
	return s, nil
}

// Dir is the keyed string-list oracle: each key is a file in the
// configuration directory, each value is its list of non-blank,
// non-comment lines.
type Dir struct {
	path string
}

// NewDir returns an oracle over the given directory.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the directory the oracle reads from.
func (d *Dir) Path() string {
	return d.path
}

// Get returns the lines stored under a key. A missing key yields nil.
func (d *Dir) Get(key string) []string {
	raw, err := os.ReadFile(filepath.Join(d.path, key))
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// GetLine returns the first line stored under a key, or the fallback.
func (d *Dir) GetLine(key, fallback string) string {
	lines := d.Get(key)
	if len(lines) == 0 {
		return fallback
	}
	return lines[0]
}

// Pairs interprets the key's lines as whitespace-separated key/value
// pairs, e.g. "black_timeout 60 grey_timeout 12000".
func (d *Dir) Pairs(key string) map[string]string {
	fields := strings.Fields(strings.Join(d.Get(key), " "))
	out := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		out[fields[i]] = fields[i+1]
	}
	return out
}
