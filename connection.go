package hookd

import (
	"net"
	"sync"
	"time"
)

// Connection carries the per-connection state plugins care about. It is
// owned by its session; handlers receive it for the duration of a hook
// call only.
type Connection struct {
	ID         string
	RemoteAddr net.Addr
	RemoteIP   string
	RemotePort int
	StartedAt  time.Time

	// Hello is the HELO/EHLO argument, empty until greeting.
	Hello string

	// RelayClient marks a connection allowed to bypass policy, typically
	// after successful authentication.
	RelayClient bool
	// WhitelistHost marks a connection from a whitelisted host.
	WhitelistHost bool

	mu    sync.Mutex
	notes map[string]string
}

// NewConnection builds a Connection for a remote address.
func NewConnection(id string, remote net.Addr) *Connection {
	c := &Connection{
		ID:         id,
		RemoteAddr: remote,
		StartedAt:  time.Now(),
		notes:      make(map[string]string),
	}
	if tcp, ok := remote.(*net.TCPAddr); ok {
		c.RemoteIP = tcp.IP.String()
		c.RemotePort = tcp.Port
	} else if remote != nil {
		host, _, err := net.SplitHostPort(remote.String())
		if err == nil {
			c.RemoteIP = host
		}
	}
	return c
}

// Note returns a connection note.
func (c *Connection) Note(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.notes[key]
	return v, ok
}

// SetNote records a note. Notes are set-once: a second write to the same
// key is ignored and reported false.
func (c *Connection) SetNote(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.notes[key]; ok {
		return false
	}
	c.notes[key] = value
	return true
}
