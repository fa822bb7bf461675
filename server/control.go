package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// Control is the loopback-only admin channel: a line-oriented protocol
// with the commands pause, resume, status and reload. In prefork mode
// the supervisor wires pause, resume and reload to signal broadcasts and
// status to its worker count; in single-process mode they act on the
// server directly and status reports the server's counters.
type Control struct {
	Logger *slog.Logger

	PauseFunc  func()
	ResumeFunc func()
	StatusFunc func() string
	ReloadFunc func() error
}

// Control returns an admin channel acting on this server.
func (s *Server) Control() *Control {
	return &Control{
		Logger:     s.logger,
		PauseFunc:  s.Pause,
		ResumeFunc: s.Resume,
		StatusFunc: func() string {
			c := s.Counters()
			return fmt.Sprintf("accepted=%d active=%d rejected_black=%d rejected_white=%d",
				c.Accepted.Load(), c.Active.Load(), c.RejectedBlack.Load(), c.RejectedWhite.Load())
		},
		ReloadFunc: s.Reload,
	}
}

// Serve answers admin connections on l until the context ends.
// Non-loopback peers are dropped without a reply.
func (c *Control) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !loopback(conn.RemoteAddr()) {
			_ = conn.Close()
			continue
		}
		go c.session(conn)
	}
}

func loopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcp.IP.IsLoopback()
}

func (c *Control) session(conn net.Conn) {
	defer conn.Close()

	var buf [512]byte
	var line strings.Builder
	for {
		n, err := conn.Read(buf[:])
		if err != nil {
			return
		}
		line.Write(buf[:n])
		text := line.String()
		for {
			cmd, rest, found := strings.Cut(text, "\n")
			if !found {
				break
			}
			text = rest
			if done := c.dispatch(conn, strings.TrimSpace(cmd)); done {
				return
			}
		}
		line.Reset()
		line.WriteString(text)
	}
}

func (c *Control) dispatch(conn net.Conn, cmd string) (done bool) {
	reply := func(format string, args ...any) {
		_, _ = fmt.Fprintf(conn, format+"\r\n", args...)
	}

	switch cmd {
	case "pause":
		c.PauseFunc()
		reply("250 paused")
	case "resume":
		c.ResumeFunc()
		reply("250 resumed")
	case "status":
		reply("250 %s", c.StatusFunc())
	case "reload":
		if err := c.ReloadFunc(); err != nil {
			c.Logger.Error("reload failed", slog.Any("err", err))
			reply("451 reload failed: %v", err)
			break
		}
		reply("250 reloaded")
	case "quit", "":
		reply("221 bye")
		return true
	default:
		reply("500 unknown command: %s", cmd)
	}
	return false
}

// ControlAddr is the default control channel endpoint.
func ControlAddr(port int) string {
	if port <= 0 {
		port = 20025
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}
