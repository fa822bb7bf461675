// Package server implements the SMTP daemon core: the accepting
// front end with adaptive batch sizes and the pause gate, the
// per-connection protocol sessions, and the loopback control channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/plugin"
)

// ErrServerClosed occurs if a server is already closed.
var ErrServerClosed = errors.New("hookd: server already closed")

const (
	// initialNumAccept is how many sockets one accept batch may take
	// before the batch size has adapted.
	initialNumAccept = 20
	// maxNumAccept caps the adaptive batch size.
	maxNumAccept = 1000
	// numAcceptResetPeriod is how often the batch size falls back to its
	// initial value.
	numAcceptResetPeriod = 30 * time.Second
)

// Serve accepts incoming connections on the listener l.
//
// Accepting is batched: up to numAccept sockets are taken per batch,
// and draining a full batch doubles numAccept up to maxNumAccept. The
// size falls back to initialNumAccept every numAcceptResetPeriod. This
// gives burst tolerance without letting one hot listener starve
// everything else.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.locker.Lock()
	s.listeners = append(s.listeners, l)
	s.locker.Unlock()

	tl, _ := l.(*net.TCPListener)
	numAccept := initialNumAccept
	lastReset := time.Now()

	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		if tl != nil {
			_ = tl.SetDeadline(time.Time{})
		}
		c, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				// we called Close()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if maxDelay := 1 * time.Second; tempDelay > maxDelay {
					tempDelay = maxDelay
				}
				s.logger.ErrorContext(ctx, "accept error, retrying",
					slog.Any("err", err),
					slog.Any("temp_delay", tempDelay),
				)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		s.dispatch(ctx, c)

		// drain the rest of the batch without blocking
		batch := 1
		if tl != nil {
			for batch < numAccept {
				_ = tl.SetDeadline(time.Now())
				c, err := tl.Accept()
				if err != nil {
					break
				}
				batch++
				s.dispatch(ctx, c)
			}
		}

		if time.Since(lastReset) >= numAcceptResetPeriod {
			numAccept = initialNumAccept
			lastReset = time.Now()
		} else {
			numAccept = nextNumAccept(numAccept, batch >= numAccept)
		}
	}
}

// nextNumAccept doubles the batch size when the last batch was fully
// drained, up to the cap.
func nextNumAccept(cur int, saturated bool) int {
	if !saturated {
		return cur
	}
	if cur *= 2; cur > maxNumAccept {
		return maxNumAccept
	}
	return cur
}

// dispatch hands one accepted socket to a session, or turns it away
// when the server is paused.
func (s *Server) dispatch(ctx context.Context, conn net.Conn) {
	if s.paused.Load() {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, _ = conn.Write([]byte(fmt.Sprintf("%d %s\r\n", hookd.ErrPaused.Code, hookd.ErrPaused.Message)))
		_ = conn.Close()
		return
	}

	s.counters.Accepted.Add(1)
	s.wg.Add(1)
	go s.handleConn(ctx, conn)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)

	c := newConn(ctx, cancel, s, conn)

	s.locker.Lock()
	s.conns[c] = struct{}{}
	s.locker.Unlock()
	s.counters.Active.Add(1)

	defer func() {
		if err := recover(); err != nil {
			c.writeStatus(hookd.NewStatus(451, hookd.EnhancedCodeNotSet, "Internal server error"))
			c.logger.ErrorContext(ctx, "panic serving",
				slog.Any("err", err),
				slog.Any("stack", string(debug.Stack())),
			)
		}

		cancel()
		_ = conn.Close()

		s.locker.Lock()
		delete(s.conns, c)
		s.locker.Unlock()
		s.counters.Active.Add(-1)

		s.wg.Done()
	}()

	c.logger.InfoContext(ctx, "connection is opened")
	c.handleError(c.run())
	c.logger.InfoContext(ctx, "connection is closed")
}

// ListenAndServe listens on the configured address and then calls
// Serve to handle requests on incoming connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Pause makes every newly accepted connection receive a 451 reply and
// an immediate close. Established sessions are unaffected.
func (s *Server) Pause() {
	s.paused.Store(true)
}

// Resume clears the pause gate.
func (s *Server) Resume() {
	s.paused.Store(false)
}

// Paused reports the pause gate.
func (s *Server) Paused() bool {
	return s.paused.Load()
}

// Counters returns the per-worker statistics.
func (s *Server) Counters() *hookd.Counters {
	return &s.counters
}

// Reload rebuilds the plugin registry from the current configuration.
// Sessions started before the reload keep the registry they began with.
func (s *Server) Reload() error {
	if s.buildPlugins == nil {
		return nil
	}
	r, err := s.buildPlugins()
	if err != nil {
		return err
	}
	s.registry.Store(r)
	return nil
}

func (s *Server) currentRegistry() *plugin.Registry {
	return s.registry.Load()
}

// Close immediately closes all active listeners and connections.
func (s *Server) Close() error {
	select {
	case <-s.done:
		return ErrServerClosed
	default:
		close(s.done)
	}

	var err error
	s.locker.Lock()
	for _, l := range s.listeners {
		if lerr := l.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	for conn := range s.conns {
		_ = conn.conn.Close()
	}
	s.locker.Unlock()

	return err
}

// Shutdown gracefully shuts down the server without interrupting any
// active connections: the listeners close first, then Shutdown waits
// for the sessions to drain or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrServerClosed
	default:
		close(s.done)
	}

	var err error
	s.locker.Lock()
	for _, l := range s.listeners {
		if lerr := l.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	s.locker.Unlock()

	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		s.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connDone:
		return err
	}
}
