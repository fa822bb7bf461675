package server

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/plugin"
)

// Server implements the SMTP daemon for one worker process.
type Server struct {
	// TCP address to listen on.
	addr string

	hostname string

	// Max line length for command lines.
	maxLineLength int
	// Maximum size of a message body.
	maxMessageBytes int64
	// Reader buffer size.
	readerSize int
	// Writer buffer size.
	writerSize int

	// Idle limit before a session gets the 421 timeout reply.
	readTimeout  time.Duration
	writeTimeout time.Duration

	cfg          *config.Dir
	buildPlugins func() (*plugin.Registry, error)
	registry     atomic.Pointer[plugin.Registry]

	logger *slog.Logger

	counters hookd.Counters
	paused   atomic.Bool

	wg   sync.WaitGroup
	done chan struct{}

	locker    sync.Mutex
	listeners []net.Listener
	conns     map[*Conn]struct{}
}

// Option is an option for the server.
type Option func(*Server)

// New creates a new SMTP server.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		done:        make(chan struct{}, 1),
		conns:       make(map[*Conn]struct{}),
		hostname:    "localhost",
		addr:        "0.0.0.0:2525",
		readTimeout: 300 * time.Second,
	}

	for _, o := range opts {
		o(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cfg == nil {
		s.cfg = config.NewDir("config")
	}
	if s.buildPlugins == nil {
		s.buildPlugins = func() (*plugin.Registry, error) {
			return plugin.Build(s.logger, s.cfg)
		}
	}

	r, err := s.buildPlugins()
	if err != nil {
		return nil, err
	}
	s.registry.Store(r)

	return s, nil
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithHostname sets the name used in the greeting and replies.
func WithHostname(hostname string) Option {
	return func(s *Server) {
		s.hostname = hostname
	}
}

// WithConfig sets the configuration oracle handed to plugins.
func WithConfig(cfg *config.Dir) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithPlugins sets the plugin registry builder. It runs once at
// startup and again on every reload.
func WithPlugins(build func() (*plugin.Registry, error)) Option {
	return func(s *Server) {
		s.buildPlugins = build
	}
}

// WithReadTimeout sets the idle timeout.
func WithReadTimeout(readTimeout time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = readTimeout
	}
}

// WithWriteTimeout sets the write timeout.
func WithWriteTimeout(writeTimeout time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = writeTimeout
	}
}

// WithMaxMessageBytes sets the max message size.
func WithMaxMessageBytes(maxMessageBytes int64) Option {
	return func(s *Server) {
		s.maxMessageBytes = maxMessageBytes
	}
}

// WithMaxLineLength sets the max length per command line.
func WithMaxLineLength(maxLineLength int) Option {
	return func(s *Server) {
		s.maxLineLength = maxLineLength
	}
}

// WithReaderSize sets the reader buffer size.
func WithReaderSize(readerSize int) Option {
	return func(s *Server) {
		s.readerSize = readerSize
	}
}

// WithWriterSize sets the writer buffer size.
func WithWriterSize(writerSize int) Option {
	return func(s *Server) {
		s.writerSize = writerSize
	}
}
