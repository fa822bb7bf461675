// Package plugin defines the policy plugin interface, the ordered hook
// registry and the dispatcher that drives handler chains, including the
// cooperative suspension used for asynchronous lookups.
package plugin

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
)

// Handler is one hook handler. It may consult and update the connection
// and transaction it is handed; both references are only valid for the
// duration of the call (or, after Yield, until the chain resumes).
type Handler func(c *Context, tx *hookd.Transaction) hookd.Result

// Plugin is a bundle of hook handlers owning its configuration.
type Plugin interface {
	Name() string
	// Init reads the plugin's configuration from the oracle.
	Init(cfg *config.Dir) error
	// Register attaches the plugin's handlers to the registry.
	Register(r *Registry)
}

type entry struct {
	plugin  string
	handler Handler
}

// Registry holds handlers ordered by registration order across plugins
// and by call order within a plugin.
type Registry struct {
	logger  *slog.Logger
	hooks   map[hookd.Hook][]entry
	current string
}

// Build initializes the plugins in order and collects their handlers.
func Build(logger *slog.Logger, cfg *config.Dir, plugins ...Plugin) (*Registry, error) {
	r := &Registry{
		logger: logger,
		hooks:  make(map[hookd.Hook][]entry),
	}
	for _, p := range plugins {
		if err := p.Init(cfg); err != nil {
			return nil, err
		}
		r.current = p.Name()
		p.Register(r)
	}
	r.current = ""
	return r, nil
}

// Handle registers a handler for a hook. Only valid during Register.
func (r *Registry) Handle(h hookd.Hook, fn Handler) {
	r.hooks[h] = append(r.hooks[h], entry{plugin: r.current, handler: fn})
}

// HasHook reports whether any handler is registered for the hook.
func (r *Registry) HasHook(h hookd.Hook) bool {
	return len(r.hooks[h]) > 0
}

// Run drives the handler chain for one hook. Handlers run in order
// until one returns a terminal result; Declined falls through; Yield
// suspends the chain until every asynchronous operation the handler
// started has completed, then either adopts the terminal result a
// completion supplied or continues with the next handler.
//
// A handler panic is contained: it is logged and converted to DENYSOFT.
// If the session's context is canceled while suspended the chain stops
// with Done (no reply is possible on a dead connection).
func (r *Registry) Run(c *Context, h hookd.Hook, tx *hookd.Transaction) hookd.Result {
	for _, e := range r.hooks[h] {
		res := r.call(e, c, tx)
		if res.Code == hookd.Yield {
			var canceled bool
			res, canceled = c.wait()
			if canceled {
				return hookd.Result{Code: hookd.Done}
			}
			if res.Code == hookd.Declined {
				continue
			}
			return res
		}
		if res.Code == hookd.Declined {
			continue
		}
		return res
	}
	return hookd.Result{Code: hookd.Declined}
}

func (r *Registry) call(e entry, c *Context, tx *hookd.Transaction) (res hookd.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("plugin handler panicked",
				slog.String("plugin", e.plugin),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			res = hookd.Result{Code: hookd.DenySoft, Message: "Internal policy error, try again later"}
		}
	}()
	return e.handler(c, tx)
}

// Context is what a handler gets besides the transaction: the
// connection, configuration, logging, counters and the suspension
// machinery.
type Context struct {
	Conn     *hookd.Connection
	Logger   *slog.Logger
	Config   *config.Dir
	Counters *hookd.Counters

	ctx context.Context

	mu       sync.Mutex
	pending  int
	override hookd.Result
	resumed  chan struct{}
}

// NewContext builds a hook context bound to the session's lifetime.
func NewContext(ctx context.Context, conn *hookd.Connection, logger *slog.Logger, cfg *config.Dir, counters *hookd.Counters) *Context {
	return &Context{
		Conn:     conn,
		Logger:   logger,
		Config:   cfg,
		Counters: counters,
		ctx:      ctx,
		override: hookd.Result{Code: hookd.Declined},
		resumed:  make(chan struct{}, 1),
	}
}

// Context returns the session context. It is canceled when the
// connection dies; asynchronous completions must observe it and release
// their resources without touching the socket.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Yield registers one outstanding asynchronous operation and returns
// its completion continuation. The handler must then return a result
// with code Yield. The continuation may be called from any goroutine,
// exactly once; passing a terminal result ends the chain with it,
// passing Declined resumes at the next handler. With several
// outstanding operations the first terminal result wins and the chain
// resumes only after all of them completed.
func (c *Context) Yield() func(hookd.Result) {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()

	var once sync.Once
	return func(res hookd.Result) {
		once.Do(func() {
			c.mu.Lock()
			if res.Terminal() && !c.override.Terminal() {
				c.override = res
			}
			c.pending--
			done := c.pending == 0
			c.mu.Unlock()
			if done {
				select {
				case c.resumed <- struct{}{}:
				default:
				}
			}
		})
	}
}

// wait blocks until all outstanding operations completed or the session
// died. A completion may fire between two Yield registrations, so the
// pending count is re-checked after every wakeup.
func (c *Context) wait() (res hookd.Result, canceled bool) {
	for {
		select {
		case <-c.resumed:
		case <-c.ctx.Done():
			return hookd.Result{}, true
		}
		c.mu.Lock()
		if c.pending == 0 {
			res = c.override
			c.override = hookd.Result{Code: hookd.Declined}
			c.mu.Unlock()
			return res, false
		}
		c.mu.Unlock()
	}
}
