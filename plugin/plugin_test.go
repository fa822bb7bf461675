package plugin

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
)

type fakePlugin struct {
	name     string
	register func(r *Registry)
}

func (p *fakePlugin) Name() string               { return p.name }
func (p *fakePlugin) Init(cfg *config.Dir) error { return nil }
func (p *fakePlugin) Register(r *Registry)       { p.register(r) }

func newTestContext(ctx context.Context) *Context {
	conn := hookd.NewConnection("t", nil)
	return NewContext(ctx, conn, slog.Default(), config.NewDir(""), &hookd.Counters{})
}

func build(t *testing.T, plugins ...Plugin) *Registry {
	t.Helper()
	r, err := Build(slog.Default(), config.NewDir(""), plugins...)
	require.NoError(t, err)
	return r
}

func TestRunOrderAndDeclined(t *testing.T) {
	var calls []string
	mk := func(name string, res hookd.Result) Plugin {
		return &fakePlugin{name: name, register: func(r *Registry) {
			r.Handle(hookd.HookMail, func(c *Context, tx *hookd.Transaction) hookd.Result {
				calls = append(calls, name)
				return res
			})
		}}
	}
	r := build(t,
		mk("first", hookd.Result{Code: hookd.Declined}),
		mk("second", hookd.Result{Code: hookd.Deny, Message: "no"}),
		mk("third", hookd.Result{Code: hookd.OK}),
	)

	res := r.Run(newTestContext(context.Background()), hookd.HookMail, hookd.NewTransaction("tx"))
	require.Equal(t, hookd.Deny, res.Code)
	require.Equal(t, "no", res.Message)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestRunAllDeclined(t *testing.T) {
	r := build(t, &fakePlugin{name: "p", register: func(r *Registry) {
		r.Handle(hookd.HookRcpt, func(c *Context, tx *hookd.Transaction) hookd.Result {
			return hookd.Result{Code: hookd.Declined}
		})
	}})
	res := r.Run(newTestContext(context.Background()), hookd.HookRcpt, hookd.NewTransaction("tx"))
	require.Equal(t, hookd.Declined, res.Code)
}

func TestRunPanicBecomesDenySoft(t *testing.T) {
	r := build(t, &fakePlugin{name: "p", register: func(r *Registry) {
		r.Handle(hookd.HookData, func(c *Context, tx *hookd.Transaction) hookd.Result {
			panic("boom")
		})
	}})
	res := r.Run(newTestContext(context.Background()), hookd.HookData, hookd.NewTransaction("tx"))
	require.Equal(t, hookd.DenySoft, res.Code)
}

func TestYieldResumeDeclinedContinuesChain(t *testing.T) {
	var next bool
	r := build(t,
		&fakePlugin{name: "async", register: func(r *Registry) {
			r.Handle(hookd.HookMail, func(c *Context, tx *hookd.Transaction) hookd.Result {
				resume := c.Yield()
				go func() {
					time.Sleep(10 * time.Millisecond)
					resume(hookd.Result{Code: hookd.Declined})
				}()
				return hookd.Result{Code: hookd.Yield}
			})
		}},
		&fakePlugin{name: "after", register: func(r *Registry) {
			r.Handle(hookd.HookMail, func(c *Context, tx *hookd.Transaction) hookd.Result {
				next = true
				return hookd.Result{Code: hookd.OK}
			})
		}},
	)
	res := r.Run(newTestContext(context.Background()), hookd.HookMail, hookd.NewTransaction("tx"))
	require.Equal(t, hookd.OK, res.Code)
	require.True(t, next)
}

func TestYieldTerminalResultWins(t *testing.T) {
	r := build(t, &fakePlugin{name: "async", register: func(r *Registry) {
		r.Handle(hookd.HookRcpt, func(c *Context, tx *hookd.Transaction) hookd.Result {
			first := c.Yield()
			second := c.Yield()
			go first(hookd.Result{Code: hookd.Declined})
			go second(hookd.Result{Code: hookd.DenySoft, Message: "later"})
			return hookd.Result{Code: hookd.Yield}
		})
	}})
	res := r.Run(newTestContext(context.Background()), hookd.HookRcpt, hookd.NewTransaction("tx"))
	require.Equal(t, hookd.DenySoft, res.Code)
	require.Equal(t, "later", res.Message)
}

func TestYieldChainWaitsForAllPending(t *testing.T) {
	release := make(chan struct{})
	r := build(t, &fakePlugin{name: "async", register: func(r *Registry) {
		r.Handle(hookd.HookMail, func(c *Context, tx *hookd.Transaction) hookd.Result {
			fast := c.Yield()
			slow := c.Yield()
			fast(hookd.Result{Code: hookd.Declined})
			go func() {
				<-release
				slow(hookd.Result{Code: hookd.OK, Message: "done"})
			}()
			return hookd.Result{Code: hookd.Yield}
		})
	}})

	done := make(chan hookd.Result, 1)
	go func() {
		done <- r.Run(newTestContext(context.Background()), hookd.HookMail, hookd.NewTransaction("tx"))
	}()

	select {
	case <-done:
		t.Fatal("chain resumed before all operations completed")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	res := <-done
	require.Equal(t, hookd.OK, res.Code)
}

func TestYieldCanceledSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := build(t, &fakePlugin{name: "async", register: func(r *Registry) {
		r.Handle(hookd.HookMail, func(c *Context, tx *hookd.Transaction) hookd.Result {
			_ = c.Yield() // never completes before cancellation
			return hookd.Result{Code: hookd.Yield}
		})
	}})
	go cancel()
	res := r.Run(newTestContext(ctx), hookd.HookMail, hookd.NewTransaction("tx"))
	require.Equal(t, hookd.Done, res.Code)
}
