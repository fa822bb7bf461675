// Package spf rejects envelope senders whose domain's SPF policy
// explicitly fails for the connecting IP. Anything short of an
// explicit fail passes: SPF is advisory for everything else.
package spf

import (
	"fmt"
	"net"

	"github.com/mileusna/spf"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/plugin"
)

// SPF is the plugin.
type SPF struct {
	check func(ip net.IP, domain, sender, helo string) spf.Result
}

// New creates the plugin.
func New() *SPF {
	return &SPF{check: spf.CheckHost}
}

// Name implements plugin.Plugin.
func (p *SPF) Name() string { return "spf" }

// Init implements plugin.Plugin.
func (p *SPF) Init(cfg *config.Dir) error { return nil }

// Register implements plugin.Plugin.
func (p *SPF) Register(r *plugin.Registry) {
	r.Handle(hookd.HookMail, p.mail)
}

func (p *SPF) mail(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	declined := hookd.Result{Code: hookd.Declined}

	sender := tx.Sender()
	if c.Conn.RelayClient || sender == nil || sender.IsNull() || sender.Host == "" {
		return declined
	}
	ip := net.ParseIP(c.Conn.RemoteIP)
	if ip == nil {
		return declined
	}

	if p.check(ip, sender.Host, sender.Local+"@"+sender.Host, c.Conn.Hello) == spf.Fail {
		return hookd.Result{
			Code:    hookd.Deny,
			Message: fmt.Sprintf("SPF check failed for %s", sender.Host),
		}
	}
	return declined
}
