// Package rhsbl checks the envelope sender's domain against
// right-hand-side blocklists. Lookups run at MAIL FROM, which is not
// answered until every zone has replied; the verdict is applied at
// RCPT TO.
package rhsbl

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/dnsbl"
	"github.com/hookdmail/hookd/plugin"
)

const noteHit = "rhsbl.hit"

type zone struct {
	name    string
	message string
}

// RHSBL is the plugin.
type RHSBL struct {
	resolver *dnsbl.Resolver
	zones    []zone
}

// New creates the plugin with the resolver it should use.
func New(resolver *dnsbl.Resolver) *RHSBL {
	return &RHSBL{resolver: resolver}
}

// Name implements plugin.Plugin.
func (p *RHSBL) Name() string { return "rhsbl" }

// Init reads the rhsbl_zones oracle key: one zone per line, optionally
// followed by a rejection message.
func (p *RHSBL) Init(cfg *config.Dir) error {
	for _, line := range cfg.Get("rhsbl_zones") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		z := zone{name: fields[0]}
		if len(fields) > 1 {
			z.message = strings.Trim(strings.Join(fields[1:], " "), `"`)
		}
		p.zones = append(p.zones, z)
	}
	return nil
}

// Register implements plugin.Plugin.
func (p *RHSBL) Register(r *plugin.Registry) {
	r.Handle(hookd.HookMail, p.mail)
	r.Handle(hookd.HookRcpt, p.rcpt)
}

// mail launches the blocklist batch and suspends the chain until every
// zone has answered.
func (p *RHSBL) mail(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	declined := hookd.Result{Code: hookd.Declined}

	sender := tx.Sender()
	if len(p.zones) == 0 || sender == nil || sender.IsNull() || sender.Host == "" {
		return declined
	}

	var (
		mu       sync.Mutex
		hit      string // query name (host.zone) of the first zone that listed the domain
		messages = map[string]string{}
		txts     = map[string]string{}
	)
	var batch dnsbl.Batch
	for _, z := range p.zones {
		q := sender.Host + "." + z.name
		batch.A = append(batch.A, q)
		messages[q] = z.message
		if z.message == "" {
			batch.TXT = append(batch.TXT, q)
		}
	}
	batch.OnA = func(result, query string) {
		mu.Lock()
		if hit == "" && result != "" {
			hit = query
		}
		mu.Unlock()
	}
	batch.OnTXT = func(result, query string) {
		mu.Lock()
		txts[query] = result
		mu.Unlock()
	}

	resume := c.Yield()
	done, issued := p.resolver.Lookup(c.Context(), batch)
	if !issued {
		resume(declined)
		return declined
	}

	go func() {
		<-done
		mu.Lock()
		if hit != "" {
			msg := messages[hit]
			if msg == "" {
				msg = txts[hit]
			}
			if msg == "" {
				msg = "is listed in " + strings.TrimPrefix(hit, sender.Host+".")
			}
			tx.SetNote(noteHit, msg)
		}
		mu.Unlock()
		resume(declined)
	}()
	return hookd.Result{Code: hookd.Yield}
}

// rcpt applies the verdict collected at mail time.
func (p *RHSBL) rcpt(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	msg, ok := tx.Note(noteHit)
	if !ok {
		return hookd.Result{Code: hookd.Declined}
	}
	sender := tx.Sender()
	host := ""
	if sender != nil {
		host = sender.Host
	}
	return hookd.Result{
		Code:    hookd.Deny,
		Message: fmt.Sprintf("Mail from %s rejected because it %s", host, msg),
	}
}
