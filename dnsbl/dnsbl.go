// Package dnsbl issues batched DNS blocklist lookups without blocking
// the session that asked for them. Results are delivered through
// per-answer callbacks; a final completion fires once the whole batch
// is finished, which is where a suspended hook chain gets resumed.
package dnsbl

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Batch is one set of concurrent queries. OnA fires once per A answer
// and OnTXT once per TXT answer; both must be idempotent with respect
// to repeated answers for the same query.
type Batch struct {
	A   []string
	TXT []string

	OnA   func(result, query string)
	OnTXT func(result, query string)
}

// Resolver runs batches against one upstream server with a bounded
// number of in-flight queries per batch.
type Resolver struct {
	server      string
	client      *dns.Client
	maxParallel int
	logger      *slog.Logger
}

// NewResolver creates a resolver. An empty server means the first
// nameserver from /etc/resolv.conf, falling back to localhost.
func NewResolver(server string, logger *slog.Logger) *Resolver {
	if server == "" {
		server = systemServer()
	}
	if !strings.Contains(server, ":") {
		server += ":53"
	}
	return &Resolver{
		server:      server,
		client:      &dns.Client{Timeout: 5 * time.Second},
		maxParallel: 8,
		logger:      logger,
	}
}

func systemServer() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return conf.Servers[0] + ":" + conf.Port
}

// Lookup issues the batch. It returns true if any query was issued, in
// which case the caller must suspend and the returned done channel is
// closed once every query has completed. It returns false and a nil
// channel when the batch is empty.
//
// Lookup failures are fail-open: they are logged and produce no
// callback, so an unreachable resolver never blocks mail.
func (r *Resolver) Lookup(ctx context.Context, b Batch) (done <-chan struct{}, issued bool) {
	if len(b.A)+len(b.TXT) == 0 {
		return nil, false
	}

	sem := make(chan struct{}, r.maxParallel)
	var wg sync.WaitGroup

	run := func(name string, qtype uint16) {
		defer wg.Done()
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return
		}
		r.query(ctx, name, qtype, b)
	}

	for _, q := range b.A {
		wg.Add(1)
		go run(q, dns.TypeA)
	}
	for _, q := range b.TXT {
		wg.Add(1)
		go run(q, dns.TypeTXT)
	}

	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch, true
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16, b Batch) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("dns lookup failed",
				slog.String("query", name),
				slog.String("type", dns.TypeToString[qtype]),
				slog.Any("err", err),
			)
		}
		return
	}

	for _, rr := range in.Answer {
		switch a := rr.(type) {
		case *dns.A:
			if b.OnA != nil {
				b.OnA(a.A.String(), name)
			}
		case *dns.TXT:
			if b.OnTXT != nil {
				b.OnTXT(strings.Join(a.Txt, " "), name)
			}
		}
	}
}
