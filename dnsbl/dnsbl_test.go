package dnsbl

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// testServer answers A 127.0.0.2 and TXT "domain listed" for any name
// starting with "listed.", such as listed.bl.example.
func testServer(t *testing.T) *Resolver {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if strings.HasPrefix(q.Name, "listed.") {
			switch q.Qtype {
			case dns.TypeA:
				rr, err := dns.NewRR(q.Name + " 60 IN A 127.0.0.2")
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			case dns.TypeTXT:
				rr, err := dns.NewRR(q.Name + ` 60 IN TXT "domain listed"`)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return NewResolver(pc.LocalAddr().String(), slog.Default())
}

func TestLookupEmptyBatch(t *testing.T) {
	r := testServer(t)
	_, issued := r.Lookup(context.Background(), Batch{})
	require.False(t, issued)
}

func TestLookupBatch(t *testing.T) {
	r := testServer(t)

	var mu sync.Mutex
	hits := map[string]string{}
	txts := map[string]string{}

	done, issued := r.Lookup(context.Background(), Batch{
		A:   []string{"listed.bl.example", "clean.bl.example"},
		TXT: []string{"listed.bl.example"},
		OnA: func(result, query string) {
			mu.Lock()
			hits[query] = result
			mu.Unlock()
		},
		OnTXT: func(result, query string) {
			mu.Lock()
			txts[query] = result
			mu.Unlock()
		},
	})
	require.True(t, issued)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]string{"listed.bl.example": "127.0.0.2"}, hits)
	require.Equal(t, map[string]string{"listed.bl.example": "domain listed"}, txts)
}

func TestLookupCanceled(t *testing.T) {
	r := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done, issued := r.Lookup(ctx, Batch{A: []string{"listed.bl.example"}})
	require.True(t, issued)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("canceled batch did not complete")
	}
}
