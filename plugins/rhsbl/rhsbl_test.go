package rhsbl

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/dnsbl"
	"github.com/hookdmail/hookd/plugin"
)

// testResolver lists spam.tld under bl.example.
func testResolver(t *testing.T) *dnsbl.Resolver {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if strings.HasPrefix(q.Name, "spam.tld.bl.example.") && q.Qtype == dns.TypeA {
			rr, err := dns.NewRR(q.Name + " 60 IN A 127.0.0.2")
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return dnsbl.NewResolver(pc.LocalAddr().String(), slog.Default())
}

func testConfig(t *testing.T, zones string) *config.Dir {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rhsbl_zones"), []byte(zones), 0o644))
	return config.NewDir(dir)
}

func runMailRcpt(t *testing.T, r *plugin.Registry, sender string) hookd.Result {
	t.Helper()
	conn := hookd.NewConnection("test", &net.TCPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 1})
	c := plugin.NewContext(context.Background(), conn, slog.Default(), config.NewDir(""), &hookd.Counters{})

	tx := hookd.NewTransaction("tx")
	from, err := hookd.ParseAddress(sender)
	require.NoError(t, err)
	require.NoError(t, tx.SetSender(from))

	res := r.Run(c, hookd.HookMail, tx)
	require.Equal(t, hookd.Declined, res.Code)

	to, err := hookd.ParseAddress("c@d.example")
	require.NoError(t, err)
	require.NoError(t, tx.AddRecipient(to))

	return r.Run(c, hookd.HookRcpt, tx)
}

func TestListedSenderDeniedAtRcpt(t *testing.T) {
	p := New(testResolver(t))
	r, err := plugin.Build(slog.Default(), testConfig(t, "bl.example \"domain listed\"\n"), p)
	require.NoError(t, err)

	res := runMailRcpt(t, r, "x@spam.tld")
	require.Equal(t, hookd.Deny, res.Code)
	require.Equal(t, "Mail from spam.tld rejected because it domain listed", res.Message)
}

func TestCleanSenderPasses(t *testing.T) {
	p := New(testResolver(t))
	r, err := plugin.Build(slog.Default(), testConfig(t, "bl.example \"domain listed\"\n"), p)
	require.NoError(t, err)

	res := runMailRcpt(t, r, "x@ham.tld")
	require.Equal(t, hookd.Declined, res.Code)
}

func TestNullSenderSkipsLookup(t *testing.T) {
	p := New(testResolver(t))
	r, err := plugin.Build(slog.Default(), testConfig(t, "bl.example\n"), p)
	require.NoError(t, err)

	res := runMailRcpt(t, r, "")
	require.Equal(t, hookd.Declined, res.Code)
}

func TestNoZonesConfigured(t *testing.T) {
	p := New(testResolver(t))
	r, err := plugin.Build(slog.Default(), config.NewDir(t.TempDir()), p)
	require.NoError(t, err)

	res := runMailRcpt(t, r, "x@spam.tld")
	require.Equal(t, hookd.Declined, res.Code)
}
