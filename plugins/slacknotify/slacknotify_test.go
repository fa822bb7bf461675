package slacknotify

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/plugin"
)

func TestInitReadsOracle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slack_notify"),
		[]byte("token xoxb-123 channel #mail\n"), 0o644))

	p := New()
	p.post = func(context.Context, string, string) error { return nil }
	require.NoError(t, p.Init(config.NewDir(dir)))
	require.Equal(t, "xoxb-123", p.token)
	require.Equal(t, "#mail", p.channel)
}

func TestDisconnectPostsSummary(t *testing.T) {
	posted := make(chan string, 1)
	p := &SlackNotify{
		token:   "tok",
		channel: "#mail",
		post: func(_ context.Context, channel, text string) error {
			posted <- channel + " " + text
			return nil
		},
	}

	conn := hookd.NewConnection("test", &net.TCPAddr{IP: net.IPv4(192, 0, 2, 5), Port: 1})
	c := plugin.NewContext(context.Background(), conn, slog.Default(), config.NewDir(""), &hookd.Counters{})
	tx := hookd.NewTransaction("tx")
	from, _ := hookd.ParseAddress("a@b.example")
	require.NoError(t, tx.SetSender(from))
	to, _ := hookd.ParseAddress("c@d.example")
	require.NoError(t, tx.AddRecipient(to))
	tx.SetNote("queued", "01ARZ3NDEKTSV4RRFFQ69G5FAV")

	res := p.disconnect(c, tx)
	require.Equal(t, hookd.Declined, res.Code)

	select {
	case msg := <-posted:
		require.Contains(t, msg, "#mail")
		require.Contains(t, msg, "queued as 01ARZ3NDEKTSV4RRFFQ69G5FAV")
	case <-time.After(time.Second):
		t.Fatal("nothing was posted")
	}
}

func TestUnconfiguredDeclinesWithoutPosting(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(config.NewDir(t.TempDir())))

	conn := hookd.NewConnection("test", nil)
	c := plugin.NewContext(context.Background(), conn, slog.Default(), config.NewDir(""), &hookd.Counters{})
	res := p.disconnect(c, hookd.NewTransaction("tx"))
	require.Equal(t, hookd.Declined, res.Code)
}
