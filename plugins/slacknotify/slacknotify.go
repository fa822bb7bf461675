// Package slacknotify posts a one-line summary of each finished
// transaction to a Slack channel.
package slacknotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/slack"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/plugin"
)

// SlackNotify is the plugin. Without a configured token it declines
// everything.
type SlackNotify struct {
	token   string
	channel string

	post func(ctx context.Context, channel, text string) error
}

// New creates the plugin.
func New() *SlackNotify {
	return &SlackNotify{}
}

// Name implements plugin.Plugin.
func (p *SlackNotify) Name() string { return "slacknotify" }

// Init reads the slack_notify oracle key: "token <tok> channel <chan>".
func (p *SlackNotify) Init(cfg *config.Dir) error {
	pairs := cfg.Pairs("slack_notify")
	p.token = pairs["token"]
	p.channel = pairs["channel"]
	if p.token != "" && p.post == nil {
		cl := slack.New(p.token)
		p.post = func(ctx context.Context, channel, text string) error {
			_, err := cl.Chat().PostMessage(channel).Username("hookd").Text(text).Do(ctx)
			return err
		}
	}
	return nil
}

// Register implements plugin.Plugin.
func (p *SlackNotify) Register(r *plugin.Registry) {
	r.Handle(hookd.HookDisconnect, p.disconnect)
}

func (p *SlackNotify) disconnect(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	declined := hookd.Result{Code: hookd.Declined}
	if p.token == "" || p.channel == "" || p.post == nil {
		return declined
	}

	sender := tx.Sender()
	if sender == nil {
		return declined
	}
	outcome := "aborted"
	if id, ok := tx.Note("queued"); ok {
		outcome = "queued as " + id
	} else if msg, ok := tx.Note("denied"); ok {
		outcome = "denied: " + msg
	}
	text := fmt.Sprintf("`%s` from %s: %s, %d recipients, %d bytes",
		sender.String(), c.Conn.RemoteIP, outcome, len(tx.Recipients()), tx.DataSize())

	// fire and forget, the connection is already gone
	logger := c.Logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.post(ctx, p.channel, text); err != nil {
			logger.Error("slack notification failed", slog.Any("err", err))
		}
	}()
	return declined
}
