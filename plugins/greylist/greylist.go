// Package greylist implements hash-based greylisting: first contact
// with an unknown message fingerprint is temporarily denied, a retry
// inside the grey window promotes the client IP to a whitelist.
package greylist

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/plugin"
)

const (
	denyMessage = "This mail is temporarily denied"

	// connection note carrying the deferred denial for bounce probes
	noteDeferred = "greylist"
	// transaction note caching the computed fingerprint
	noteFingerprint = "greylist.fingerprint"
	// notes set by whitelist policy upstream
	noteWhitelistSender = "whitelist_sender"
	noteWhitelistRcpt   = "whitelisted:"
)

var (
	ipKeyRe          = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	fingerprintKeyRe = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// Greylist is the plugin. The zero value is not usable; construct with
// New.
type Greylist struct {
	dbDir string
	now   func() time.Time

	black       time.Duration
	grey        time.Duration
	white       time.Duration
	maxSize     int64
	flushPeriod time.Duration
	mode        string
}

// New creates the plugin with its database directory and default
// policy parameters.
func New(dbDir string) *Greylist {
	return &Greylist{
		dbDir:       dbDir,
		now:         time.Now,
		black:       60 * time.Second,
		grey:        12000 * time.Second,
		white:       3110400 * time.Second,
		maxSize:     200000,
		flushPeriod: 3600 * time.Second,
		mode:        "denysoft",
	}
}

// Name implements plugin.Plugin.
func (g *Greylist) Name() string { return "greylist" }

// Init reads the hash_greylist oracle key: whitespace-separated
// key/value pairs overriding the policy parameters.
func (g *Greylist) Init(cfg *config.Dir) error {
	pairs := cfg.Pairs("hash_greylist")
	if v, ok := pairs["black_timeout"]; ok {
		g.black = secondsOr(v, g.black)
	}
	if v, ok := pairs["grey_timeout"]; ok {
		g.grey = secondsOr(v, g.grey)
	}
	if v, ok := pairs["white_timeout"]; ok {
		g.white = secondsOr(v, g.white)
	}
	if v, ok := pairs["flush_period"]; ok {
		g.flushPeriod = secondsOr(v, g.flushPeriod)
	}
	if v, ok := pairs["max_size"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			g.maxSize = n
		}
	}
	if v, ok := pairs["mode"]; ok {
		switch v {
		case "denysoft", "testonly", "off":
			g.mode = v
		default:
			return fmt.Errorf("greylist: unknown mode %q", v)
		}
	}
	if v, ok := pairs["db_dir"]; ok {
		g.dbDir = v
	}
	return nil
}

func secondsOr(v string, fallback time.Duration) time.Duration {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// Register implements plugin.Plugin.
func (g *Greylist) Register(r *plugin.Registry) {
	r.Handle(hookd.HookData, g.data)
	r.Handle(hookd.HookDataPost, g.dataPost)
}

// data issues the deferred denial: a bounce probe earlier on this
// connection was greylisted, so any non-null sender now gets the soft
// rejection the probe escaped.
func (g *Greylist) data(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	msg, ok := c.Conn.Note(noteDeferred)
	if !ok {
		return hookd.Result{Code: hookd.Declined}
	}
	sender := tx.Sender()
	if sender == nil || sender.IsNull() {
		return hookd.Result{Code: hookd.Declined}
	}
	if allRecipientsWhitelisted(tx) {
		return hookd.Result{Code: hookd.Declined}
	}
	return hookd.Result{Code: hookd.DenySoft, Message: msg}
}

func (g *Greylist) dataPost(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	declined := hookd.Result{Code: hookd.Declined}

	if g.mode == "off" {
		return declined
	}
	if c.Conn.RelayClient || c.Conn.WhitelistHost {
		return declined
	}
	if _, ok := c.Conn.Note(noteWhitelistSender); ok {
		return declined
	}
	if _, ok := tx.Note(noteWhitelistSender); ok {
		return declined
	}
	if allRecipientsWhitelisted(tx) {
		return declined
	}
	if tx.DataSize() > g.maxSize {
		return declined
	}

	store, err := OpenStore(g.dbDir)
	if err != nil {
		c.Logger.Error("greylist store unavailable, failing open", slog.Any("err", err))
		return declined
	}
	defer store.Close()

	now := g.now()
	g.maybeFlush(c.Logger, store, now)

	// a known-good IP passes without a fingerprint lookup
	if v, ok, err := store.Get(c.Conn.RemoteIP); err == nil && ok {
		if ts, ok := parseTimestamp(v); ok && now.Sub(ts) < g.white {
			return declined
		}
		_ = store.Delete(c.Conn.RemoteIP)
	} else if err != nil {
		c.Logger.Error("greylist store read failed, failing open", slog.Any("err", err))
		return declined
	}

	fp := g.fingerprint(tx)
	v, ok, err := store.Get(fp)
	if err != nil {
		c.Logger.Error("greylist store read failed, failing open", slog.Any("err", err))
		return declined
	}

	if !ok {
		if err := store.Put(fp, formatEntry(now, 1)); err != nil {
			c.Logger.Error("greylist store write failed, failing open", slog.Any("err", err))
			return declined
		}
		return g.deny(c, tx)
	}

	ts, count, okv := parseEntry(v)
	if !okv {
		_ = store.Delete(fp)
		return g.deny(c, tx)
	}
	age := now.Sub(ts)
	switch {
	case age < g.black:
		if err := store.Put(fp, formatEntry(now, count+1)); err != nil {
			c.Logger.Error("greylist store write failed, failing open", slog.Any("err", err))
			return declined
		}
		return g.deny(c, tx)
	case age < g.grey:
		// promoted to white: remember the IP, forget the fingerprint
		_ = store.Delete(fp)
		if err := store.Put(c.Conn.RemoteIP, formatTimestamp(now)); err != nil {
			c.Logger.Error("greylist store write failed, failing open", slog.Any("err", err))
		}
		return declined
	default:
		// the retry window is over, start from scratch
		_ = store.Delete(fp)
		return g.deny(c, tx)
	}
}

// deny maps the policy decision to the hook result, honoring testonly
// mode and deferring the rejection of bounce probes.
func (g *Greylist) deny(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	if g.mode == "testonly" {
		c.Logger.Info("greylist would deny (testonly)",
			slog.String("remote_ip", c.Conn.RemoteIP))
		return hookd.Result{Code: hookd.Declined}
	}
	sender := tx.Sender()
	if sender != nil && sender.IsNull() {
		// SMTP probes with a null sender pass; the denial is issued on
		// this connection's next transaction with a real sender.
		c.Conn.SetNote(noteDeferred, denyMessage)
		return hookd.Result{Code: hookd.Declined}
	}
	return hookd.Result{Code: hookd.DenySoft, Message: denyMessage}
}

func (g *Greylist) maybeFlush(logger *slog.Logger, store *Store, now time.Time) {
	last := time.Time{}
	if v, ok, err := store.Get("lastflushed"); err == nil && ok {
		if ts, tok := parseTimestamp(v); tok {
			last = ts
		}
	}
	if now.Sub(last) <= g.flushPeriod {
		return
	}

	var stale []string
	err := store.Each(func(k, v string) error {
		switch {
		case k == "lastflushed":
		case ipKeyRe.MatchString(k):
			ts, ok := parseTimestamp(v)
			if !ok || now.Sub(ts) > g.white {
				stale = append(stale, k)
			}
		case fingerprintKeyRe.MatchString(k):
			ts, _, ok := parseEntry(v)
			if !ok || now.Sub(ts) > g.grey {
				stale = append(stale, k)
			}
		default:
			// nothing else belongs in this store
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		logger.Error("greylist sweep failed", slog.Any("err", err))
		return
	}
	for _, k := range stale {
		_ = store.Delete(k)
	}
	_ = store.Put("lastflushed", formatTimestamp(now))
}

// fingerprint computes (and caches in a transaction note) the MD5 over
// the body from position 0, the sender, each recipient in order and the
// Message-ID header.
func (g *Greylist) fingerprint(tx *hookd.Transaction) string {
	if fp, ok := tx.Note(noteFingerprint); ok {
		return fp
	}
	h := md5.New()
	h.Write(tx.Body())
	if s := tx.Sender(); s != nil {
		h.Write([]byte(s.String()))
	}
	for _, r := range tx.Recipients() {
		h.Write([]byte(r.String()))
	}
	h.Write([]byte(tx.HeaderValue("Message-Id")))
	fp := hex.EncodeToString(h.Sum(nil))
	tx.SetNote(noteFingerprint, fp)
	return fp
}

func allRecipientsWhitelisted(tx *hookd.Transaction) bool {
	rcpts := tx.Recipients()
	if len(rcpts) == 0 {
		return false
	}
	for _, r := range rcpts {
		if _, ok := tx.Note(noteWhitelistRcpt + r.String()); !ok {
			return false
		}
	}
	return true
}

func formatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func parseTimestamp(v string) (time.Time, bool) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

func formatEntry(t time.Time, count int) string {
	return strconv.FormatInt(t.Unix(), 10) + ":" + strconv.Itoa(count)
}

func parseEntry(v string) (time.Time, int, bool) {
	tsRaw, countRaw, found := strings.Cut(v, ":")
	if !found {
		return time.Time{}, 0, false
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	count, err := strconv.Atoi(countRaw)
	if err != nil {
		return time.Time{}, 0, false
	}
	return time.Unix(ts, 0), count, true
}
