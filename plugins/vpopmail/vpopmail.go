// Package vpopmail authenticates AUTH users against a vpopmail MySQL
// database holding clear-text passwords.
package vpopmail

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/config"
	"github.com/hookdmail/hookd/plugin"
)

const lookupQuery = "select pw_clear_passwd from vpopmail where pw_name = ? and pw_domain = ?"

// VPopMail is the plugin.
type VPopMail struct {
	dsn  string
	pool *sql.DB
}

// New creates the plugin.
func New() *VPopMail {
	return &VPopMail{}
}

// Name implements plugin.Plugin.
func (p *VPopMail) Name() string { return "vpopmail" }

// Init reads the vpopmail_mysql_{dsn,user,pass} oracle keys. Without a
// DSN the plugin stays registered but declines everything.
func (p *VPopMail) Init(cfg *config.Dir) error {
	dsn := cfg.GetLine("vpopmail_mysql_dsn", "")
	if dsn == "" {
		return nil
	}
	if !strings.Contains(dsn, "@") {
		user := cfg.GetLine("vpopmail_mysql_user", "vpopmail")
		pass := cfg.GetLine("vpopmail_mysql_pass", "")
		dsn = user + ":" + pass + "@" + dsn
	}
	p.dsn = dsn
	return nil
}

// Register implements plugin.Plugin.
func (p *VPopMail) Register(r *plugin.Registry) {
	r.Handle(hookd.HookAuthPlain, p.authClear)
	r.Handle(hookd.HookAuthLogin, p.authClear)
	r.Handle(hookd.HookAuthCramMD5, p.authCramMD5)
}

func (p *VPopMail) conn() (*sql.DB, error) {
	if p.pool != nil {
		return p.pool, nil
	}
	pool, err := sql.Open("mysql", p.dsn)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return pool, nil
}

// lookup fetches the clear password for user@domain. A missing user is
// ("", false, nil).
func (p *VPopMail) lookup(user string) (string, bool, error) {
	name, domain, found := strings.Cut(user, "@")
	if !found {
		return "", false, nil
	}
	db, err := p.conn()
	if err != nil {
		return "", false, err
	}
	var pw string
	err = db.QueryRow(lookupQuery, name, domain).Scan(&pw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pw, true, nil
}

func (p *VPopMail) authClear(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	if p.dsn == "" {
		return hookd.Result{Code: hookd.Declined}
	}
	user, _ := tx.Note("auth.user")
	pass, _ := tx.Note("auth.pass")

	stored, found, err := p.lookup(user)
	if err != nil {
		c.Logger.Error("vpopmail lookup failed", slog.Any("err", err))
		return hookd.Result{Code: hookd.DenySoft, Message: "temporary authentication failure"}
	}
	if !found || subtle.ConstantTimeCompare([]byte(stored), []byte(pass)) != 1 {
		return hookd.Result{Code: hookd.Deny, Message: "authentication failed"}
	}
	return hookd.Result{Code: hookd.OK, Message: "authentication succeeded"}
}

func (p *VPopMail) authCramMD5(c *plugin.Context, tx *hookd.Transaction) hookd.Result {
	if p.dsn == "" {
		return hookd.Result{Code: hookd.Declined}
	}
	user, _ := tx.Note("auth.user")
	ticket, _ := tx.Note("auth.ticket")
	response, _ := tx.Note("auth.response")

	stored, found, err := p.lookup(user)
	if err != nil {
		c.Logger.Error("vpopmail lookup failed", slog.Any("err", err))
		return hookd.Result{Code: hookd.DenySoft, Message: "temporary authentication failure"}
	}
	if !found {
		return hookd.Result{Code: hookd.Deny, Message: "authentication failed"}
	}

	mac := hmac.New(md5.New, []byte(stored))
	mac.Write([]byte(ticket))
	want := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(response))) != 1 {
		return hookd.Result{Code: hookd.Deny, Message: "authentication failed"}
	}
	return hookd.Result{Code: hookd.OK, Message: "authentication succeeded"}
}
