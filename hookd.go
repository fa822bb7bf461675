// Package hookd contains the shared types of the hookd SMTP daemon:
// hook names, hook results, addresses, connections and transactions.
package hookd

// Hook is a named decision point during SMTP processing at which plugin
// handlers are invoked.
type Hook string

const (
	// HookConnect runs when a connection is accepted, before the greeting.
	HookConnect Hook = "connect"
	// HookHelo runs on HELO.
	HookHelo Hook = "helo"
	// HookEhlo runs on EHLO.
	HookEhlo Hook = "ehlo"
	// HookMail runs on MAIL FROM.
	HookMail Hook = "mail"
	// HookRcpt runs on RCPT TO.
	HookRcpt Hook = "rcpt"
	// HookData runs on DATA, before the body is read.
	HookData Hook = "data"
	// HookDataPost runs after the terminating dot of the body.
	HookDataPost Hook = "data_post"
	// HookResetTransaction runs on RSET.
	HookResetTransaction Hook = "reset_transaction"
	// HookQuit runs on QUIT, before the farewell reply.
	HookQuit Hook = "quit"
	// HookDisconnect runs after the connection is finished, no reply is possible.
	HookDisconnect Hook = "disconnect"
	// HookUnrecognized runs for commands the session does not know.
	HookUnrecognized Hook = "unrecognized_command"
	// HookAuth runs for any AUTH mechanism whose specific hook chain declines.
	HookAuth Hook = "auth"
	// HookAuthPlain runs for AUTH PLAIN.
	HookAuthPlain Hook = "auth-plain"
	// HookAuthLogin runs for AUTH LOGIN.
	HookAuthLogin Hook = "auth-login"
	// HookAuthCramMD5 runs for AUTH CRAM-MD5.
	HookAuthCramMD5 Hook = "auth-cram-md5"
)

// Code is the decision a hook handler returns.
type Code int

const (
	// OK accepts the command; the session writes a hook-appropriate 2xx reply.
	OK Code = iota
	// Deny rejects the command with a 550 reply.
	Deny
	// DenySoft rejects the command with a 451 reply; the client should retry.
	DenySoft
	// DenyHard rejects with 550 and closes the connection.
	DenyHard
	// Declined passes control to the next handler in the chain.
	Declined
	// Done suppresses the default reply; the handler has written one itself.
	Done
	// Yield suspends the chain until all asynchronous operations started by
	// the handler have completed.
	Yield
)

// String returns the conventional name of the code.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Deny:
		return "DENY"
	case DenySoft:
		return "DENYSOFT"
	case DenyHard:
		return "DENYHARD"
	case Declined:
		return "DECLINED"
	case Done:
		return "DONE"
	case Yield:
		return "YIELD"
	}
	return "UNKNOWN"
}

// Result is what a hook handler returns: a decision code paired with an
// optional human-readable message used in the SMTP reply.
type Result struct {
	Code    Code
	Message string
}

// Terminal reports whether the result ends hook chain iteration.
func (r Result) Terminal() bool {
	return r.Code != Declined && r.Code != Yield
}
