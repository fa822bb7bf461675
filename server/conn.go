package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hookdmail/hookd"
	"github.com/hookdmail/hookd/internal/limit"
	"github.com/hookdmail/hookd/internal/parse"
	"github.com/hookdmail/hookd/internal/textsmtp"
	"github.com/hookdmail/hookd/plugin"
)

// errQuit ends the command loop after an orderly QUIT or DENYHARD.
var errQuit = errors.New("session finished")

// Conn is one SMTP session. All processing is strictly serial: a
// command is not read before the previous one produced its reply.
type Conn struct {
	conn net.Conn
	text *textsmtp.Conn

	server   *Server
	registry *plugin.Registry

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	hconn *hookd.Connection
	hctx  *plugin.Context
	tx    *hookd.Transaction

	// protocol errors are tolerated up to a limit, then the session goes
	protocolErrs *limit.Ratelimit

	disconnected bool
}

func newConn(ctx context.Context, cancel context.CancelFunc, s *Server, netConn net.Conn) *Conn {
	id := GenID()
	hconn := hookd.NewConnection(id, netConn.RemoteAddr())
	logger := s.logger.With(
		slog.String("session", id),
		slog.String("remote", hconn.RemoteIP),
	)

	c := &Conn{
		conn:     netConn,
		text:     textsmtp.NewConn(netConn, s.readerSize, s.writerSize, s.maxLineLength),
		server:   s,
		registry: s.currentRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		hconn:    hconn,
		protocolErrs: limit.New(&limit.RatelimitConfig{
			Rate:     10,
			Duration: time.Minute,
		}),
	}
	c.hctx = plugin.NewContext(ctx, hconn, logger, s.cfg, &s.counters)
	c.newTransaction()
	return c
}

func (c *Conn) newTransaction() {
	c.tx = hookd.NewTransaction(GenID())
}

// run drives the session: the synthetic connect event first, then the
// command loop until QUIT, an error, or the idle timeout.
func (c *Conn) run() error {
	if err := c.connect(); err != nil {
		if err == errQuit {
			return nil
		}
		return err
	}

	for {
		line, err := c.readLine()
		if err != nil {
			if err == textsmtp.ErrTooLongLine {
				c.writeReply(500, "Line too long")
				if c.tooManyErrors() {
					return nil
				}
				continue
			}
			return err
		}

		cmd, arg, err := parse.Cmd(line)
		if err != nil || cmd == "" {
			c.writeReply(500, "Error: bad syntax")
			if c.tooManyErrors() {
				return nil
			}
			continue
		}

		if err := c.handle(cmd, arg); err != nil {
			if err == errQuit {
				return nil
			}
			return err
		}
	}
}

// connect runs the connect hook; its default reply is the greeting.
func (c *Conn) connect() error {
	res := c.registry.Run(c.hctx, hookd.HookConnect, c.tx)
	switch res.Code {
	case hookd.OK, hookd.Declined:
		c.writeReply(220, fmt.Sprintf("%s ESMTP hookd", c.server.hostname))
	case hookd.Done:
	case hookd.DenySoft:
		c.server.counters.RejectedBlack.Add(1)
		c.writeReply(451, msgOr(res, "Temporarily refused"))
		c.runDisconnect()
		return errQuit
	case hookd.Deny, hookd.DenyHard:
		c.server.counters.RejectedWhite.Add(1)
		c.writeReply(550, msgOr(res, "Connection refused"))
		c.runDisconnect()
		return errQuit
	}
	return nil
}

// handle dispatches one command to its handler.
func (c *Conn) handle(cmd string, arg string) error {
	switch cmd {
	case "HELO":
		return c.handleGreet(false, arg)
	case "EHLO":
		return c.handleGreet(true, arg)
	case "MAIL":
		return c.handleMail(arg)
	case "RCPT":
		return c.handleRcpt(arg)
	case "DATA":
		return c.handleData(arg)
	case "RSET":
		return c.handleRset()
	case "NOOP":
		c.writeReply(250, "OK")
		return nil
	case "QUIT":
		return c.handleQuit()
	case "AUTH":
		return c.handleAuth(arg)
	default:
		return c.handleUnrecognized(cmd, arg)
	}
}

// accepted maps a hook result to its rejection reply, if any. ok means
// the command may proceed; a Done result has already been answered by
// the handler and counts as not ok without a reply here.
func (c *Conn) accepted(res hookd.Result) (ok bool, err error) {
	switch res.Code {
	case hookd.OK, hookd.Declined:
		return true, nil
	case hookd.Done:
		return false, nil
	case hookd.DenySoft:
		c.server.counters.RejectedBlack.Add(1)
		c.writeReply(451, msgOr(res, "Temporarily denied"))
		return false, nil
	case hookd.Deny:
		c.server.counters.RejectedWhite.Add(1)
		c.writeReply(550, msgOr(res, "Denied"))
		return false, nil
	case hookd.DenyHard:
		c.server.counters.RejectedWhite.Add(1)
		c.writeReply(550, msgOr(res, "Denied"))
		c.runDisconnect()
		return false, errQuit
	}
	return false, nil
}

func (c *Conn) handleGreet(enhanced bool, arg string) error {
	domain, err := parse.HelloArgument(arg)
	if err != nil {
		c.writeReply(501, "Domain/address argument required for HELO")
		return nil
	}
	c.hconn.Hello = domain

	hook := hookd.HookHelo
	if enhanced {
		hook = hookd.HookEhlo
	}
	res := c.registry.Run(c.hctx, hook, c.tx)
	ok, err := c.accepted(res)
	if !ok {
		return err
	}

	if !enhanced {
		c.writeReply(250, msgOr(res, fmt.Sprintf("%s Hello %s", c.server.hostname, domain)))
		return nil
	}

	caps := []string{
		fmt.Sprintf("%s Hello %s", c.server.hostname, domain),
		"PIPELINING",
		"8BITMIME",
	}
	if mechs := c.authMechanisms(); len(mechs) > 0 {
		caps = append(caps, "AUTH "+strings.Join(mechs, " "))
	}
	if c.server.maxMessageBytes > 0 {
		caps = append(caps, fmt.Sprintf("SIZE %v", c.server.maxMessageBytes))
	} else {
		caps = append(caps, "SIZE")
	}
	c.writeReply(250, caps...)
	return nil
}

func (c *Conn) handleMail(arg string) error {
	if c.tx.Sender() != nil {
		c.writeReply(503, "Error: nested MAIL command")
		return nil
	}

	arg, ok := parse.CutPrefixFold(arg, "FROM:")
	if !ok {
		c.writeReply(501, "Was expecting MAIL arg syntax of FROM:<address>")
		return nil
	}

	raw, rest, err := parse.ReversePath(strings.TrimSpace(arg))
	if err != nil {
		c.writeReply(501, "Was expecting MAIL arg syntax of FROM:<address>")
		return nil
	}
	args, err := parse.Args(rest)
	if err != nil {
		c.writeReply(501, "Unable to parse MAIL ESMTP parameters")
		return nil
	}
	if sizeRaw, ok := args["SIZE"]; ok {
		size, err := strconv.ParseUint(sizeRaw, 10, 32)
		if err != nil {
			c.writeReply(501, "Unable to parse SIZE as an integer")
			return nil
		}
		if c.server.maxMessageBytes > 0 && int64(size) > c.server.maxMessageBytes {
			c.writeStatus(hookd.ErrDataTooLarge)
			return nil
		}
	}

	from, err := hookd.ParseAddress(raw)
	if err != nil {
		c.writeReply(501, "Bad sender address syntax")
		return nil
	}
	if err := c.tx.SetSender(from); err != nil {
		c.writeReply(503, "Error: nested MAIL command")
		return nil
	}

	res := c.registry.Run(c.hctx, hookd.HookMail, c.tx)
	ok, qerr := c.accepted(res)
	if !ok {
		// the transaction never started
		c.newTransaction()
		return qerr
	}

	c.writeReply(250, msgOr(res, fmt.Sprintf("sender %s OK", from)))
	return nil
}

func (c *Conn) handleRcpt(arg string) error {
	if c.tx.Sender() == nil {
		c.writeReply(503, "Error: need MAIL command")
		return nil
	}

	arg, ok := parse.CutPrefixFold(arg, "TO:")
	if !ok {
		c.writeReply(501, "Was expecting RCPT arg syntax of TO:<address>")
		return nil
	}

	raw, _, err := parse.Path(strings.TrimSpace(arg))
	if err != nil {
		c.writeReply(501, "Was expecting RCPT arg syntax of TO:<address>")
		return nil
	}

	to, err := hookd.ParseAddress(raw)
	if err != nil {
		c.writeReply(501, "Bad recipient address syntax")
		return nil
	}

	c.tx.SetNote("rcpt.candidate", to.String())
	res := c.registry.Run(c.hctx, hookd.HookRcpt, c.tx)
	ok, qerr := c.accepted(res)
	if !ok {
		return qerr
	}

	if err := c.tx.AddRecipient(to); err != nil {
		c.writeReply(503, "Error: need MAIL command")
		return nil
	}
	c.writeReply(250, msgOr(res, fmt.Sprintf("recipient %s OK", to)))
	return nil
}

func (c *Conn) handleData(arg string) error {
	if arg != "" {
		c.writeReply(501, "DATA command should not have any arguments")
		return nil
	}
	if len(c.tx.Recipients()) == 0 {
		c.writeReply(503, "Error: need RCPT command")
		return nil
	}

	res := c.registry.Run(c.hctx, hookd.HookData, c.tx)
	ok, qerr := c.accepted(res)
	if !ok {
		return qerr
	}

	c.writeReply(354, "go ahead")

	c.setReadDeadline()
	body, err := textsmtp.NewDotReader(c.text.R, c.server.maxMessageBytes).ReadAll()
	if err != nil {
		if errors.Is(err, hookd.ErrDataTooLarge) {
			c.writeStatus(hookd.ErrDataTooLarge)
			c.newTransaction()
			return nil
		}
		return err
	}
	_ = c.tx.AppendBody(body)
	_ = c.tx.Finalize()

	res = c.registry.Run(c.hctx, hookd.HookDataPost, c.tx)
	switch res.Code {
	case hookd.OK, hookd.Declined:
		id := GenID()
		c.tx.SetNote("queued", id)
		c.writeReply(250, msgOr(res, "Queued as "+id))
		c.logger.InfoContext(c.ctx, "message queued",
			slog.String("queue_id", id),
			slog.Int64("bytes", c.tx.DataSize()),
		)
	case hookd.Done:
	case hookd.DenySoft:
		c.server.counters.RejectedBlack.Add(1)
		c.tx.SetNote("denied", msgOr(res, "Temporarily denied"))
		c.writeReply(451, msgOr(res, "Temporarily denied"))
	case hookd.Deny:
		c.server.counters.RejectedWhite.Add(1)
		c.tx.SetNote("denied", msgOr(res, "Denied"))
		c.writeReply(550, msgOr(res, "Denied"))
	case hookd.DenyHard:
		c.server.counters.RejectedWhite.Add(1)
		c.writeReply(550, msgOr(res, "Denied"))
		c.runDisconnect()
		return errQuit
	}

	c.newTransaction()
	return nil
}

func (c *Conn) handleRset() error {
	res := c.registry.Run(c.hctx, hookd.HookResetTransaction, c.tx)
	c.newTransaction()
	if res.Code != hookd.Done {
		c.writeReply(250, msgOr(res, "OK"))
	}
	return nil
}

func (c *Conn) handleQuit() error {
	res := c.registry.Run(c.hctx, hookd.HookQuit, c.tx)
	if res.Code != hookd.Done {
		c.writeReply(221, msgOr(res, fmt.Sprintf("%s %s", c.server.hostname, hookd.Quit.Message)))
	}
	c.runDisconnect()
	return errQuit
}

func (c *Conn) handleUnrecognized(cmd, arg string) error {
	c.tx.SetNote("unrecognized.command", strings.TrimSpace(cmd+" "+arg))
	res := c.registry.Run(c.hctx, hookd.HookUnrecognized, c.tx)
	switch res.Code {
	case hookd.OK:
		c.writeReply(250, msgOr(res, "OK"))
		return nil
	case hookd.Done:
		return nil
	case hookd.Declined:
		c.writeReply(500, fmt.Sprintf("Unrecognized command: %v", cmd))
		if c.tooManyErrors() {
			return errQuit
		}
		return nil
	default:
		_, err := c.accepted(res)
		return err
	}
}

// runDisconnect fires the disconnect hook exactly once. No reply can
// follow it.
func (c *Conn) runDisconnect() {
	if c.disconnected {
		return
	}
	c.disconnected = true
	_ = c.registry.Run(c.hctx, hookd.HookDisconnect, c.tx)
}

// tooManyErrors burns one token of the protocol error budget and, when
// exhausted, closes the session.
func (c *Conn) tooManyErrors() bool {
	if c.protocolErrs.Take() == nil {
		return false
	}
	c.writeReply(421, "Too many errors, closing connection")
	c.runDisconnect()
	return true
}

// handleError writes the final reply for an error that ended run.
func (c *Conn) handleError(err error) {
	defer c.runDisconnect()

	if err == nil || err == io.EOF || errors.Is(err, net.ErrClosed) {
		return
	}

	if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
		c.writeStatus(hookd.ErrTimeout)
		return
	}

	var status *hookd.Status
	if errors.As(err, &status) {
		c.writeStatus(status)
		return
	}

	c.logger.ErrorContext(c.ctx, "session failed", slog.Any("err", err))
	c.writeStatus(hookd.ErrConnection)
}

func msgOr(res hookd.Result, fallback string) string {
	if res.Message != "" {
		return res.Message
	}
	return fallback
}

func (c *Conn) writeStatus(status *hookd.Status) {
	if status.EnhancedCode != hookd.EnhancedCodeNotSet && status.EnhancedCode != hookd.NoEnhancedCode {
		c.writeRaw(fmt.Sprintf("%d %d.%d.%d %s", status.Code,
			status.EnhancedCode[0], status.EnhancedCode[1], status.EnhancedCode[2], status.Message))
		return
	}
	c.writeReply(status.Code, status.Message)
}

// writeReply writes one SMTP reply; all but the last line use the
// continuation form.
func (c *Conn) writeReply(code int, text ...string) {
	for i := 0; i < len(text)-1; i++ {
		c.writeRaw(fmt.Sprintf("%d-%v", code, text[i]))
	}
	c.writeRaw(fmt.Sprintf("%d %v", code, text[len(text)-1]))
}

func (c *Conn) writeRaw(line string) {
	if c.server.writeTimeout != 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	}
	if err := c.text.PrintfLine("%s", line); err != nil {
		// the peer is gone; reads will fail next and end the session
		c.logger.DebugContext(c.ctx, "write failed", slog.Any("err", err))
	}
}

func (c *Conn) setReadDeadline() {
	if c.server.readTimeout != 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout))
	}
}

// readLine reads one command line, arming the idle timeout.
func (c *Conn) readLine() (string, error) {
	c.setReadDeadline()
	return c.text.ReadLine()
}
