package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/uponusolutions/go-sasl"

	"github.com/hookdmail/hookd"
)

// handleAuth drives the SASL exchange for AUTH PLAIN, LOGIN and
// CRAM-MD5. The credentials end up as transaction notes and the
// auth-<mechanism> hook chain decides; a successful authentication
// marks the connection as a relay client.
func (c *Conn) handleAuth(arg string) error {
	if c.hconn.RelayClient {
		c.writeReply(503, "Already authenticated")
		return nil
	}

	parts := strings.Fields(arg)
	if len(parts) == 0 {
		c.writeReply(501, "Missing parameter")
		return nil
	}
	mechanism := strings.ToUpper(parts[0])

	// client initial response, if any
	var ir []byte
	if len(parts) > 1 {
		var err error
		ir, err = decodeSASLResponse(parts[1])
		if err != nil {
			c.writeReply(454, "Invalid base64 data")
			return nil
		}
	}

	srv, err := c.saslServer(mechanism)
	if err != nil {
		c.writeStatus(hookd.ErrAuthUnknownMechanism)
		return nil
	}

	response := ir
	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			var status *hookd.Status
			if errors.As(err, &status) {
				c.writeStatus(status)
			} else {
				c.writeStatus(hookd.ErrAuthFailed)
			}
			return nil
		}
		if done {
			break
		}

		encoded := ""
		if len(challenge) > 0 {
			encoded = base64.StdEncoding.EncodeToString(challenge)
		}
		c.writeReply(334, encoded)

		encoded, rerr := c.readLine()
		if rerr != nil {
			return rerr
		}
		if encoded == "*" {
			// https://tools.ietf.org/html/rfc4954#page-4
			c.writeReply(501, "Negotiation cancelled")
			return nil
		}
		response, err = decodeSASLResponse(encoded)
		if err != nil {
			c.writeReply(454, "Invalid base64 data")
			return nil
		}
	}

	c.hconn.RelayClient = true
	c.writeReply(235, "Authentication succeeded")
	return nil
}

func decodeSASLResponse(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// authMechanisms lists what EHLO advertises, based on which auth hooks
// have handlers.
func (c *Conn) authMechanisms() []string {
	var mechs []string
	generic := c.registry.HasHook(hookd.HookAuth)
	if generic || c.registry.HasHook(hookd.HookAuthPlain) {
		mechs = append(mechs, sasl.Plain)
	}
	if generic || c.registry.HasHook(hookd.HookAuthLogin) {
		mechs = append(mechs, "LOGIN")
	}
	if generic || c.registry.HasHook(hookd.HookAuthCramMD5) {
		mechs = append(mechs, "CRAM-MD5")
	}
	return mechs
}

func (c *Conn) saslServer(mechanism string) (sasl.Server, error) {
	switch mechanism {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return hookd.ErrAuthFailed
			}
			return c.authenticate(hookd.HookAuthPlain, map[string]string{
				"auth.mech": mechanism,
				"auth.user": username,
				"auth.pass": password,
			})
		}), nil
	case "LOGIN":
		return &loginServer{authenticate: func(username, password string) error {
			return c.authenticate(hookd.HookAuthLogin, map[string]string{
				"auth.mech": mechanism,
				"auth.user": username,
				"auth.pass": password,
			})
		}}, nil
	case "CRAM-MD5":
		ticket := fmt.Sprintf("<%d.%d@%s>", os.Getpid(), time.Now().UnixNano(), c.server.hostname)
		return &cramMD5Server{
			ticket: ticket,
			authenticate: func(username, response string) error {
				return c.authenticate(hookd.HookAuthCramMD5, map[string]string{
					"auth.mech":     mechanism,
					"auth.user":     username,
					"auth.ticket":   ticket,
					"auth.response": response,
				})
			},
		}, nil
	}
	return nil, hookd.ErrAuthUnknownMechanism
}

// authenticate stores the credentials as transaction notes and runs the
// mechanism's hook chain, falling back to the generic auth hook.
func (c *Conn) authenticate(h hookd.Hook, notes map[string]string) error {
	for k, v := range notes {
		c.tx.SetNote(k, v)
	}
	res := c.registry.Run(c.hctx, h, c.tx)
	if res.Code == hookd.Declined {
		res = c.registry.Run(c.hctx, hookd.HookAuth, c.tx)
	}
	switch res.Code {
	case hookd.OK:
		return nil
	case hookd.DenySoft:
		return hookd.NewStatus(454, hookd.EnhancedCodeNotSet, msgOr(res, "Temporary authentication failure"))
	default:
		return hookd.ErrAuthFailed
	}
}

// loginServer implements the obsolete but widespread AUTH LOGIN
// mechanism as a sasl.Server.
type loginServer struct {
	authenticate func(username, password string) error
	username     string
	state        int
}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.state {
	case 0:
		s.state = 1
		if response != nil {
			// initial response carries the username
			s.username = string(response)
			s.state = 2
			return []byte("Password:"), false, nil
		}
		return []byte("Username:"), false, nil
	case 1:
		s.username = string(response)
		s.state = 2
		return []byte("Password:"), false, nil
	default:
		return nil, true, s.authenticate(s.username, string(response))
	}
}

// cramMD5Server implements the CRAM-MD5 challenge as a sasl.Server:
// the challenge is a ticket string, the response is
// "user SP hmac-md5-hex(ticket, secret)". Verification happens in the
// auth-cram-md5 hook, which is where the secret lives.
type cramMD5Server struct {
	ticket       string
	authenticate func(username, response string) error
	sent         bool
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if !s.sent {
		if response != nil {
			return nil, false, errors.New("cram-md5: initial response not allowed")
		}
		s.sent = true
		return []byte(s.ticket), false, nil
	}
	username, digest, found := strings.Cut(string(response), " ")
	if !found || username == "" || digest == "" {
		return nil, true, hookd.ErrAuthFailed
	}
	return nil, true, s.authenticate(username, digest)
}
