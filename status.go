package hookd

import (
	"fmt"
)

// EnhancedCode is an RFC 2034 enhanced status code.
type EnhancedCode [3]int

// Status is one SMTP reply: code, enhanced code (if any) and message.
// A Status is also an error so command handlers can return one
// directly.
type Status struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
}

// NoEnhancedCode marks a reply that must not carry an enhanced code.
var NoEnhancedCode = EnhancedCode{-1, -1, -1}

// EnhancedCodeNotSet is the zero value of the EnhancedCode field; a
// reply carrying it is written without an enhanced code.
var EnhancedCodeNotSet = EnhancedCode{0, 0, 0}

// NewStatus creates a status.
func NewStatus(code int, enhCode EnhancedCode, msg string) *Status {
	return &Status{
		Code:         code,
		EnhancedCode: enhCode,
		Message:      msg,
	}
}

// Error implements the error interface.
func (s *Status) Error() string {
	out := fmt.Sprintf("SMTP error %03d", s.Code)
	if s.Message != "" {
		out += ": " + s.Message
	}
	return out
}

var (
	// Quit is the farewell reply.
	Quit = &Status{
		Code:         221,
		EnhancedCode: EnhancedCode{2, 0, 0},
		Message:      "closing connection. Have a wonderful day",
	}
	// ErrConnection is returned if a connection error occurs.
	ErrConnection = &Status{
		Code:         421,
		EnhancedCode: EnhancedCode{4, 4, 0},
		Message:      "Connection error, sorry",
	}
	// ErrPaused is sent to connections accepted while the server is
	// paused. It deliberately carries no enhanced code: the pause gate
	// writes it before any session machinery exists.
	ErrPaused = &Status{
		Code:         451,
		EnhancedCode: NoEnhancedCode,
		Message:      "Sorry, this server is currently paused",
	}
	// ErrTimeout is sent when a connection idles past the read timeout.
	ErrTimeout = &Status{
		Code:         421,
		EnhancedCode: EnhancedCode{4, 4, 2},
		Message:      "Idle timeout, bye bye",
	}
	// ErrDataTooLarge is returned if the maximum message size is exceeded.
	ErrDataTooLarge = &Status{
		Code:         552,
		EnhancedCode: EnhancedCode{5, 3, 4},
		Message:      "Maximum message size exceeded",
	}
	// ErrAuthFailed is returned if authentication failed.
	ErrAuthFailed = &Status{
		Code:         535,
		EnhancedCode: EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
	// ErrAuthUnknownMechanism is returned for unsupported AUTH mechanisms.
	ErrAuthUnknownMechanism = &Status{
		Code:         504,
		EnhancedCode: EnhancedCode{5, 7, 4},
		Message:      "Unsupported authentication mechanism",
	}
)
