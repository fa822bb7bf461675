// Package textsmtp implements the line-oriented wire format of SMTP:
// CRLF-delimited command lines with a length limit, reply formatting
// and the dot-stuffed DATA body encoding.
package textsmtp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

var crnl = []byte{'\r', '\n'}

// ErrTooLongLine is returned when a command line exceeds the line
// length limit. The remainder of the line has been discarded; the
// session may keep going.
var ErrTooLongLine = errors.New("smtp: too long a line in input stream")

// Conn wraps a connection with buffered CRLF line reading and writing.
type Conn struct {
	R *bufio.Reader
	W *bufio.Writer

	conn    io.ReadWriteCloser
	maxLine int
}

// NewConn creates a Conn. maxLine bounds the length of a command line
// excluding CRLF; zero means 998 per RFC 5321.
func NewConn(conn io.ReadWriteCloser, readerSize, writerSize, maxLine int) *Conn {
	if readerSize <= 0 {
		readerSize = 4096
	}
	if writerSize <= 0 {
		writerSize = 4096
	}
	if maxLine <= 0 {
		maxLine = 998
	}
	return &Conn{
		R:       bufio.NewReaderSize(conn, readerSize),
		W:       bufio.NewWriterSize(conn, writerSize),
		conn:    conn,
		maxLine: maxLine,
	}
}

// ReadLine reads one CRLF (or LF) terminated line, without the
// terminator. When the line exceeds the limit, the rest of it is
// discarded and ErrTooLongLine is returned.
func (c *Conn) ReadLine() (string, error) {
	line, tooLong, err := readBoundedLine(c.R, c.maxLine)
	if err != nil {
		return "", err
	}
	if tooLong {
		return "", ErrTooLongLine
	}
	return string(trimCRLF(line)), nil
}

// PrintfLine writes the formatted output followed by \r\n and flushes.
func (c *Conn) PrintfLine(format string, args ...any) error {
	fmt.Fprintf(c.W, format, args...)
	_, _ = c.W.Write(crnl)
	return c.W.Flush()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// readBoundedLine returns one line including its terminator. Bytes past
// the limit are consumed but not retained, so a hostile peer cannot
// grow the buffer by withholding newlines.
func readBoundedLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		part, err := r.ReadSlice('\n')
		if len(line)+len(part) <= limit+2 {
			line = append(line, part...)
		} else {
			tooLong = true
		}
		if err == nil {
			return line, tooLong, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, false, err
		}
	}
}

func trimCRLF(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
