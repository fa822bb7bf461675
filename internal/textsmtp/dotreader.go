package textsmtp

import (
	"bufio"
	"bytes"
	"io"

	"github.com/hookdmail/hookd"
)

// DotReader decodes a dot-stuffed DATA body line by line: the body ends
// at a line consisting solely of ".", and a leading "." on any other
// line is stripped. Line endings are normalized to CRLF.
//
// When the size limit is exceeded the reader keeps consuming input up
// to the terminating dot, then reports hookd.ErrDataTooLarge, so the
// session can still send exactly one reply for the DATA command.
type DotReader struct {
	r *bufio.Reader

	buf      []byte
	done     bool
	overflow bool

	limited bool
	n       int64 // bytes remaining before overflow
}

// NewDotReader creates a DotReader. maxMessageBytes of zero means
// unlimited.
func NewDotReader(r *bufio.Reader, maxMessageBytes int64) *DotReader {
	dr := &DotReader{r: r}
	if maxMessageBytes > 0 {
		dr.limited = true
		dr.n = maxMessageBytes
	}
	return dr
}

// Read implements io.Reader. io.EOF signals the terminating dot was
// consumed.
func (d *DotReader) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.done {
			if d.overflow {
				return 0, hookd.ErrDataTooLarge
			}
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

// bodyLineBound caps how much of a single never-ending body line is
// buffered while scanning for its newline.
const bodyLineBound = 1 << 20

func (d *DotReader) fill() error {
	line, _, err := readBoundedLine(d.r, bodyLineBound)
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	content := trimCRLF(line)
	if len(content) == 1 && content[0] == '.' {
		d.done = true
		return nil
	}
	if len(content) > 0 && content[0] == '.' {
		content = content[1:]
	}
	if d.overflow {
		return nil
	}
	if d.limited {
		d.n -= int64(len(content) + 2)
		if d.n < 0 {
			d.overflow = true
			return nil
		}
	}
	d.buf = append(d.buf, content...)
	d.buf = append(d.buf, '\r', '\n')
	return nil
}

// ReadAll drains the reader and returns the decoded body.
func (d *DotReader) ReadAll() ([]byte, error) {
	var out bytes.Buffer
	_, err := out.ReadFrom(d)
	return out.Bytes(), err
}
