package hookd

import (
	"bytes"
	"errors"
	"sync"

	"github.com/emersion/go-message"
)

// Header is one message header field with its values in order of
// appearance.
type Header struct {
	Key    string
	Values []string
}

// Transaction is one MAIL FROM ... end-of-DATA cycle on a connection.
// The body is append-only until Finalize; afterwards it is read-only and
// BodyReader always starts at position 0.
type Transaction struct {
	ID string

	mu         sync.Mutex
	sender     *Address
	recipients []*Address
	headers    []Header
	body       bytes.Buffer
	finalized  bool
	notes      map[string]string
}

// NewTransaction creates an empty transaction.
func NewTransaction(id string) *Transaction {
	return &Transaction{
		ID:    id,
		notes: make(map[string]string),
	}
}

// SetSender records the envelope sender. The sender must be set before
// any recipient.
func (t *Transaction) SetSender(a *Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.recipients) > 0 {
		return errors.New("sender must be set before recipients")
	}
	t.sender = a
	return nil
}

// Sender returns the envelope sender, nil until MAIL FROM.
func (t *Transaction) Sender() *Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sender
}

// AddRecipient appends a recipient. A sender must exist first.
func (t *Transaction) AddRecipient(a *Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sender == nil {
		return errors.New("recipient before sender")
	}
	t.recipients = append(t.recipients, a)
	return nil
}

// Recipients returns the recipients in the order they were accepted.
func (t *Transaction) Recipients() []*Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Address, len(t.recipients))
	copy(out, t.recipients)
	return out
}

// AppendBody adds bytes to the message body. It fails once the
// transaction is finalized.
func (t *Transaction) AppendBody(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return errors.New("transaction already finalized")
	}
	_, _ = t.body.Write(b)
	return nil
}

// DataSize is the number of body bytes received so far.
func (t *Transaction) DataSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.body.Len())
}

// Body returns the raw body bytes.
func (t *Transaction) Body() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.body.Bytes()
}

// BodyReader returns a reader over the body starting at position 0.
func (t *Transaction) BodyReader() *bytes.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.NewReader(t.body.Bytes())
}

// Finalize seals the body and parses the message headers.
func (t *Transaction) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return errors.New("transaction already finalized")
	}
	t.finalized = true

	ent, err := message.Read(bytes.NewReader(t.body.Bytes()))
	if ent == nil {
		if err != nil {
			// headers stay empty, the body itself is still deliverable
			return nil
		}
		return nil
	}

	index := make(map[string]int)
	fields := ent.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		if i, ok := index[key]; ok {
			t.headers[i].Values = append(t.headers[i].Values, value)
			continue
		}
		index[key] = len(t.headers)
		t.headers = append(t.headers, Header{Key: key, Values: []string{value}})
	}
	return nil
}

// Headers returns the parsed headers in order of first appearance.
// Empty until Finalize.
func (t *Transaction) Headers() []Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headers
}

// HeaderValue returns the first value of the named header, or "".
func (t *Transaction) HeaderValue(key string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.headers {
		if textEqualFold(h.Key, key) && len(h.Values) > 0 {
			return h.Values[0]
		}
	}
	return ""
}

func textEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Note returns a transaction note.
func (t *Transaction) Note(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.notes[key]
	return v, ok
}

// SetNote records a transaction note, overwriting any previous value.
func (t *Transaction) SetNote(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes[key] = value
}
