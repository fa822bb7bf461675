package hookd

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, raw string) *Address {
	t.Helper()
	a, err := ParseAddress(raw)
	require.NoError(t, err)
	return a
}

func TestSenderBeforeRecipients(t *testing.T) {
	tx := NewTransaction("t1")
	require.Error(t, tx.AddRecipient(addr(t, "c@d.example")))

	require.NoError(t, tx.SetSender(addr(t, "a@b.example")))
	require.NoError(t, tx.AddRecipient(addr(t, "c@d.example")))
	require.NoError(t, tx.AddRecipient(addr(t, "e@f.example")))

	require.Error(t, tx.SetSender(addr(t, "x@y.example")),
		"sender cannot change once recipients exist")

	rcpts := tx.Recipients()
	require.Len(t, rcpts, 2)
	require.Equal(t, "<c@d.example>", rcpts[0].String())
	require.Equal(t, "<e@f.example>", rcpts[1].String())
}

func TestBodyAppendOnlyUntilFinalized(t *testing.T) {
	tx := NewTransaction("t1")
	require.NoError(t, tx.AppendBody([]byte("hello ")))
	require.NoError(t, tx.AppendBody([]byte("world\r\n")))
	require.Equal(t, int64(13), tx.DataSize())

	require.NoError(t, tx.Finalize())
	require.Error(t, tx.AppendBody([]byte("more")))
	require.Error(t, tx.Finalize())
}

func TestBodyReaderStartsAtZero(t *testing.T) {
	tx := NewTransaction("t1")
	require.NoError(t, tx.AppendBody([]byte("abcdef")))

	r1 := tx.BodyReader()
	buf := make([]byte, 3)
	_, err := r1.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf))

	all, err := io.ReadAll(tx.BodyReader())
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(all))
}

func TestFinalizeParsesHeaders(t *testing.T) {
	tx := NewTransaction("t1")
	body := "Subject: greetings\r\n" +
		"Message-Id: <abc@example.org>\r\n" +
		"Received: one\r\n" +
		"Received: two\r\n" +
		"\r\n" +
		"body text\r\n"
	require.NoError(t, tx.AppendBody([]byte(body)))
	require.NoError(t, tx.Finalize())

	require.Equal(t, "greetings", tx.HeaderValue("Subject"))
	require.Equal(t, "<abc@example.org>", tx.HeaderValue("Message-Id"))
	require.Equal(t, "", tx.HeaderValue("X-Missing"))

	var received Header
	for _, h := range tx.Headers() {
		if h.Key == "Received" {
			received = h
		}
	}
	require.Len(t, received.Values, 2)
}

func TestFinalizeToleratesHeaderlessBody(t *testing.T) {
	tx := NewTransaction("t1")
	require.NoError(t, tx.AppendBody([]byte("no headers here")))
	require.NoError(t, tx.Finalize())
	require.Equal(t, "", tx.HeaderValue("Message-Id"))
}

func TestTransactionNotes(t *testing.T) {
	tx := NewTransaction("t1")
	_, ok := tx.Note("k")
	require.False(t, ok)
	tx.SetNote("k", "v1")
	tx.SetNote("k", "v2")
	v, ok := tx.Note("k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestConnectionNotesAreSetOnce(t *testing.T) {
	c := NewConnection("c1", nil)
	require.True(t, c.SetNote("k", "first"))
	require.False(t, c.SetNote("k", "second"))
	v, ok := c.Note("k")
	require.True(t, ok)
	require.Equal(t, "first", v)
}
