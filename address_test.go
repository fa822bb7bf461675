package hookd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		raw, local, host, formatted string
	}{
		{"", "", "", "<>"},
		{"a@b.example", "a", "b.example", "<a@b.example>"},
		{"a@B.EXAMPLE", "a", "b.example", "<a@b.example>"},
		{"@relay1,@relay2:user@host.example", "user", "host.example", "<user@host.example>"},
		{"postmaster", "postmaster", "", "<postmaster>"},
	}
	for _, tc := range cases {
		a, err := ParseAddress(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.local, a.Local, tc.raw)
		require.Equal(t, tc.host, a.Host, tc.raw)
		require.Equal(t, tc.formatted, a.String(), tc.raw)
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, raw := range []string{"@no-colon-route", "@x:", "a@"} {
		_, err := ParseAddress(raw)
		require.Error(t, err, raw)
	}
}

func TestNullAddress(t *testing.T) {
	a := NullAddress()
	require.True(t, a.IsNull())
	require.Equal(t, "<>", a.String())

	b, err := ParseAddress("a@b.example")
	require.NoError(t, err)
	require.False(t, b.IsNull())
}
