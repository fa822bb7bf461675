package hookd

import (
	"errors"
	"strings"
)

// Address is a parsed SMTP path: a local part and a domain. The zero
// value is the null reverse-path <> used by bounce messages.
type Address struct {
	Local string
	Host  string
}

// NullAddress returns the null reverse-path <>.
func NullAddress() *Address {
	return &Address{}
}

// IsNull reports whether the address is the null reverse-path.
func (a *Address) IsNull() bool {
	return a.Local == "" && a.Host == ""
}

// String formats the address as <local@host>, or <> for the null path.
func (a *Address) String() string {
	if a.IsNull() {
		return "<>"
	}
	if a.Host == "" {
		return "<" + a.Local + ">"
	}
	return "<" + a.Local + "@" + a.Host + ">"
}

// ParseAddress parses the inside of an SMTP path, i.e. the part between
// the angle brackets. Source routes ("@relay1,@relay2:user@host") are
// accepted and discarded. The empty string yields the null path.
func ParseAddress(path string) (*Address, error) {
	if path == "" {
		return NullAddress(), nil
	}
	if strings.HasPrefix(path, "@") {
		i := strings.Index(path, ":")
		if i < 0 {
			return nil, errors.New("malformed source route")
		}
		path = path[i+1:]
		if path == "" {
			return nil, errors.New("malformed source route")
		}
	}
	i := strings.LastIndex(path, "@")
	if i < 0 {
		return &Address{Local: path}, nil
	}
	local, host := path[:i], path[i+1:]
	if local == "" || host == "" {
		return nil, errors.New("malformed address")
	}
	return &Address{Local: local, Host: strings.ToLower(host)}, nil
}
