package federation

import (
	"fmt"
	"strings"
)

// Handle is a federated actor identifier in user@host form.
// Examples:
//   - alice@pod.example.org
//   - bob@social.example.net:8443
//   - carol@example.com/friendica (installation below a path)
type Handle struct {
	User string // alice
	Host string // pod.example.org, lowercased, may carry :port
	Path string // /friendica (optional installation path)
}

// ParseHandle parses and canonicalizes a handle. The acct: prefix is accepted
// and stripped. The result is lowercased; both a user and a host segment are
// required.
func ParseHandle(raw string) (*Handle, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "acct:")
	if s == "" {
		return nil, fmt.Errorf("%w: handle cannot be empty", ErrInvalidHandle)
	}

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return nil, fmt.Errorf("%w: %q must contain an @ symbol", ErrInvalidHandle, raw)
	}

	user := strings.ToLower(s[:at])
	rest := strings.ToLower(s[at+1:])
	if user == "" {
		return nil, fmt.Errorf("%w: %q has an empty user part", ErrInvalidHandle, raw)
	}
	if strings.ContainsAny(user, "@/ \t") {
		return nil, fmt.Errorf("%w: %q has an invalid user part", ErrInvalidHandle, raw)
	}

	host, path := rest, ""
	if slash := strings.Index(rest, "/"); slash >= 0 {
		host, path = rest[:slash], strings.TrimRight(rest[slash:], "/")
	}
	if host == "" || strings.HasPrefix(host, ":") || strings.HasSuffix(host, ":") {
		return nil, fmt.Errorf("%w: %q has an empty host part", ErrInvalidHandle, raw)
	}
	if strings.ContainsAny(host, " \t") {
		return nil, fmt.Errorf("%w: %q has an invalid host part", ErrInvalidHandle, raw)
	}

	return &Handle{User: user, Host: host, Path: path}, nil
}

// NormalizeHandle returns the canonical string form of raw.
func NormalizeHandle(raw string) (string, error) {
	h, err := ParseHandle(raw)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// String returns the canonical user@host[:port][/path] form.
func (h *Handle) String() string {
	if h == nil {
		return ""
	}
	return h.User + "@" + h.Host + h.Path
}

// Hostname returns the host without its port.
func (h *Handle) Hostname() string {
	if h == nil {
		return ""
	}
	return StripPort(h.Host)
}

// BaseURL returns the https base URL of the handle's installation.
func (h *Handle) BaseURL() string {
	if h == nil {
		return ""
	}
	return "https://" + h.Host + h.Path
}

// IsLocal reports whether the handle belongs to the given host.
func (h *Handle) IsLocal(host string) bool {
	if h == nil {
		return false
	}
	return strings.EqualFold(h.Host, host)
}

// Equal returns true if two handles are equivalent
func (h *Handle) Equal(other *Handle) bool {
	if h == nil && other == nil {
		return true
	}
	if h == nil || other == nil {
		return false
	}
	return h.String() == other.String()
}

// SameHandle compares two raw handles after normalization. Unparseable
// handles never match.
func SameHandle(a, b string) bool {
	ha, err := ParseHandle(a)
	if err != nil {
		return false
	}
	hb, err := ParseHandle(b)
	if err != nil {
		return false
	}
	return ha.Equal(hb)
}

// StripPort removes a trailing :port from host.
func StripPort(host string) string {
	if i := strings.Index(host, ":"); i > 0 {
		return host[:i]
	}
	return host
}
