package handler

import (
	"errors"
	"fmt"
	"net/mail"
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrUnknownSyntax = errors.New("handler: unknown syntax")
	ErrInvalidValue  = errors.New("handler: invalid value")
)

// Syntax checks a single user supplied value. The returned error text is
// shown to the user.
type Syntax func(value string) error

var builtinSyntaxes = map[string]Syntax{
	"string": func(string) error { return nil },
	"integer": func(v string) error {
		if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
			return errors.New("not an integer")
		}
		return nil
	},
	"boolean": func(v string) error {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "false", "yes", "no", "on", "off", "1", "0":
			return nil
		}
		return errors.New("not a boolean")
	},
	"hostname":    checkHostname,
	"ipv4address": checkIPv4,
	"ipaddress": func(v string) error {
		if _, err := netip.ParseAddr(v); err != nil {
			return errors.New("not an IP address")
		}
		return nil
	},
	"emailaddress": func(v string) error {
		a, err := mail.ParseAddress(v)
		if err != nil || a.Address != v {
			return errors.New("not a plain e-mail address")
		}
		return nil
	},
	"locale": func(v string) error {
		if _, err := ParseLocale(v); err != nil {
			return errors.New("not a locale")
		}
		return nil
	},
}

func checkIPv4(v string) error {
	a, err := netip.ParseAddr(v)
	if err != nil || !a.Is4() {
		return errors.New("not an IPv4 address")
	}
	return nil
}

// checkHostname accepts RFC 1123 labels; a trailing dot is allowed.
func checkHostname(v string) error {
	name := strings.TrimSuffix(v, ".")
	if name == "" || len(name) > 253 {
		return errors.New("hostname length out of range")
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("bad label %q", label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return fmt.Errorf("bad character %q", c)
			}
		}
	}
	return nil
}

// Syntaxes lists the names VerifySyntax understands.
func (r *Registry) Syntaxes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.syntaxes))
	for name := range r.syntaxes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// VerifySyntax checks value against the named syntax. A value that does not
// match yields an error wrapping ErrInvalidValue.
func (r *Registry) VerifySyntax(name, value string) error {
	r.mu.RLock()
	fn, ok := r.syntaxes[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSyntax, name)
	}
	if err := fn(value); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return nil
}
