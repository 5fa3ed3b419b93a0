package handler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/consoled/internal/protocol"
	"golang.org/x/text/language"
)

var (
	ErrUnsupportedLocale = errors.New("handler: unsupported locale")
	ErrUnknownModule     = errors.New("handler: unknown module")
	ErrDuplicateModule   = errors.New("handler: duplicate module")
	ErrInvalidModule     = errors.New("handler: invalid module")
	ErrUnknownCategory   = errors.New("handler: unknown category")
)

// Settings is the session context a module server receives via SET.
type Settings struct {
	Username  string
	SessionID string
	Locale    string
}

// Module bundles the command handlers a module server hosts.
type Module struct {
	Name        string
	Description string
	Commands    map[string]Handler
	// Locales lists supported BCP 47 tags; empty accepts any valid tag.
	Locales []string
	// Categories names registry categories the module is listed under.
	Categories []string
	// Syntaxes adds value checkers for "GET syntax/verification".
	Syntaxes map[string]Syntax
	Init     func(ctx context.Context, s Settings) error
	Destroy  func()
}

// Validate checks names and command prefixes.
func (m *Module) Validate() error {
	if m == nil || !protocol.ValidCommandName(m.Name) || strings.Contains(m.Name, "/") {
		return fmt.Errorf("%w: bad name", ErrInvalidModule)
	}
	if len(m.Commands) == 0 {
		return fmt.Errorf("%w: %s has no commands", ErrInvalidModule, m.Name)
	}
	for name, h := range m.Commands {
		if h == nil || !protocol.ValidCommandName(name) {
			return fmt.Errorf("%w: %s: bad command %q", ErrInvalidModule, m.Name, name)
		}
		if !strings.HasPrefix(name, m.Name+"/") {
			return fmt.Errorf("%w: %s: command %q outside module namespace", ErrInvalidModule, m.Name, name)
		}
	}
	for name, fn := range m.Syntaxes {
		if fn == nil || name == "" {
			return fmt.Errorf("%w: %s: bad syntax %q", ErrInvalidModule, m.Name, name)
		}
	}
	return nil
}

// Handler returns the handler for a command name.
func (m *Module) Handler(name string) (Handler, bool) {
	h, ok := m.Commands[name]
	return h, ok
}

// CommandNames lists commands in sorted order.
func (m *Module) CommandNames() []string {
	names := make([]string, 0, len(m.Commands))
	for name := range m.Commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ResolveLocale normalizes a locale like "de_DE.UTF-8" and checks it against
// the module's supported list. It returns the canonical tag.
func (m *Module) ResolveLocale(raw string) (string, error) {
	return MatchLocale(raw, m.Locales)
}

// MatchLocale resolves raw against supported; an empty list accepts any
// well-formed locale.
func MatchLocale(raw string, supported []string) (string, error) {
	tag, err := ParseLocale(raw)
	if err != nil {
		return "", err
	}
	if len(supported) == 0 {
		return tag.String(), nil
	}
	tags := make([]language.Tag, 0, len(supported))
	for _, l := range supported {
		t, err := language.Parse(l)
		if err != nil {
			return "", fmt.Errorf("%w: supported locale %q: %v", ErrUnsupportedLocale, l, err)
		}
		tags = append(tags, t)
	}
	_, idx, conf := language.NewMatcher(tags).Match(tag)
	if conf < language.High {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLocale, raw)
	}
	return tags[idx].String(), nil
}

// ParseLocale accepts POSIX ("de_DE.UTF-8") and BCP 47 ("de-DE") spellings.
func ParseLocale(raw string) (language.Tag, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, ".@"); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "_", "-")
	if s == "" || s == "C" || s == "POSIX" {
		return language.English, nil
	}
	tag, err := language.Parse(s)
	if err != nil {
		return language.Und, fmt.Errorf("%w: %s", ErrUnsupportedLocale, raw)
	}
	return tag, nil
}
