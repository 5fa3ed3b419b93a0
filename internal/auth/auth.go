// Package auth checks user credentials presented with AUTH.
//
// It makes no policy decisions; what an authenticated user may run is the
// acl package's concern.
package auth

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrMalformedFile = errors.New("auth: malformed password file")
)

// Authenticator validates a username/password pair.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

// StaticUsers holds plaintext passwords. It is intended only for development
// and tests.
type StaticUsers map[string]string

func (s StaticUsers) Authenticate(_ context.Context, username, password string) error {
	stored, ok := s[username]
	if !ok || stored == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncAuthenticator adapts a function into an Authenticator.
type FuncAuthenticator func(ctx context.Context, username, password string) error

func (f FuncAuthenticator) Authenticate(ctx context.Context, username, password string) error {
	return f(ctx, username, password)
}

// PasswordFile holds bcrypt hashes keyed by user, loaded from lines of
// "user:hash". Blank lines and lines starting with '#' are skipped.
type PasswordFile struct {
	hashes map[string][]byte
	// decoy is compared for unknown users so that lookups cost the same
	// whether or not the user exists.
	decoy []byte
}

var compareHash = bcrypt.CompareHashAndPassword

func LoadPasswordFile(path string) (*PasswordFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf := &PasswordFile{hashes: make(map[string][]byte)}
	sc := bufio.NewScanner(f)
	line, cost := 0, 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		user, hash, ok := strings.Cut(raw, ":")
		user = strings.TrimSpace(user)
		if !ok || user == "" {
			return nil, fmt.Errorf("%w: %s:%d", ErrMalformedFile, path, line)
		}
		c, err := bcrypt.Cost([]byte(hash))
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrMalformedFile, path, line, err)
		}
		cost = max(cost, c)
		pf.hashes[user] = []byte(hash)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	pf.decoy, err = bcrypt.GenerateFromPassword([]byte("decoy"), cost)
	if err != nil {
		return nil, err
	}
	return pf, nil
}

// HashPassword produces a line for a password file.
func HashPassword(username, password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return username + ":" + string(h), nil
}

func (p *PasswordFile) Users() int {
	return len(p.hashes)
}

func (p *PasswordFile) Authenticate(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, ok := p.hashes[username]
	if !ok {
		_ = compareHash(p.decoy, []byte(password))
		return ErrUnauthorized
	}
	if err := compareHash(hash, []byte(password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}
