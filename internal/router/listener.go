package router

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
)

const (
	kindTCP  = "tcp"
	kindTLS  = "tls"
	kindUnix = "unix"
)

func (rt *Router) listen() error {
	if rt.cfg.Listen != "" {
		ln, err := net.Listen("tcp", rt.cfg.Listen)
		if err != nil {
			return fmt.Errorf("router: listen %s: %w", rt.cfg.Listen, err)
		}
		rt.listeners[kindTCP] = ln
	}
	if rt.cfg.TLS != nil && rt.cfg.TLSListen != "" {
		ln, err := net.Listen("tcp", rt.cfg.TLSListen)
		if err != nil {
			return fmt.Errorf("router: listen tls %s: %w", rt.cfg.TLSListen, err)
		}
		rt.listeners[kindTLS] = tls.NewListener(ln, rt.cfg.TLS)
	}
	if rt.cfg.UnixSocket != "" {
		ln, err := listenUnix(rt.cfg.UnixSocket)
		if err != nil {
			return err
		}
		rt.listeners[kindUnix] = ln
	}
	for kind, ln := range rt.listeners {
		rt.log.Info().Str("kind", kind).Str("addr", ln.Addr().String()).Msg("listening")
	}
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("router: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("router: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("router: chmod socket: %w", err)
	}
	return ln, nil
}

func (rt *Router) closeListeners() {
	for kind, ln := range rt.listeners {
		ln.Close()
		if kind == kindUnix {
			_ = os.Remove(rt.cfg.UnixSocket)
		}
	}
}

func (rt *Router) acceptLoop(kind string, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				rt.log.Warn().Err(err).Str("kind", kind).Msg("accept failed")
			}
			return
		}
		if !rt.mailbox.Post(func() { rt.attach(kind, c) }) {
			c.Close()
			return
		}
	}
}

// LogPeer returns a VerifyPeerCertificate callback that accepts every
// connection and logs the subject of a presented client certificate. The
// chain has already been verified against the client CA pool when it runs.
func LogPeer(log zerolog.Logger) func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, chains [][]*x509.Certificate) error {
		switch {
		case len(chains) > 0 && len(chains[0]) > 0:
			leaf := chains[0][0]
			log.Info().Str("subject", leaf.Subject.String()).Str("issuer", leaf.Issuer.String()).Msg("client certificate verified")
		case len(raw) > 0:
			log.Warn().Int("certs", len(raw)).Msg("client certificate presented without a verified chain")
		}
		return nil
	}
}
