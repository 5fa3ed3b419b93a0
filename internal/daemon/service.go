// Package daemon assembles consoled from its configuration: console
// listeners, authenticator, module launcher, registry watch and the admin
// endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/danmuck/consoled/internal/auth"
	"github.com/danmuck/consoled/internal/config"
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/logging"
	"github.com/danmuck/consoled/internal/modserver"
	"github.com/danmuck/consoled/internal/modules"
	"github.com/danmuck/consoled/internal/observability"
	"github.com/danmuck/consoled/internal/router"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var ErrNoUserFile = errors.New("daemon: auth_user_file is required")

// Options replace parts normally built from the configuration.
type Options struct {
	Modules  *handler.Registry
	Launcher modserver.Launcher
	Auth     auth.Authenticator
}

type Service struct {
	cfg      config.Server
	log      zerolog.Logger
	registry *config.Registry
	certs    *config.CertReloader
	router   *router.Router

	adminReady chan struct{}
	adminAddr  net.Addr
}

func New(cfg config.Server, opts Options) (*Service, error) {
	s := &Service{cfg: cfg, log: logging.For("consoled"), adminReady: make(chan struct{})}

	if cfg.RegistryFile != "" {
		reg, err := config.LoadRegistry(cfg.RegistryFile)
		if err != nil {
			return nil, err
		}
		reg.ApplyTLS(&s.cfg.TLS)
		s.cfg.ModuleInactivity = reg.GetDuration(config.KeyModuleInactive, s.cfg.ModuleInactivity)
		s.cfg.UploadMax = reg.GetInt(config.KeyUploadMax, s.cfg.UploadMax>>10) << 10
		s.registry = reg
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Modules == nil {
		opts.Modules = modules.Builtin()
	}
	if opts.Auth == nil {
		if s.cfg.AuthUserFile == "" {
			return nil, ErrNoUserFile
		}
		users, err := auth.LoadPasswordFile(s.cfg.AuthUserFile)
		if err != nil {
			return nil, err
		}
		s.log.Info().Str("path", s.cfg.AuthUserFile).Int("users", users.Users()).Msg("loaded user file")
		opts.Auth = users
	}
	if opts.Launcher == nil {
		args := append([]string{}, s.cfg.ModuleArgs...)
		if s.cfg.RegistryFile != "" {
			args = append(args, "-registry", s.cfg.RegistryFile)
		}
		opts.Launcher = modserver.ExecLauncher{Command: s.cfg.ModuleCommand, Args: args}
	}

	rc := router.Config{
		Listen:           s.cfg.Listen,
		UnixSocket:       s.cfg.UnixSocket,
		HandshakeTimeout: s.cfg.TLS.HandshakeTimeout,
		Modules:          opts.Modules,
		Launcher:         opts.Launcher,
		SocketDir:        s.cfg.ModuleSocketDir,
		Auth:             opts.Auth,
		Policy:           s.cfg.Policy(),
		AuthRate:         rate.Limit(s.cfg.AuthRate),
		AuthBurst:        s.cfg.AuthBurst,
		Locales:          s.cfg.Locales,
		UploadDir:        s.cfg.UploadDir,
		UploadMax:        s.cfg.UploadMax,
		ModuleInactivity: s.cfg.ModuleInactivity,
		ModuleKillDelay:  s.cfg.ModuleKillDelay,
	}
	if s.cfg.TLS.Enabled {
		tlsCfg, err := s.cfg.TLS.ServerConfig(router.LogPeer(logging.For("tls")))
		if err != nil {
			return nil, err
		}
		certs, err := config.NewCertReloader(s.cfg.TLS)
		if err != nil {
			return nil, err
		}
		certs.Install(tlsCfg)
		s.certs = certs
		rc.TLSListen = s.cfg.TLS.Listen
		rc.TLS = tlsCfg
	}

	rt, err := router.New(rc)
	if err != nil {
		return nil, err
	}
	s.router = rt
	return s, nil
}

func (s *Service) Router() *router.Router { return s.router }

// AdminAddr returns the bound admin address once it is listening, or nil
// when the admin endpoint is disabled.
func (s *Service) AdminAddr() net.Addr {
	select {
	case <-s.adminReady:
		return s.adminAddr
	default:
		return nil
	}
}

// AdminReady is closed once the admin endpoint listens (or was skipped).
func (s *Service) AdminReady() <-chan struct{} { return s.adminReady }

// Run serves until ctx is done or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := os.MkdirAll(s.cfg.ModuleSocketDir, 0o700); err != nil {
		return fmt.Errorf("daemon: module socket dir: %w", err)
	}

	errc := make(chan error, 2)
	go func() { errc <- s.router.Serve(ctx) }()
	select {
	case <-s.router.Ready():
	case err := <-errc:
		close(s.adminReady)
		return err
	}

	if s.registry != nil {
		go s.watchRegistry(ctx)
	}

	var admin *http.Server
	if s.cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			close(s.adminReady)
			cancel()
			<-s.router.Done()
			return fmt.Errorf("daemon: admin listen: %w", err)
		}
		engine := observability.NewAdminEngine("consoled", router.Version, logging.For("admin"))
		s.router.RegisterAdminRoutes(engine)
		admin = &http.Server{Handler: engine, ReadHeaderTimeout: 5 * time.Second}
		s.adminAddr = ln.Addr()
		go func() {
			if err := admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("daemon: admin: %w", err)
			}
		}()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("admin endpoint listening")
	}
	close(s.adminReady)
	s.log.Info().Str("version", router.Version).Msg("consoled ready")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	cancel()
	if admin != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = admin.Shutdown(shutdownCtx)
		done()
	}
	<-s.router.Done()
	s.log.Info().AnErr("reason", err).Msg("consoled stopped")
	return err
}

// watchRegistry swaps in rotated certificates when the registry file
// changes. Listener addresses and the client CA need a restart.
func (s *Service) watchRegistry(ctx context.Context) {
	err := s.registry.Watch(ctx, func() {
		if s.certs == nil {
			return
		}
		settings := s.cfg.TLS
		s.registry.ApplyTLS(&settings)
		if err := s.certs.Reload(settings); err != nil {
			s.log.Warn().Err(err).Msg("keeping previous certificate")
			return
		}
		s.log.Info().Str("dir", settings.CertDir).Msg("certificate reloaded")
	})
	if err != nil {
		s.log.Error().Err(err).Msg("registry watch stopped")
	}
}
