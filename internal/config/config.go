// Package config loads the consoled server file and the system registry.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/consoled/internal/acl"
)

var (
	ErrNoListener          = errors.New("config: no listener configured")
	ErrTLSCertDirRequired  = errors.New("config: tls cert dir required")
	ErrTLSCAFileRequired   = errors.New("config: tls ca file required")
	ErrModuleCommandNeeded = errors.New("config: module command required")
	ErrInvalidRate         = errors.New("config: auth rate must be positive")
	ErrInvalidUploadMax    = errors.New("config: upload max must be positive")
)

// TLS describes the server certificate directory and client verification.
type TLS struct {
	Enabled bool
	Listen  string
	// CertDir holds cert.pem and private.key unless CertFile/KeyFile name
	// other files.
	CertDir          string
	CertFile         string
	KeyFile          string
	VerifyClient     bool
	CAFile           string
	HandshakeTimeout time.Duration
}

type Server struct {
	Listen     string
	UnixSocket string
	TLS        TLS

	ModuleCommand   string
	ModuleArgs      []string
	ModuleSocketDir string
	// ModuleInactivity is how long a module process may sit without
	// requests before the router asks it to EXIT.
	ModuleInactivity time.Duration
	ModuleKillDelay  time.Duration

	AuthUserFile string
	AuthRate     float64
	AuthBurst    int

	// UploadDir is where UPLOAD temp files must live; empty disables
	// UPLOAD. UploadMax is the per-file limit in bytes.
	UploadDir string
	UploadMax int64

	AdminAddr    string
	RegistryFile string
	// Locales lists what SET locale accepts; empty accepts any valid tag.
	Locales []string
	Grants  []acl.Grant
}

func DefaultServer() Server {
	return Server{
		Listen: "127.0.0.1:6670",
		TLS: TLS{
			Listen:           ":6671",
			CertDir:          "/etc/consoled/ssl",
			HandshakeTimeout: 10 * time.Second,
		},
		ModuleCommand:    "consoled-module",
		ModuleSocketDir:  "/run/consoled",
		ModuleInactivity: 5 * time.Minute,
		ModuleKillDelay:  3 * time.Second,
		AuthRate:         1,
		AuthBurst:        3,
		UploadMax:        64 << 10,
		AdminAddr:        "127.0.0.1:6680",
	}
}

// consoled.toml key mapping to Server settings.
type fileConfig struct {
	Listen     string `toml:"listen"`
	UnixSocket string `toml:"unix_socket"`

	TLSEnabled      bool   `toml:"tls_enabled"`
	TLSListen       string `toml:"tls_listen"`
	TLSCertDir      string `toml:"tls_cert_dir"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
	TLSVerifyClient bool   `toml:"tls_verify_client"`
	TLSCAFile       string `toml:"tls_ca_file"`
	TLSHandshake    string `toml:"tls_handshake_timeout"`

	ModuleCommand    string   `toml:"module_command"`
	ModuleArgs       []string `toml:"module_args"`
	ModuleSocketDir  string   `toml:"module_socket_dir"`
	ModuleInactivity string   `toml:"module_inactivity"`
	ModuleKillDelay  string   `toml:"module_kill_delay"`

	AuthUserFile string  `toml:"auth_user_file"`
	AuthRate     float64 `toml:"auth_rate"`
	AuthBurst    int     `toml:"auth_burst"`

	UploadDir    string `toml:"upload_dir"`
	UploadMaxKiB int64  `toml:"upload_max_kib"`

	AdminAddr    string      `toml:"admin_addr"`
	RegistryFile string      `toml:"registry_file"`
	Locales      []string    `toml:"locales"`
	Grants       []acl.Grant `toml:"grant"`
}

// LoadServer decodes path and overlays the keys it defines on
// DefaultServer.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Server{}, fmt.Errorf("load consoled config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Server{}, fmt.Errorf("load consoled config: unknown key %q", undecoded[0].String())
	}

	str := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration, v string) error {
		if !meta.IsDefined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("load consoled config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("listen", &cfg.Listen, raw.Listen)
	str("unix_socket", &cfg.UnixSocket, raw.UnixSocket)
	if meta.IsDefined("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	str("tls_listen", &cfg.TLS.Listen, raw.TLSListen)
	str("tls_cert_dir", &cfg.TLS.CertDir, raw.TLSCertDir)
	str("tls_cert_file", &cfg.TLS.CertFile, raw.TLSCertFile)
	str("tls_key_file", &cfg.TLS.KeyFile, raw.TLSKeyFile)
	if meta.IsDefined("tls_verify_client") {
		cfg.TLS.VerifyClient = raw.TLSVerifyClient
	}
	str("tls_ca_file", &cfg.TLS.CAFile, raw.TLSCAFile)
	if err := dur("tls_handshake_timeout", &cfg.TLS.HandshakeTimeout, raw.TLSHandshake); err != nil {
		return Server{}, err
	}

	str("module_command", &cfg.ModuleCommand, raw.ModuleCommand)
	if meta.IsDefined("module_args") {
		cfg.ModuleArgs = raw.ModuleArgs
	}
	str("module_socket_dir", &cfg.ModuleSocketDir, raw.ModuleSocketDir)
	if err := dur("module_inactivity", &cfg.ModuleInactivity, raw.ModuleInactivity); err != nil {
		return Server{}, err
	}
	if err := dur("module_kill_delay", &cfg.ModuleKillDelay, raw.ModuleKillDelay); err != nil {
		return Server{}, err
	}

	str("auth_user_file", &cfg.AuthUserFile, raw.AuthUserFile)
	if meta.IsDefined("auth_rate") {
		cfg.AuthRate = raw.AuthRate
	}
	if meta.IsDefined("auth_burst") {
		cfg.AuthBurst = raw.AuthBurst
	}
	str("upload_dir", &cfg.UploadDir, raw.UploadDir)
	if meta.IsDefined("upload_max_kib") {
		cfg.UploadMax = raw.UploadMaxKiB << 10
	}
	str("admin_addr", &cfg.AdminAddr, raw.AdminAddr)
	str("registry_file", &cfg.RegistryFile, raw.RegistryFile)
	if meta.IsDefined("locales") {
		cfg.Locales = raw.Locales
	}
	if meta.IsDefined("grant") {
		cfg.Grants = raw.Grants
	}

	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) Validate() error {
	if c.Listen == "" && c.UnixSocket == "" && !c.TLS.Enabled {
		return ErrNoListener
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.CertDir) == "" && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
			return ErrTLSCertDirRequired
		}
		if c.TLS.VerifyClient && strings.TrimSpace(c.TLS.CAFile) == "" {
			return ErrTLSCAFileRequired
		}
	}
	if strings.TrimSpace(c.ModuleCommand) == "" {
		return ErrModuleCommandNeeded
	}
	if c.AuthRate <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRate, c.AuthRate)
	}
	if c.UploadMax <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidUploadMax, c.UploadMax)
	}
	return nil
}

// Policy builds the ACL policy from the configured grants.
func (c Server) Policy() *acl.Policy {
	return &acl.Policy{Grants: c.Grants}
}
