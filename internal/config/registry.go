package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/consoled/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Registry keys read by consoled.
const (
	KeyTLSCertDir      = "server/tls/certdir"
	KeyTLSVerifyClient = "server/tls/verify"
	KeyTLSCAFile       = "server/tls/cafile"
	KeyModuleIdle      = "module/timeout/idle"
	KeyModuleWatchdog  = "module/timeout/watchdog"
	KeyModuleInactive  = "module/timeout/inactivity"
	// KeyUploadMax is in KiB.
	KeyUploadMax = "server/upload/max"
)

var ErrRegistryNotLoaded = errors.New("config: registry has no backing file")

// Registry is an opaque key/value store. The file is TOML; nested tables are
// flattened into slash separated keys, so `[server.tls] verify = true` and
// `"server/tls/verify" = "yes"` are the same entry.
type Registry struct {
	path string
	log  zerolog.Logger

	mu     sync.RWMutex
	values map[string]string
}

// NewRegistry returns an in-memory registry holding values.
func NewRegistry(values map[string]string) *Registry {
	r := &Registry{log: logging.For("registry"), values: make(map[string]string, len(values))}
	for k, v := range values {
		r.values[k] = v
	}
	return r
}

func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, log: logging.For("registry")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rereads the backing file. On error the old values stay in place.
func (r *Registry) Reload() error {
	if r.path == "" {
		return ErrRegistryNotLoaded
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("config: read registry: %w", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse registry %s: %w", r.path, err)
	}
	values := make(map[string]string)
	flatten("", raw, values)
	r.mu.Lock()
	r.values = values
	r.mu.Unlock()
	r.log.Debug().Str("path", r.path).Int("keys", len(values)).Msg("registry loaded")
	return nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "/" + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case string:
			out[key] = t
		case []any:
			parts := make([]string, 0, len(t))
			for _, p := range t {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(t)
		}
	}
}

func (r *Registry) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// GetDefault returns def when key is unset or empty.
func (r *Registry) GetDefault(key, def string) string {
	if v, ok := r.Get(key); ok && v != "" {
		return v
	}
	return def
}

// GetBool accepts yes/no, true/false, on/off, enabled/disabled and 1/0.
func (r *Registry) GetBool(key string, def bool) bool {
	v, ok := r.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "on", "enabled", "1":
		return true
	case "no", "false", "off", "disabled", "0":
		return false
	default:
		r.log.Warn().Str("key", key).Str("value", v).Msg("not a boolean, using default")
		return def
	}
}

// GetInt reads a base 10 integer.
func (r *Registry) GetInt(key string, def int64) int64 {
	v, ok := r.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", v).Msg("not an integer, using default")
		return def
	}
	return n
}

// GetDuration reads a Go duration, or a plain integer as seconds.
func (r *Registry) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := r.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", v).Msg("not a duration, using default")
		return def
	}
	return d
}

// Keys lists every key in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplyTLS overrides t with registry TLS entries that are set.
func (r *Registry) ApplyTLS(t *TLS) {
	if v, ok := r.Get(KeyTLSCertDir); ok && v != "" {
		t.CertDir = v
	}
	if _, ok := r.Get(KeyTLSVerifyClient); ok {
		t.VerifyClient = r.GetBool(KeyTLSVerifyClient, t.VerifyClient)
	}
	if v, ok := r.Get(KeyTLSCAFile); ok && v != "" {
		t.CAFile = v
	}
}

// Watch reloads the registry whenever its file changes and calls onChange
// after each successful reload. It blocks until ctx is done. The directory
// is watched so that editors replacing the file by rename are noticed.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	if r.path == "" {
		return ErrRegistryNotLoaded
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", r.path, err)
	}
	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Warn().Err(err).Msg("registry reload failed")
				continue
			}
			r.log.Info().Str("path", r.path).Msg("registry reloaded")
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Error().Err(err).Msg("registry watcher error")
		}
	}
}
