package config

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Provider hands out the current config. Loops call Current() once per
// iteration, so a reload takes effect between iterations.
type Provider struct {
	path    string
	current atomic.Pointer[Config]
	modTime time.Time
	logger  *zap.Logger
}

// NewProvider wraps an already loaded config. path may be empty, in which
// case Watch never reloads.
func NewProvider(path string, cfg *Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{path: path, logger: logger}
	p.current.Store(cfg)
	if path != "" {
		if st, err := os.Stat(path); err == nil {
			p.modTime = st.ModTime()
		}
	}
	return p
}

// Static returns a provider that never reloads. Used by tests and one-shot
// CLI commands.
func Static(cfg *Config) *Provider {
	return NewProvider("", cfg, zap.NewNop())
}

func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Set swaps the config in place.
func (p *Provider) Set(cfg *Config) {
	p.current.Store(cfg)
}

// Reload re-reads the file if its modification time changed. A broken file
// keeps the previous config.
func (p *Provider) Reload() (bool, error) {
	if p.path == "" {
		return false, nil
	}
	st, err := os.Stat(p.path)
	if err != nil {
		return false, err
	}
	if !st.ModTime().After(p.modTime) {
		return false, nil
	}
	cfg, err := Load(p.path)
	if err != nil {
		return false, err
	}
	p.modTime = st.ModTime()
	p.current.Store(cfg)
	return true, nil
}

// Watch polls the config file until ctx is done.
func (p *Provider) Watch(ctx context.Context, every time.Duration) {
	if p.path == "" {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := p.Reload()
			if err != nil {
				p.logger.Error("Config reload failed, keeping previous config", zap.String("path", p.path), zap.Error(err))
				continue
			}
			if changed {
				p.logger.Info("Config reloaded", zap.String("path", p.path))
			}
		}
	}
}
