package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aristath/appstartup/internal/scheduler"
)

var ErrUnknownConfig = errors.New("unknown config entry")

// AppConfig is supplied by a manifest's configEntry and applies to every run
// the Manager starts for that manifest.
type AppConfig struct {
	DefaultTimeout time.Duration          // Overrides the scheduler default when > 0
	Customization  string                 // Default MatchRequest.Customization
	OnFinished     func(scheduler.Report) // Called once per run, after it is terminal
}

// ConfigProvider builds an AppConfig. Providers registered under a prefix get
// the rest of the configEntry; exact registrations get "".
type ConfigProvider func(arg string) (AppConfig, error)

// DefaultsPrefix is the built-in configEntry form that carries its values
// inline as a query string: "defaults:timeout=5s&customization=tablet".
const DefaultsPrefix = "defaults:"

// RegisterConfig registers an application config under an exact name.
func (r *Registry) RegisterConfig(name string, p ConfigProvider) error {
	if name == "" || p == nil {
		return fmt.Errorf("register config %q: invalid", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[name]; exists {
		return fmt.Errorf("%w: config %q", ErrDuplicateBody, name)
	}
	r.configs[name] = p
	return nil
}

// RegisterConfigPrefix registers a provider for every configEntry starting
// with prefix.
func (r *Registry) RegisterConfigPrefix(prefix string, p ConfigProvider) error {
	if prefix == "" || p == nil {
		return fmt.Errorf("register config prefix %q: invalid", prefix)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configPrefixes[prefix]; exists {
		return fmt.Errorf("%w: config prefix %q", ErrDuplicateBody, prefix)
	}
	r.configPrefixes[prefix] = p
	return nil
}

// ResolveConfig returns the AppConfig for entry. An empty entry yields the
// zero AppConfig.
func (r *Registry) ResolveConfig(entry string) (AppConfig, error) {
	if entry == "" {
		return AppConfig{}, nil
	}

	r.mu.RLock()
	p, ok := r.configs[entry]
	arg := ""
	if !ok {
		var prefix string
		prefix, p, ok = longestPrefix(r.configPrefixes, entry)
		arg = entry[len(prefix):]
	}
	r.mu.RUnlock()

	if !ok {
		return AppConfig{}, fmt.Errorf("%w: %q", ErrUnknownConfig, entry)
	}
	cfg, err := p(arg)
	if err != nil {
		return AppConfig{}, fmt.Errorf("config entry %q: %w", entry, err)
	}
	if cfg.DefaultTimeout < 0 {
		return AppConfig{}, fmt.Errorf("config entry %q: negative default timeout", entry)
	}
	return cfg, nil
}

func defaultsConfig(arg string) (AppConfig, error) {
	values, err := url.ParseQuery(arg)
	if err != nil {
		return AppConfig{}, err
	}
	var cfg AppConfig
	for key := range values {
		v := values.Get(key)
		switch key {
		case "timeout":
			d, err := time.ParseDuration(v)
			if err != nil {
				return AppConfig{}, fmt.Errorf("timeout: %w", err)
			}
			cfg.DefaultTimeout = d
		case "customization":
			cfg.Customization = v
		default:
			return AppConfig{}, fmt.Errorf("unknown key %q", key)
		}
	}
	return cfg, nil
}
