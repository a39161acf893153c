// Package config loads the YAML document describing one or more
// listeners, following a load-then-validate shape.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InboundTLSConfig is the YAML shape of a listener's inbound TLS options.
type InboundTLSConfig struct {
	CertFile       string `yaml:"cert_file,omitempty"`
	KeyFile        string `yaml:"key_file,omitempty"`
	AutocertDomain string `yaml:"autocert_domain,omitempty"`
	AutocertCache  string `yaml:"autocert_cache,omitempty"`
	DevSelfSigned  bool   `yaml:"dev_self_signed,omitempty"`
}

// OutboundTLSConfig is the YAML shape of a listener's outbound TLS
// options. Mode is one of "none" (default), "default", or "custom".
type OutboundTLSConfig struct {
	Mode               string `yaml:"mode,omitempty"`
	ClientCertFile     string `yaml:"client_cert_file,omitempty"`
	ClientKeyFile      string `yaml:"client_key_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
}

// ListenerConfig describes a single listener entry in the config file.
type ListenerConfig struct {
	Address           string             `yaml:"address"`
	TargetHost        string             `yaml:"target_host"`
	TargetPort        uint16             `yaml:"target_port"`
	InboundTLS        *InboundTLSConfig  `yaml:"inbound_tls,omitempty"`
	OutboundTLS       *OutboundTLSConfig `yaml:"outbound_tls,omitempty"`
	DialTimeoutSecond float64            `yaml:"dial_timeout_seconds,omitempty"`
}

// DialTimeout returns the configured dial timeout, or zero (no timeout).
func (l ListenerConfig) DialTimeout() time.Duration {
	if l.DialTimeoutSecond <= 0 {
		return 0
	}
	return time.Duration(l.DialTimeoutSecond * float64(time.Second))
}

// AdminConfig is the optional admin HTTP status surface.
type AdminConfig struct {
	Address string `yaml:"address,omitempty"`
}

// Config is the top-level YAML schema.
type Config struct {
	Listeners               []ListenerConfig `yaml:"listeners"`
	Admin                   *AdminConfig     `yaml:"admin,omitempty"`
	GracefulShutdownSeconds float64          `yaml:"graceful_shutdown_seconds,omitempty"`
}

// Load reads the YAML file at path, parses it into Config, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	var errs []string

	if len(cfg.Listeners) == 0 {
		errs = append(errs, "at least one listener must be defined")
	}

	for i, l := range cfg.Listeners {
		if strings.TrimSpace(l.Address) == "" {
			errs = append(errs, fmt.Sprintf("listeners[%d]: address is required", i))
		}
		if strings.TrimSpace(l.TargetHost) == "" {
			errs = append(errs, fmt.Sprintf("listeners[%d]: target_host is required", i))
		}
		if l.TargetPort == 0 {
			errs = append(errs, fmt.Sprintf("listeners[%d]: target_port is required", i))
		}
		if l.InboundTLS != nil {
			hasFile := l.InboundTLS.CertFile != "" || l.InboundTLS.KeyFile != ""
			hasAutocert := l.InboundTLS.AutocertDomain != ""
			if hasFile && (l.InboundTLS.CertFile == "" || l.InboundTLS.KeyFile == "") {
				errs = append(errs, fmt.Sprintf("listeners[%d]: inbound_tls requires both cert_file and key_file", i))
			}
			if hasFile && hasAutocert {
				errs = append(errs, fmt.Sprintf("listeners[%d]: inbound_tls cannot set both cert_file and autocert_domain", i))
			}
		}
		if l.OutboundTLS != nil {
			switch l.OutboundTLS.Mode {
			case "", "none", "default", "custom":
			default:
				errs = append(errs, fmt.Sprintf("listeners[%d]: outbound_tls.mode must be none, default, or custom", i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}
