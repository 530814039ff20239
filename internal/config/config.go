// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/voxgateai/pkg/utils"
)

// Engine holds the [engine] section: where OpenSIPS events land, how the
// engine reaches the outside world, and what it logs.
type Engine struct {
	EventIP   string `mapstructure:"event_ip"`
	EventPort int    `mapstructure:"event_port" validate:"min=0,max=65535"`
	APIURL    string `mapstructure:"api_url"`
	APIKey    string `mapstructure:"api_key"`
	BotHeader string `mapstructure:"bot_header"`
	LogDir    string `mapstructure:"logdir"`
	Record    bool   `mapstructure:"record"`
}

// OpenSIPS holds the [opensips] section: the MI datagram endpoint.
type OpenSIPS struct {
	IP   string `mapstructure:"ip" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// RTP holds the [rtp] section: the media port range and addresses.
type RTP struct {
	MinPort int    `mapstructure:"min_port" validate:"required,min=1,max=65535"`
	MaxPort int    `mapstructure:"max_port" validate:"required,min=1,max=65535,gtefield=MinPort"`
	BindIP  string `mapstructure:"bind_ip"`
	IP      string `mapstructure:"ip"`
}

// Config is the engine configuration: the three fixed sections plus one
// free-form section per AI flavor.
type Config struct {
	Engine   Engine   `mapstructure:"engine"`
	OpenSIPS OpenSIPS `mapstructure:"opensips"`
	RTP      RTP      `mapstructure:"rtp"`

	sections map[string]utils.Option
}

const envConfigFile = "CONFIG_FILE"

// Load reads the INI file at path ($CONFIG_FILE when path is empty) and
// returns the validated configuration. A missing path yields a config
// built from defaults and environment variables only.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envConfigFile)
	}

	v := viper.New()
	v.SetConfigType("ini")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{sections: map[string]utils.Option{}}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyFallbacks(cfg)

	for _, key := range v.AllKeys() {
		section, option, found := strings.Cut(key, ".")
		if !found {
			continue
		}
		switch section {
		case "engine", "opensips", "rtp":
			continue
		}
		if cfg.sections[section] == nil {
			cfg.sections[section] = utils.Option{}
		}
		cfg.sections[section][option] = v.GetString(key)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyFallbacks fills settings the file left unset: environment first,
// then the built-in default, so a containerized deployment can run
// without an INI file at all. Explicit file values always win.
func applyFallbacks(cfg *Config) {
	str := func(dst *string, envName, def string) {
		if *dst == "" && envName != "" {
			*dst = os.Getenv(envName)
		}
		if *dst == "" {
			*dst = def
		}
	}
	num := func(dst *int, envName string, def int) {
		if *dst == 0 {
			if n, err := strconv.Atoi(os.Getenv(envName)); err == nil {
				*dst = n
			}
		}
		if *dst == 0 {
			*dst = def
		}
	}

	str(&cfg.Engine.EventIP, "EVENT_IP", "127.0.0.1")
	num(&cfg.Engine.EventPort, "EVENT_PORT", 0)
	str(&cfg.Engine.APIURL, "API_URL", "")
	str(&cfg.Engine.APIKey, "API_KEY", "")
	str(&cfg.Engine.BotHeader, "", "To")
	str(&cfg.Engine.LogDir, "", "logs")
	str(&cfg.OpenSIPS.IP, "OPENSIPS_IP", "127.0.0.1")
	num(&cfg.OpenSIPS.Port, "OPENSIPS_PORT", 8080)
	num(&cfg.RTP.MinPort, "RTP_MIN_PORT", 35000)
	num(&cfg.RTP.MaxPort, "RTP_MAX_PORT", 65000)
	str(&cfg.RTP.BindIP, "RTP_BIND_IP", "0.0.0.0")
	// the advertised media address falls back to the bind address
	str(&cfg.RTP.IP, "RTP_IP", cfg.RTP.BindIP)
}

// Section returns the raw option bag of a named INI section. Unknown
// sections yield an empty bag so env-only flavors still resolve.
func (c *Config) Section(name string) utils.Option {
	if s, ok := c.sections[name]; ok {
		return s
	}
	return utils.Option{}
}

// Flavor binds a flavor name to its option bag for layered lookups.
func (c *Config) Flavor(name string) *Flavor {
	return &Flavor{Name: name, Options: c.Section(name)}
}

// Flavor resolves per-flavor settings in the order the engine promises:
// per-call option bag (already merged in by the dispatcher), INI section,
// environment, fallback.
type Flavor struct {
	Name    string
	Options utils.Option
}

// WithOverrides returns a copy with the given option bag laid over the
// section values. Used for bot-config payloads and extra_params.
func (f *Flavor) WithOverrides(over utils.Option) *Flavor {
	if len(over) == 0 {
		return f
	}
	return &Flavor{Name: f.Name, Options: f.Options.Merge(over)}
}

// Get resolves the first present key, then the first set environment
// variable, then the fallback.
func (f *Flavor) Get(keys []string, envs []string, fallback string) string {
	for _, k := range keys {
		if v, err := f.Options.GetString(k); err == nil && v != "" {
			return v
		}
	}
	for _, e := range envs {
		if v := os.Getenv(e); v != "" {
			return v
		}
	}
	return fallback
}

// GetBool is Get with bool coercion.
func (f *Flavor) GetBool(keys []string, envs []string, fallback bool) bool {
	for _, k := range keys {
		if v, err := f.Options.GetBool(k); err == nil {
			return v
		}
	}
	for _, e := range envs {
		if raw := os.Getenv(e); raw != "" {
			if v, err := strconv.ParseBool(raw); err == nil {
				return v
			}
		}
	}
	return fallback
}

// GetInt is Get with int coercion.
func (f *Flavor) GetInt(keys []string, envs []string, fallback int) int {
	for _, k := range keys {
		if v, err := f.Options.GetInt(k); err == nil {
			return v
		}
	}
	for _, e := range envs {
		if raw := os.Getenv(e); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				return v
			}
		}
	}
	return fallback
}

// GetFloat is Get with float coercion.
func (f *Flavor) GetFloat(keys []string, envs []string, fallback float64) float64 {
	for _, k := range keys {
		if v, err := f.Options.GetFloat64(k); err == nil {
			return v
		}
	}
	for _, e := range envs {
		if raw := os.Getenv(e); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return v
			}
		}
	}
	return fallback
}

// Disabled reports whether the flavor is switched off in configuration.
func (f *Flavor) Disabled() bool {
	return f.GetBool([]string{"disabled"}, []string{strings.ToUpper(f.Name) + "_DISABLED"}, false)
}

// MatchPattern returns the regex used to route SIP users to this flavor,
// empty when unset.
func (f *Flavor) MatchPattern() string {
	return f.Get([]string{"match"}, nil, "")
}
