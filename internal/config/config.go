// Package config loads ldap-check settings from flags, environment,
// an optional .env file and an optional config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	ldap "github.com/xonoko/ldap-check"
)

const (
	EnvPrefix      = "LDAPCHECK"
	DefaultEnvFile = ".env"
	configName     = "ldap"
)

const (
	ModeAuth = "auth"
	ModeBind = "bind"
)

// Target describes one directory to check against. When URLs is empty it
// is built from Host, Port and TLS.
type Target struct {
	Name string `mapstructure:"name"`
	Mode string `mapstructure:"mode"`

	URLs []string `mapstructure:"urls"`
	Host string   `mapstructure:"host"`
	Port int      `mapstructure:"port"`
	TLS  bool     `mapstructure:"tls"`

	StartTLS bool   `mapstructure:"start_tls"`
	Insecure bool   `mapstructure:"insecure"`
	CustomCA string `mapstructure:"custom_ca"`

	ProtocolVersion int           `mapstructure:"protocol_version"`
	Timeout         time.Duration `mapstructure:"timeout"`

	BaseDN       string `mapstructure:"base_dn"`
	UserAttr     string `mapstructure:"user_attr"`
	UPNDomain    string `mapstructure:"upn_domain"`
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`
}

type Config struct {
	// Username skips the username prompt when set.
	Username              string `mapstructure:"username"`
	EmptyPasswordSentinel string `mapstructure:"empty_password_sentinel"`
	LogLevel              string `mapstructure:"log_level"`

	Targets []Target `mapstructure:"targets"`

	// Top level target settings, used when Targets is empty.
	Target `mapstructure:",squash"`
}

// defaults doubles as the list of keys the environment can set.
var defaults = map[string]interface{}{
	"username":                "",
	"empty_password_sentinel": "",
	"log_level":               "warn",
	"name":                    "default",
	"mode":                    ModeAuth,
	"urls":                    []string{},
	"host":                    "",
	"port":                    0,
	"tls":                     false,
	"start_tls":               false,
	"insecure":                false,
	"custom_ca":               "",
	"protocol_version":        ldap.DefaultProtocolVersion,
	"timeout":                 ldap.DefaultTimeout,
	"base_dn":                 "",
	"user_attr":               "",
	"upn_domain":              "",
	"bind_dn":                 "",
	"bind_password":           "",
}

// flagKeys maps flag names whose config key is not the flag name with
// dashes turned into underscores.
var flagKeys = map[string]string{
	"url": "urls",
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag that names a config key to v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var result error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		if _, known := defaults[key]; !known {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result
}

// LoadEnvFile loads variables from path into the process environment
// without overriding ones already set. A missing default file is fine.
func LoadEnvFile(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	err := godotenv.Load(path)
	if err != nil && os.IsNotExist(errors.Cause(err)) && path == DefaultEnvFile {
		return nil
	}
	return errors.Wrapf(err, "cannot load env file %s", path)
}

// Load reads the config file, if any, and decodes the merged settings.
// An explicit path must exist; otherwise ldap.yaml (or .yml, .toml, .json)
// is looked up in the working directory and in ~/.config/ldap-check.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ldap-check"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "cannot read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "cannot decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every resolved target. Top level target settings are
// rejected alongside a targets list, since they would not be used.
func (c *Config) Validate() error {
	var result error
	if len(c.Targets) > 0 {
		for _, top := range []struct {
			key string
			set bool
		}{
			{"urls", len(c.URLs) > 0},
			{"host", c.Host != ""},
			{"base_dn", c.BaseDN != ""},
			{"bind_dn", c.BindDN != ""},
			{"upn_domain", c.UPNDomain != ""},
		} {
			if top.set {
				result = multierror.Append(result, errors.Errorf("%s is set at top level but a targets list is configured; set it per target", top.key))
			}
		}
	}
	for _, t := range c.ResolvedTargets() {
		if t.Mode != ModeAuth && t.Mode != ModeBind {
			result = multierror.Append(result, errors.Errorf("target %s: unknown mode %q", t.Name, t.Mode))
		}
		if len(t.URLs) == 0 {
			result = multierror.Append(result, errors.Errorf("target %s: no urls or host", t.Name))
		}
	}
	return result
}

// ResolvedTargets returns the configured targets with defaults filled in.
// Without a targets list the top level settings form a single target.
func (c *Config) ResolvedTargets() []Target {
	targets := c.Targets
	if len(targets) == 0 {
		targets = []Target{c.Target}
	}

	resolved := make([]Target, 0, len(targets))
	for i, t := range targets {
		if t.Name == "" {
			t.Name = fmt.Sprintf("target-%d", i+1)
		}
		if t.Mode == "" {
			t.Mode = ModeAuth
		}
		t.Mode = strings.ToLower(t.Mode)
		if t.Timeout <= 0 {
			t.Timeout = c.Target.Timeout
		}
		if t.ProtocolVersion == 0 {
			t.ProtocolVersion = c.Target.ProtocolVersion
		}
		if len(t.URLs) == 0 && t.Host != "" {
			t.URLs = []string{t.url()}
		}
		resolved = append(resolved, t)
	}
	return resolved
}

func (t Target) url() string {
	scheme, port := "ldap", 389
	if t.TLS {
		scheme, port = "ldaps", 636
	}
	if t.Port != 0 {
		port = t.Port
	}
	return fmt.Sprintf("%s://%s:%d", scheme, t.Host, port)
}

// LDAP converts t into a client config.
func (t Target) LDAP() ldap.Config {
	return ldap.Config{
		Urls:            t.URLs,
		Insecure:        t.Insecure,
		CustomCA:        t.CustomCA,
		StartTLS:        t.StartTLS,
		Timeout:         t.Timeout,
		ProtocolVersion: t.ProtocolVersion,
		BindDN:          t.BindDN,
		BindPassword:    t.BindPassword,
		BaseDN:          t.BaseDN,
		UserAttr:        t.UserAttr,
		UPNDomain:       t.UPNDomain,
	}
}
