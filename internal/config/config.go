// Package config loads and validates the UIA proxy's YAML configuration,
// following the same viper-based loader shape as the teacher's
// internal/server/config.go: typed struct with mapstructure tags,
// registered defaults, then a single env-prefixed override knob.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/oidc"
)

// Endpoint identifiers accepted under the `uia.<endpoint>` config key.
const (
	EndpointLogin                   = "login"
	EndpointPassword                = "password"
	EndpointDeleteDevice             = "deleteDevice"
	EndpointDeleteDevices            = "deleteDevices"
	EndpointUploadDeviceSigningKeys  = "uploadDeviceSigningKeys"
)

var validEndpoints = map[string]bool{
	EndpointLogin:                  true,
	EndpointPassword:               true,
	EndpointDeleteDevice:           true,
	EndpointDeleteDevices:          true,
	EndpointUploadDeviceSigningKeys: true,
}

// StageConfig is an opaque, per-stage configuration blob. Each stage
// implementation decodes the sub-keys it understands; the core never
// interprets these values itself (spec.md §9 "Dynamic config/params").
type StageConfig map[string]any

// Flow is an ordered sequence of stage types that, completed in full,
// authorizes the underlying request.
type Flow struct {
	Stages []string `mapstructure:"stages"`
}

// RateLimit configures a token-bucket per remote address.
type RateLimit struct {
	WindowMS int `mapstructure:"window"`
	Max      int `mapstructure:"max"`
}

func (r RateLimit) Window() time.Duration {
	if r.WindowMS <= 0 {
		return time.Minute
	}
	return time.Duration(r.WindowMS) * time.Millisecond
}

func (r RateLimit) Burst() int {
	if r.Max <= 0 {
		return 60
	}
	return r.Max
}

// Endpoint holds the UIA configuration for one proxied endpoint.
type Endpoint struct {
	RateLimit    RateLimit              `mapstructure:"rateLimit"`
	Stages       map[string]StageConfig `mapstructure:"stages"`
	Flows        []Flow                 `mapstructure:"flows"`
	StageAliases map[string]string      `mapstructure:"stageAliases"`
}

// Webserver is the listen address.
type Webserver struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (w Webserver) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Session controls the UIA session TTL.
type Session struct {
	TimeoutMS int `mapstructure:"timeout"`
}

func (s Session) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// UsernameMapper configures the localpart-derivation mode.
type UsernameMapper struct {
	Mode      string `mapstructure:"mode"` // PLAIN or HMAC-SHA256
	Pepper    string `mapstructure:"pepper"`
	Folder    string `mapstructure:"folder"`
	BinaryPid bool   `mapstructure:"binaryPid"`
}

// Token configures the homeserver-accepted signed login token.
type Token struct {
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"`
	ExpiresMS int64  `mapstructure:"expires"`
}

func (t Token) Expires() time.Duration {
	if t.ExpiresMS <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(t.ExpiresMS) * time.Millisecond
}

// Homeserver describes the upstream Matrix homeserver this proxy fronts.
type Homeserver struct {
	Domain string `mapstructure:"domain"`
	URL    string `mapstructure:"url"`
	Base   string `mapstructure:"base"`
	Token  Token  `mapstructure:"token"`
}

// Logging mirrors `logging.{console, files[], lineDateFormat}`.
type Logging = logging.Config

// Config is the fully parsed uia-proxy configuration.
type Config struct {
	Webserver      Webserver           `mapstructure:"webserver"`
	Session        Session             `mapstructure:"session"`
	UsernameMapper UsernameMapper      `mapstructure:"usernameMapper"`
	Homeserver     Homeserver          `mapstructure:"homeserver"`
	UIA            map[string]Endpoint `mapstructure:"uia"`
	OIDC           oidc.ManagerConfig  `mapstructure:"oidc"`
	CRM            CRM                 `mapstructure:"crm"`
	Logging        Logging             `mapstructure:"logging"`
}

// CRM configures the com.famedly.login.crm stage's key endpoint and the
// pharmacy ID every verified token must carry (spec.md §4.5.5).
type CRM struct {
	BaseURL    string `mapstructure:"baseUrl"`
	PharmacyID string `mapstructure:"pharmacyId"`
}

// Load reads config from the given path (or the UIA_PROXY_CONFIG env
// override, or the default search path), validates it, and returns the
// typed Config. Configuration errors are fatal to the caller per spec.md §7.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	setupViper(v, "UIA_PROXY", path)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("webserver.host", "")
	v.SetDefault("webserver.port", 8090)
	v.SetDefault("session.timeout", 30*60*1000)
	v.SetDefault("usernameMapper.mode", "PLAIN")
	v.SetDefault("usernameMapper.folder", "./data/usernameMapper")
	v.SetDefault("homeserver.token.algorithm", "HS256")
	v.SetDefault("homeserver.token.expires", 2*60*1000)
	v.SetDefault("logging.console", "info")
}

// setupViper wires the single env-prefixed override knob, matching the
// teacher's common.SetupViper: an explicit path wins outright, otherwise a
// directory search runs against the process's working directory and /etc.
func setupViper(v *viper.Viper, envPrefix, explicitPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if explicitPath == "" {
		explicitPath = strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG"))
	}
	if explicitPath != "" {
		if !filepath.IsAbs(explicitPath) {
			if abs, err := filepath.Abs(explicitPath); err == nil {
				explicitPath = abs
			}
		}
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			logging.Logger.Warn("failed to read config file", "path", explicitPath, "err", err)
		}
		return
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/uia-proxy/")
	if err := v.ReadInConfig(); err != nil {
		logging.Logger.Warn("no config file found via search, relying on env/defaults")
	}
}

// Validate enforces the structural invariants spec.md §6 requires of every
// enumerated config contract: a homeserver domain, a known username-mapper
// mode (with a pepper in HMAC-SHA256 mode), known endpoint names, and flows
// referencing declared stages. The signing secret/algorithm pair is checked
// by token.NewMinter and the default OIDC provider by oidc.NewManager, each
// at construction time; Validate checks neither.
func Validate(cfg *Config) error {
	if cfg.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if cfg.UsernameMapper.Mode != "PLAIN" && cfg.UsernameMapper.Mode != "HMAC-SHA256" {
		return fmt.Errorf("usernameMapper.mode must be PLAIN or HMAC-SHA256, got %q", cfg.UsernameMapper.Mode)
	}
	if cfg.UsernameMapper.Mode == "HMAC-SHA256" && cfg.UsernameMapper.Pepper == "" {
		return fmt.Errorf("usernameMapper.pepper is required in HMAC-SHA256 mode")
	}
	for name, ep := range cfg.UIA {
		if !validEndpoints[name] {
			return fmt.Errorf("uia.%s: unknown endpoint", name)
		}
		for _, flow := range ep.Flows {
			for _, stageType := range flow.Stages {
				resolved := resolveAlias(ep.StageAliases, stageType)
				if _, ok := ep.Stages[resolved]; !ok {
					return fmt.Errorf("uia.%s: flow references undeclared stage %q", name, stageType)
				}
			}
		}
	}
	return nil
}

func resolveAlias(aliases map[string]string, stageType string) string {
	if target, ok := aliases[stageType]; ok {
		return target
	}
	return stageType
}
