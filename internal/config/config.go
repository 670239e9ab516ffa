// Package config loads daemon settings from flags, SYNCD_*
// environment variables and an optional config file through viper, and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/manwonyori/gitsyncd/internal/debounce"
	"github.com/manwonyori/gitsyncd/internal/filter"
	"github.com/manwonyori/gitsyncd/internal/health"
	"github.com/manwonyori/gitsyncd/internal/remote"
	"github.com/manwonyori/gitsyncd/internal/vcs"
	"github.com/manwonyori/gitsyncd/internal/vcs/git"
)

// EnvPrefix prefixes every environment override (SYNCD_QUIET_WINDOW, ...).
const EnvPrefix = "SYNCD"

// DefaultStateDir is created under the repository root.
const DefaultStateDir = ".syncd"

// Config is the decoded daemon configuration.
type Config struct {
	Root     string `mapstructure:"root" validate:"required"`
	Remote   string `mapstructure:"remote" validate:"required"`
	Branch   string `mapstructure:"branch"`
	AutoInit bool   `mapstructure:"auto-init"`
	StateDir string `mapstructure:"state-dir"`

	QuietWindow time.Duration `mapstructure:"quiet-window" validate:"gt=0"`
	MaxAge      time.Duration `mapstructure:"max-age" validate:"gt=0,gtefield=QuietWindow"`

	Endpoint        string        `mapstructure:"endpoint" validate:"omitempty,url"`
	EndpointHeaders []string      `mapstructure:"endpoint-header" validate:"dive,contains=:"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect-delay" validate:"gt=0"`
	MutationMarkers []string      `mapstructure:"mutation-markers" validate:"dive,required"`

	RulesFile           string   `mapstructure:"rules-file"`
	SensitivePatterns   []string `mapstructure:"sensitive-patterns"`
	SensitiveSubstrings []string `mapstructure:"sensitive-substrings"`
	IgnorePatterns      []string `mapstructure:"ignore-patterns"`
	ExcludePrefixes     []string `mapstructure:"exclude-prefixes"`

	OpTimeout   time.Duration `mapstructure:"op-timeout" validate:"gt=0"`
	LockGrace   time.Duration `mapstructure:"lock-grace" validate:"gt=0"`
	AuthorName  string        `mapstructure:"author-name"`
	AuthorEmail string        `mapstructure:"author-email" validate:"omitempty,email"`

	AuditIndex     bool   `mapstructure:"audit-index"`
	DashboardAddr  string `mapstructure:"dashboard-addr" validate:"omitempty,hostname_port"`
	LogLevel       string `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	LogFormat      string `mapstructure:"log-format" validate:"oneof=console json"`
	QueueHighWater int    `mapstructure:"queue-high-water" validate:"gt=0"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("remote", vcs.DefaultRemote)
	v.SetDefault("branch", "")
	v.SetDefault("auto-init", false)
	v.SetDefault("state-dir", "")
	v.SetDefault("quiet-window", debounce.DefaultConfig().QuietWindow)
	v.SetDefault("max-age", debounce.DefaultConfig().MaxAge)
	v.SetDefault("endpoint", "")
	v.SetDefault("endpoint-header", []string{})
	v.SetDefault("reconnect-delay", remote.DefaultReconnectDelay)
	v.SetDefault("mutation-markers", remote.DefaultMarkers)
	v.SetDefault("rules-file", "")
	v.SetDefault("sensitive-patterns", []string{})
	v.SetDefault("sensitive-substrings", []string{})
	v.SetDefault("ignore-patterns", []string{})
	v.SetDefault("exclude-prefixes", []string{})
	v.SetDefault("op-timeout", git.DefaultTimeout)
	v.SetDefault("lock-grace", health.DefaultLockGrace)
	v.SetDefault("author-name", "")
	v.SetDefault("author-email", "")
	v.SetDefault("audit-index", true)
	v.SetDefault("dashboard-addr", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("queue-high-water", 1000)
}

// RegisterFlags adds the persistent flags that override config keys.
// Only the commonly tuned keys get a flag; the rest come from the file
// or the environment.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("root", ".", "repository root to keep in sync")
	fs.String("remote", vcs.DefaultRemote, "git remote to push to")
	fs.String("branch", "", "branch to push (default: current branch)")
	fs.Bool("auto-init", false, "initialize a git repository at root if none exists")
	fs.String("state-dir", "", "state directory (default: <root>/"+DefaultStateDir+")")
	fs.Duration("quiet-window", debounce.DefaultConfig().QuietWindow, "flush a batch after this long without events")
	fs.Duration("max-age", debounce.DefaultConfig().MaxAge, "flush a batch at most this long after it opened")
	fs.String("endpoint", "", "remote agent event stream URL")
	fs.String("rules-file", "", "extra exclusion rules file (toml or yaml), reloaded on change")
	fs.String("dashboard-addr", "", "listen address for the status dashboard (empty disables it)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "console", "stderr log format (console, json)")
}

// Bind wires flags and SYNCD_* environment variables into v.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load reads the optional config file, decodes v and validates it.
// Relative root and state-dir values are resolved to absolute paths.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	cfg.Root = root

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(root, DefaultStateDir)
	} else if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(root, cfg.StateDir)
	}

	return &cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// AuditPath is the JSONL audit log.
func (c *Config) AuditPath() string {
	return filepath.Join(c.StateDir, "audit.jsonl")
}

// AuditIndexPath is the SQLite audit index.
func (c *Config) AuditIndexPath() string {
	return filepath.Join(c.StateDir, "audit.db")
}

// LogPath is the rotated JSON log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.StateDir, "logs", "syncd.log")
}

// Rules returns the base exclusion rules: defaults merged with the
// configured lists. The VCS directory and the state directory are always
// ignored, whichever source names them.
func (c *Config) Rules() filter.Rules {
	ignored := append([]string(nil), c.IgnorePatterns...)
	for _, dir := range c.internalDirs() {
		ignored = append(ignored, "/"+dir+"/")
	}
	return filter.DefaultRules().Merge(filter.Rules{
		SensitivePatterns:   c.SensitivePatterns,
		SensitiveSubstrings: c.SensitiveSubstrings,
		IgnorePatterns:      ignored,
	})
}

// Headers parses endpoint-header entries ("Key: Value").
func (c *Config) Headers() http.Header {
	out := make(http.Header, len(c.EndpointHeaders))
	for _, h := range c.EndpointHeaders {
		k, val, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		out.Add(strings.TrimSpace(k), strings.TrimSpace(val))
	}
	return out
}

// Excludes returns the path prefixes both event sources drop: the VCS
// directory, the state directory when it lies inside root, and any
// configured prefixes.
func (c *Config) Excludes() []string {
	return append(c.internalDirs(), c.ExcludePrefixes...)
}

// internalDirs are the repository-relative directories the daemon owns.
func (c *Config) internalDirs() []string {
	out := []string{".git"}
	if rel, err := filepath.Rel(c.Root, c.StateDir); err == nil {
		rel = filepath.ToSlash(rel)
		if rel != "." && !strings.HasPrefix(rel, "../") && rel != ".." {
			out = append(out, rel)
		}
	}
	return out
}
