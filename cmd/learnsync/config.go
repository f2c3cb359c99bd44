package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. LEARNSYNC_DEFAULT_BASE_URL.
const EnvPrefix = "LEARNSYNC"

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.learnsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Store   ConfigStore   `toml:"store"`
	Cache   ConfigCache   `toml:"cache"`
	Worker  ConfigWorker  `toml:"worker"`
	Sync    ConfigSync    `toml:"sync"`
	Log     ConfigLog     `toml:"log"`
}

type ConfigDefault struct {
	BaseURL       string `toml:"base_url" validate:"omitempty,url"`
	Token         string `toml:"token"`
	UserID        string `toml:"user_id"`
	Lang          string `toml:"lang" validate:"omitempty,len=2"`
	OfflineOnly   bool   `toml:"offline_only"`
	SigningSecret string `toml:"signing_secret"`
}

type ConfigStore struct {
	Driver string `toml:"driver" validate:"omitempty,oneof=sqlite memory"`
	Path   string `toml:"path"`
}

type ConfigCache struct {
	Driver        string `toml:"driver" validate:"omitempty,oneof=memory redis"`
	RedisAddr     string `toml:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db" validate:"min=0"`
}

type ConfigWorker struct {
	Listen      string   `toml:"listen"`
	Origin      string   `toml:"origin" validate:"omitempty,url"`
	Locales     []string `toml:"locales" validate:"dive,len=2"`
	Concurrency int      `toml:"concurrency" validate:"min=0,max=64"`
}

type ConfigSync struct {
	PollInterval string `toml:"poll_interval" validate:"omitempty,duration"`
	Debounce     string `toml:"debounce" validate:"omitempty,duration"`
}

type ConfigLog struct {
	Mode  string `toml:"mode" validate:"omitempty,oneof=dev prod"`
	Level string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// withDefaults fills unset fields.
func (c *Config) withDefaults(dir string) {
	if c.Default.BaseURL == "" {
		c.Default.BaseURL = "http://localhost:3000"
	}
	if c.Default.Lang == "" {
		c.Default.Lang = "en"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(dir, "learnsync.db")
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Worker.Listen == "" {
		c.Worker.Listen = "127.0.0.1:8787"
	}
	if c.Worker.Origin == "" {
		c.Worker.Origin = c.Default.BaseURL
	}
	if len(c.Worker.Locales) == 0 {
		c.Worker.Locales = []string{"en", "fr", "ar"}
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func durationOr(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns ~/.learnsync (or $LEARNSYNC_HOME), creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv(EnvPrefix + "_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".learnsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKeys lists every key settable with dot notation.
var configKeys = []string{
	"default.base_url", "default.token", "default.user_id", "default.lang",
	"default.offline_only", "default.signing_secret",
	"store.driver", "store.path",
	"cache.driver", "cache.redis_addr", "cache.redis_password", "cache.redis_db",
	"worker.listen", "worker.origin", "worker.locales", "worker.concurrency",
	"sync.poll_interval", "sync.debounce",
	"log.mode", "log.level",
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		case "lang":
			cfg.Default.Lang = value
		case "offline_only":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("offline_only: %w", err)
			}
			cfg.Default.OfflineOnly = b
		case "signing_secret":
			cfg.Default.SigningSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "store":
		switch field {
		case "driver":
			cfg.Store.Driver = value
		case "path":
			cfg.Store.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "cache":
		switch field {
		case "driver":
			cfg.Cache.Driver = value
		case "redis_addr":
			cfg.Cache.RedisAddr = value
		case "redis_password":
			cfg.Cache.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db: %w", err)
			}
			cfg.Cache.RedisDB = n
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "worker":
		switch field {
		case "listen":
			cfg.Worker.Listen = value
		case "origin":
			cfg.Worker.Origin = value
		case "locales":
			cfg.Worker.Locales = splitList(value)
		case "concurrency":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("concurrency: %w", err)
			}
			cfg.Worker.Concurrency = n
		default:
			return fmt.Errorf("unknown field %q in section [worker]", field)
		}
	case "sync":
		switch field {
		case "poll_interval":
			cfg.Sync.PollInterval = value
		case "debounce":
			cfg.Sync.Debounce = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "log":
		switch field {
		case "mode":
			cfg.Log.Mode = value
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, store, cache, worker, sync, log)", section)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// Overrides & validation
// ============================================================================

var overrides = newOverrides()

func newOverrides() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlag lets a command-line flag override a config key.
func bindFlag(key string, f *pflag.Flag) {
	if f == nil {
		return
	}
	_ = overrides.BindPFlag(key, f)
}

// applyOverrides copies environment and flag values onto cfg.
func applyOverrides(cfg *Config, v *viper.Viper) error {
	for _, key := range configKeys {
		if !v.IsSet(key) {
			continue
		}
		val := v.GetString(key)
		if val == "" {
			continue
		}
		if err := setConfigValue(cfg, key, val); err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

func validateConfig(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var msg []string
	for _, field := range verrs {
		namespace := field.Namespace()
		name := namespace[strings.IndexByte(namespace, '.')+1:]
		switch field.Tag() {
		case "required", "required_if":
			msg = append(msg, fmt.Sprintf("%s is required", name))
		case "oneof":
			msg = append(msg, fmt.Sprintf("%s must be one of (%s)", name, field.Param()))
		default:
			msg = append(msg, fmt.Sprintf("%s failed %s validation", name, field.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msg, "; "))
}

// resolveConfig loads the file, applies overrides and defaults, and
// validates the result.
func resolveConfig() (*Config, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, "", err
	}
	dir, err := configDir()
	if err != nil {
		return nil, "", err
	}
	cfg.withDefaults(dir)
	if err := validateConfig(cfg); err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}
