package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(*Config) bool
	}{
		{"default.base_url", "https://learn.example", func(c *Config) bool { return c.Default.BaseURL == "https://learn.example" }},
		{"default.offline_only", "true", func(c *Config) bool { return c.Default.OfflineOnly }},
		{"cache.redis_db", "3", func(c *Config) bool { return c.Cache.RedisDB == 3 }},
		{"worker.locales", "en, fr ,ar", func(c *Config) bool {
			return strings.Join(c.Worker.Locales, ",") == "en,fr,ar"
		}},
		{"sync.debounce", "500ms", func(c *Config) bool { return c.Sync.Debounce == "500ms" }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			if err := setConfigValue(cfg, tt.key, tt.value); err != nil {
				t.Fatalf("setConfigValue: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("%s = %q not applied: %+v", tt.key, tt.value, cfg)
			}
		})
	}
}

func TestSetConfigValueErrors(t *testing.T) {
	cfg := &Config{}
	for _, key := range []string{"nodot", "default.nope", "bogus.field"} {
		if err := setConfigValue(cfg, key, "x"); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
	if err := setConfigValue(cfg, "worker.concurrency", "many"); err == nil {
		t.Error("expected error for non-numeric concurrency")
	}
}

func TestConfigKeysAreSettable(t *testing.T) {
	for _, key := range configKeys {
		value := "1"
		if strings.HasSuffix(key, "offline_only") {
			value = "false"
		}
		if err := setConfigValue(&Config{}, key, value); err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}

func TestConfigSetHelpListsKeys(t *testing.T) {
	help := configSetCmd.Long
	for _, key := range configKeys {
		if !strings.Contains(help, key) {
			t.Errorf("help is missing %s", key)
		}
	}
	for _, example := range []string{"worker.locales", "cache.driver"} {
		if !strings.Contains(configSetCmd.Example, example) {
			t.Errorf("examples are missing %s", example)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg := &Config{}
		cfg.withDefaults(t.TempDir())
		if err := validateConfig(cfg); err != nil {
			t.Fatalf("validateConfig: %v", err)
		}
	})

	t.Run("bad driver", func(t *testing.T) {
		cfg := &Config{}
		cfg.withDefaults(t.TempDir())
		cfg.Store.Driver = "postgres"
		err := validateConfig(cfg)
		if err == nil || !strings.Contains(err.Error(), "store.driver must be one of") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("redis needs an address", func(t *testing.T) {
		cfg := &Config{}
		cfg.withDefaults(t.TempDir())
		cfg.Cache.Driver = "redis"
		err := validateConfig(cfg)
		if err == nil || !strings.Contains(err.Error(), "cache.redis_addr is required") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := &Config{}
		cfg.withDefaults(t.TempDir())
		cfg.Sync.PollInterval = "soon"
		if err := validateConfig(cfg); err == nil {
			t.Fatal("expected duration error")
		}
	})
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("default.user_id", "u-7")
	v.Set("cache.driver", "redis")
	v.Set("cache.redis_addr", "localhost:6379")

	cfg := &Config{Default: ConfigDefault{UserID: "from-file", Lang: "fr"}}
	if err := applyOverrides(cfg, v); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Default.UserID != "u-7" {
		t.Errorf("user = %q", cfg.Default.UserID)
	}
	if cfg.Default.Lang != "fr" {
		t.Errorf("unset key overwritten: lang = %q", cfg.Default.Lang)
	}
	if cfg.Cache.Driver != "redis" || cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
}

func TestLoadSaveConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEARNSYNC_HOME", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig on empty dir: %v", err)
	}
	cfg.Default.UserID = "learner-1"
	cfg.Worker.Locales = []string{"en", "fr"}
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got.Default.UserID != "learner-1" || len(got.Worker.Locales) != 2 {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("short"); got != "****" {
		t.Errorf("maskKey(short) = %q", got)
	}
	if got := maskKey("tok_1234567890abcd"); got != "tok_...abcd" {
		t.Errorf("maskKey = %q", got)
	}
}

func TestParseAnswers(t *testing.T) {
	got, err := parseAnswers([]string{"q1=a", "q2=b=c"})
	if err != nil {
		t.Fatalf("parseAnswers: %v", err)
	}
	if len(got) != 2 || got[1].QuestionID != "q2" || got[1].Answer != "b=c" {
		t.Errorf("answers = %+v", got)
	}
	if _, err := parseAnswers([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
}
