package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database       DatabaseConfig
	Log            LogConfig
	Sync           SyncConfig
	Dedup          DedupConfig
	Categorizer    CategorizerConfig
	Pairing        PairingConfig
	Reconciliation ReconciliationConfig
	Scraper        ScraperConfig
	Secrets        SecretsConfig
	UI             UIConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	LookbackMonths  int           `mapstructure:"lookback_months"`
	TriggeredBy     string        `mapstructure:"triggered_by"`
	MessageLimit    int           `mapstructure:"message_limit"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// DedupConfig holds duplicate-resolver settings.
type DedupConfig struct {
	Window time.Duration
}

// CategorizerConfig holds categorizer settings.
type CategorizerConfig struct {
	FuzzyRatio float64 `mapstructure:"fuzzy_ratio"`
}

// PairingConfig holds auto-pairing weights.
type PairingConfig struct {
	MinScore          int `mapstructure:"min_score"`
	CategoryHitWeight int `mapstructure:"category_hit_weight"`
	ShortKeywordScore int `mapstructure:"short_keyword_score"`
	LongKeywordScore  int `mapstructure:"long_keyword_score"`
	LongKeywordRunes  int `mapstructure:"long_keyword_runes"`
	VolumeCap         int `mapstructure:"volume_cap"`
	VolumeDivisor     int `mapstructure:"volume_divisor"`
	SearchLimit       int `mapstructure:"search_limit"`
}

// ReconciliationConfig holds discrepancy policy. The values are empirical.
type ReconciliationConfig struct {
	Epsilon         float64
	FeeCeiling      float64 `mapstructure:"fee_ceiling"`
	MinCoverageDays int     `mapstructure:"min_coverage_days"`
	LookbackMonths  int     `mapstructure:"lookback_months"`
	CycleMatchDays  int     `mapstructure:"cycle_match_days"`
}

// ScraperConfig points at the external scraper process.
type ScraperConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// SecretsConfig locates the credential vault.
type SecretsConfig struct {
	Path string
}

// UIConfig holds presentation settings for CLI output.
type UIConfig struct {
	Currency string
	Timezone string
}

// Load reads configuration from file and env. Env var overrides use prefix CLARIFY_.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("CLARIFY_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "clarify"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("CLARIFY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Default returns the built-in configuration without consulting files or env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

func setDefaults(v *viper.Viper) {
	share := filepath.Join(os.Getenv("HOME"), ".local", "share", "clarify")

	v.SetDefault("database.path", filepath.Join(share, "clarify.db"))
	v.SetDefault("log.level", "info")

	v.SetDefault("sync.lookback_months", 3)
	v.SetDefault("sync.triggered_by", "cli")
	v.SetDefault("sync.message_limit", 500)
	v.SetDefault("sync.stale_after", 12*time.Hour)
	v.SetDefault("sync.rate_limit_window", 15*time.Minute)
	v.SetDefault("sync.max_attempts", 1)

	v.SetDefault("dedup.window", 36*time.Hour)

	v.SetDefault("categorizer.fuzzy_ratio", 0.2)

	v.SetDefault("pairing.min_score", 3)
	v.SetDefault("pairing.category_hit_weight", 3)
	v.SetDefault("pairing.short_keyword_score", 1)
	v.SetDefault("pairing.long_keyword_score", 2)
	v.SetDefault("pairing.long_keyword_runes", 4)
	v.SetDefault("pairing.volume_cap", 5)
	v.SetDefault("pairing.volume_divisor", 3)
	v.SetDefault("pairing.search_limit", 500)

	v.SetDefault("reconciliation.epsilon", 0.01)
	v.SetDefault("reconciliation.fee_ceiling", 200.0)
	v.SetDefault("reconciliation.min_coverage_days", 20)
	v.SetDefault("reconciliation.lookback_months", 3)
	v.SetDefault("reconciliation.cycle_match_days", 3)

	v.SetDefault("scraper.command", "clarify-scraper")
	v.SetDefault("scraper.args", []string{})
	v.SetDefault("scraper.timeout", 10*time.Minute)

	v.SetDefault("secrets.path", filepath.Join(share, "vault.json"))

	v.SetDefault("ui.currency", "ILS")
	v.SetDefault("ui.timezone", "Asia/Jerusalem")
}

// Save writes the provided config to disk, creating the config directory if needed.
// Every key Load reads is written; credentials live in the vault.
func Save(cfg Config) error {
	path := os.Getenv("CLARIFY_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "clarify", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	for k, val := range settings(cfg) {
		v.Set(k, val)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// settings flattens cfg into the keys setDefaults declares. Durations are
// written as strings.
func settings(cfg Config) map[string]any {
	return map[string]any{
		"database.path": cfg.Database.Path,
		"log.level":     cfg.Log.Level,

		"sync.lookback_months":   cfg.Sync.LookbackMonths,
		"sync.triggered_by":      cfg.Sync.TriggeredBy,
		"sync.message_limit":     cfg.Sync.MessageLimit,
		"sync.stale_after":       cfg.Sync.StaleAfter.String(),
		"sync.rate_limit_window": cfg.Sync.RateLimitWindow.String(),
		"sync.max_attempts":      cfg.Sync.MaxAttempts,

		"dedup.window": cfg.Dedup.Window.String(),

		"categorizer.fuzzy_ratio": cfg.Categorizer.FuzzyRatio,

		"pairing.min_score":           cfg.Pairing.MinScore,
		"pairing.category_hit_weight": cfg.Pairing.CategoryHitWeight,
		"pairing.short_keyword_score": cfg.Pairing.ShortKeywordScore,
		"pairing.long_keyword_score":  cfg.Pairing.LongKeywordScore,
		"pairing.long_keyword_runes":  cfg.Pairing.LongKeywordRunes,
		"pairing.volume_cap":          cfg.Pairing.VolumeCap,
		"pairing.volume_divisor":      cfg.Pairing.VolumeDivisor,
		"pairing.search_limit":        cfg.Pairing.SearchLimit,

		"reconciliation.epsilon":           cfg.Reconciliation.Epsilon,
		"reconciliation.fee_ceiling":       cfg.Reconciliation.FeeCeiling,
		"reconciliation.min_coverage_days": cfg.Reconciliation.MinCoverageDays,
		"reconciliation.lookback_months":   cfg.Reconciliation.LookbackMonths,
		"reconciliation.cycle_match_days":  cfg.Reconciliation.CycleMatchDays,

		"scraper.command": cfg.Scraper.Command,
		"scraper.args":    cfg.Scraper.Args,
		"scraper.timeout": cfg.Scraper.Timeout.String(),

		"secrets.path": cfg.Secrets.Path,

		"ui.currency": cfg.UI.Currency,
		"ui.timezone": cfg.UI.Timezone,
	}
}
