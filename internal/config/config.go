// Package config provides configuration management for the trading platform.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Anupamvm/mCube-ai-sub004/internal/security"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig   `mapstructure:"trading" validate:"required"`
	Accounts    []AccountConfig `mapstructure:"accounts" validate:"dive"`
	Risk        RiskConfig      `mapstructure:"risk"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	UI          UIConfig        `mapstructure:"ui"`
	Security    SecurityConfig  `mapstructure:"security"`
	// Credentials are loaded separately and must never serialize: the
	// config struct is handed to --json output paths.
	Credentials Credentials `mapstructure:"-" json:"-"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode            string        `mapstructure:"mode" validate:"omitempty,oneof=live paper"`
	DefaultBroker   string        `mapstructure:"default_broker" validate:"omitempty,oneof=kite motilal paper"`
	DefaultProduct  string        `mapstructure:"default_product" validate:"omitempty,oneof=MIS CNC NRML"`
	DefaultExchange string        `mapstructure:"default_exchange" validate:"omitempty,oneof=NSE BSE NFO CDS MCX"`
	OrderTimeout    time.Duration `mapstructure:"order_timeout"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
}

// AccountConfig identifies one broker account the platform manages.
type AccountConfig struct {
	ID      string `mapstructure:"id" validate:"required"`
	Broker  string `mapstructure:"broker" validate:"required,oneof=kite motilal paper"`
	Enabled bool   `mapstructure:"enabled"`
}

// RiskConfig holds pre-trade risk limits.
type RiskConfig struct {
	MaxQuantityPerOrder int     `mapstructure:"max_quantity_per_order" validate:"gte=0"`
	MaxOrderValue       float64 `mapstructure:"max_order_value" validate:"gte=0"`
	DailyLossLimit      float64 `mapstructure:"daily_loss_limit" validate:"gte=0"`
}

// DatabaseConfig holds local persistence configuration.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
	Path    string `mapstructure:"path"`
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled"`
	DateFormat   string `mapstructure:"date_format"`
	TimeFormat   string `mapstructure:"time_format"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	ReadOnlyMode       bool          `mapstructure:"read_only_mode"`
	SessionTimeout     time.Duration `mapstructure:"session_timeout"`
	EncryptCredentials bool          `mapstructure:"encrypt_credentials"`
	AuditEnabled       bool          `mapstructure:"audit_enabled"`
	StrictValidation   bool          `mapstructure:"strict_validation"`
}

// Credentials holds per-broker API credentials.
type Credentials struct {
	Kite    KiteCredentials    `mapstructure:"kite"`
	Motilal MotilalCredentials `mapstructure:"motilal"`
}

// KiteCredentials holds Zerodha Kite Connect credentials.
type KiteCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`    // For auto-login
	TOTPSecret string `mapstructure:"totp_secret"` // For auto-login with 2FA
}

// MotilalCredentials holds Motilal Oswal API credentials.
type MotilalCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	TwoFA      string `mapstructure:"two_fa"`
	TOTPSecret string `mapstructure:"totp_secret"`
	VendorInfo string `mapstructure:"vendor_info"`
	ClientCode string `mapstructure:"client_code"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/mcube"
	}
	return filepath.Join(home, ".config", "mcube")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials, decrypting credentials.enc when encryption at
	// rest is enabled.
	if cfg.Security.EncryptCredentials {
		if err := loadEncryptedCredentials(configDir, cfg); err != nil {
			return nil, fmt.Errorf("loading encrypted credentials: %w", err)
		}
	} else if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	// Set defaults
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.default_broker", "paper")
	v.SetDefault("trading.default_product", "MIS")
	v.SetDefault("trading.default_exchange", "NSE")
	v.SetDefault("trading.order_timeout", "15s")
	v.SetDefault("trading.sync_interval", "30s")
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", filepath.Join(configDir, "mcube.db"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.path", filepath.Join(configDir, "logs", "mcube.log"))
	v.SetDefault("security.session_timeout", "8h")
	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.strict_validation", true)
	v.SetDefault("ui.color_enabled", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

// loadEncryptedCredentials reads credentials.enc using the master
// password from MCUBE_MASTER_PASSWORD. A plaintext credentials.toml
// found on first use is migrated into the encrypted store and securely
// removed.
func loadEncryptedCredentials(configDir string, cfg *Config) error {
	master := os.Getenv("MCUBE_MASTER_PASSWORD")
	if master == "" {
		return fmt.Errorf("security.encrypt_credentials is set but MCUBE_MASTER_PASSWORD is not")
	}

	cm := security.NewCredentialManager(configDir, cfg.Security.SessionTimeout)
	if err := cm.Initialize(master); err != nil {
		return err
	}
	creds, err := cm.GetCredentials()
	if err != nil {
		return err
	}

	cfg.Credentials = Credentials{
		Kite: KiteCredentials{
			APIKey:     creds.Kite.APIKey,
			APISecret:  creds.Kite.APISecret,
			UserID:     creds.Kite.UserID,
			Password:   creds.Kite.Password,
			TOTPSecret: creds.Kite.TOTPSecret,
		},
		Motilal: MotilalCredentials{
			APIKey:     creds.Motilal.APIKey,
			UserID:     creds.Motilal.UserID,
			Password:   creds.Motilal.Password,
			TwoFA:      creds.Motilal.TwoFA,
			TOTPSecret: creds.Motilal.TOTPSecret,
			VendorInfo: creds.Motilal.VendorInfo,
			ClientCode: creds.Motilal.ClientCode,
		},
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Kite credentials
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_USER_ID"); v != "" {
		cfg.Credentials.Kite.UserID = v
	}
	if v := os.Getenv("KITE_PASSWORD"); v != "" {
		cfg.Credentials.Kite.Password = v
	}
	if v := os.Getenv("KITE_TOTP_SECRET"); v != "" {
		cfg.Credentials.Kite.TOTPSecret = v
	}

	// Motilal credentials
	if v := os.Getenv("MOTILAL_API_KEY"); v != "" {
		cfg.Credentials.Motilal.APIKey = v
	}
	if v := os.Getenv("MOTILAL_USER_ID"); v != "" {
		cfg.Credentials.Motilal.UserID = v
	}
	if v := os.Getenv("MOTILAL_PASSWORD"); v != "" {
		cfg.Credentials.Motilal.Password = v
	}
	if v := os.Getenv("MOTILAL_TWO_FA"); v != "" {
		cfg.Credentials.Motilal.TwoFA = v
	}
	if v := os.Getenv("MOTILAL_TOTP_SECRET"); v != "" {
		cfg.Credentials.Motilal.TOTPSecret = v
	}

	// Trading mode
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("MCUBE_READ_ONLY"); v == "1" || v == "true" {
		cfg.Security.ReadOnlyMode = true
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config field %s: failed %s check", first.Namespace(), first.Tag())
		}
		return err
	}

	// Cross-field checks the tag language cannot express.
	seen := make(map[string]bool, len(c.Accounts))
	for _, acct := range c.Accounts {
		key := acct.ID + "/" + acct.Broker
		if seen[key] {
			return fmt.Errorf("duplicate account %s", key)
		}
		seen[key] = true
	}
	if c.Trading.OrderTimeout < 0 {
		return fmt.Errorf("order_timeout must be non-negative")
	}
	if c.Security.SessionTimeout < 0 {
		return fmt.Errorf("session_timeout must be non-negative")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// EnabledAccounts returns the accounts that should be registered at startup.
func (c *Config) EnabledAccounts() []AccountConfig {
	var out []AccountConfig
	for _, acct := range c.Accounts {
		if acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}
