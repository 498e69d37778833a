package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Anupamvm/mCube-ai-sub004/internal/broker"
	"github.com/Anupamvm/mCube-ai-sub004/internal/config"
	"github.com/Anupamvm/mCube-ai-sub004/internal/logging"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/internal/security"
	"github.com/Anupamvm/mCube-ai-sub004/internal/store"
	"github.com/Anupamvm/mCube-ai-sub004/internal/trading"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-08-01"
)

// App holds the application dependencies shared by all commands.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *broker.Registry
	Executor *trading.Executor
	Syncer   *trading.Syncer

	// Store is nil when persistence is disabled in config. The
	// executor and syncer receive it through the Recorder interface,
	// so they never know whether it is there.
	Store *store.SQLiteStore

	// Audit is nil when security.audit_enabled is off; commands
	// nil-check it before logging events.
	Audit     *security.AuditLogger
	Access    *security.AccessController
	Validator *security.InputValidator
}

// NewApp wires the registry, coordinator, synchronizer and store from
// configuration. No adapter is constructed and no network call happens
// here; adapters materialize on first use per account.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	registry := broker.NewRegistry(logger)
	registry.RegisterFactory(models.BrokerPaper, paperFactory())
	registry.RegisterFactory(models.BrokerKite, kiteFactory(cfg, logger))
	registry.RegisterFactory(models.BrokerMotilal, motilalFactory(cfg, logger))
	app.Registry = registry

	var recorder trading.Recorder
	if cfg.Database.Enabled {
		st, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Database.Path).
				Msg("Failed to open result store, results will not be recorded")
		} else {
			app.Store = st
			recorder = st
			logger.Debug().Str("path", cfg.Database.Path).Msg("Result store opened")
		}
	}

	risk := trading.NewRiskChecker(trading.RiskLimitsFromConfig(cfg))
	app.Executor = trading.NewExecutor(registry, risk, recorder, logger)
	app.Syncer = trading.NewSyncer(registry, recorder, logger)

	if cfg.Security.AuditEnabled {
		audit, err := security.NewAuditLogger(security.DefaultAuditConfig())
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to open audit log, audit events will not be recorded")
		} else {
			app.Audit = audit
		}
	}
	app.Access = security.NewAccessController(cfg.Security.ReadOnlyMode, app.Audit)
	app.Validator = security.NewInputValidator(cfg.Security.StrictValidation)

	return app
}

func paperFactory() broker.Factory {
	return func(ctx context.Context, key broker.AccountKey) (broker.Adapter, error) {
		return broker.NewPaperAdapter(decimal.Zero), nil
	}
}

func kiteFactory(cfg *config.Config, logger zerolog.Logger) broker.Factory {
	return func(ctx context.Context, key broker.AccountKey) (broker.Adapter, error) {
		creds := cfg.Credentials.Kite
		if creds.APIKey == "" {
			return nil, fmt.Errorf("kite credentials not configured, add them to credentials.toml")
		}
		return broker.NewKiteAdapter(broker.KiteConfig{
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
			UserID:     creds.UserID,
			Password:   creds.Password,
			TOTPSecret: creds.TOTPSecret,
		}, logger), nil
	}
}

func motilalFactory(cfg *config.Config, logger zerolog.Logger) broker.Factory {
	return func(ctx context.Context, key broker.AccountKey) (broker.Adapter, error) {
		creds := cfg.Credentials.Motilal
		if creds.APIKey == "" || creds.UserID == "" {
			return nil, fmt.Errorf("motilal credentials not configured, add them to credentials.toml")
		}
		adapter := broker.NewMotilalAdapter(broker.MotilalConfig{
			APIKey:     creds.APIKey,
			UserID:     creds.UserID,
			Password:   creds.Password,
			TwoFA:      creds.TwoFA,
			TOTPSecret: creds.TOTPSecret,
			VendorInfo: creds.VendorInfo,
			ClientCode: creds.ClientCode,
		}, logger)

		// A scrip master CSV dropped in the config directory enables
		// order placement; without it only reads work.
		scripPath := filepath.Join(config.DefaultConfigDir(), "scripmaster.csv")
		if _, err := os.Stat(scripPath); err == nil {
			scrips := broker.NewScripMaster()
			if err := scrips.LoadFile(scripPath); err != nil {
				logger.Warn().Err(err).Str("path", scripPath).Msg("Failed to load scrip master")
			} else {
				adapter.SetScripMaster(scrips)
				logger.Debug().Int("scrips", scrips.Len()).Msg("Scrip master loaded")
			}
		}
		return adapter, nil
	}
}

// resolveAccount picks the account a command operates on: the --account
// flag if given, otherwise the first enabled account in config,
// otherwise a default paper account so a fresh install works out of
// the box.
func resolveAccount(app *App, cmd *cobra.Command) (broker.AccountKey, error) {
	accountID, _ := cmd.Flags().GetString("account")
	brokerName, _ := cmd.Flags().GetString("broker")

	if accountID != "" {
		for _, acct := range app.Config.Accounts {
			if acct.ID == accountID {
				if brokerName != "" && brokerName != acct.Broker {
					return broker.AccountKey{AccountID: acct.ID, Broker: models.BrokerID(brokerName)}, nil
				}
				return broker.AccountKey{AccountID: acct.ID, Broker: models.BrokerID(acct.Broker)}, nil
			}
		}
		if brokerName == "" {
			brokerName = app.Config.Trading.DefaultBroker
		}
		return broker.AccountKey{AccountID: accountID, Broker: models.BrokerID(brokerName)}, nil
	}

	if enabled := app.Config.EnabledAccounts(); len(enabled) > 0 {
		acct := enabled[0]
		if brokerName != "" {
			return broker.AccountKey{AccountID: acct.ID, Broker: models.BrokerID(brokerName)}, nil
		}
		return broker.AccountKey{AccountID: acct.ID, Broker: models.BrokerID(acct.Broker)}, nil
	}

	if brokerName == "" {
		brokerName = app.Config.Trading.DefaultBroker
	}
	if brokerName == "" {
		brokerName = string(models.BrokerPaper)
	}
	return broker.AccountKey{AccountID: "default", Broker: models.BrokerID(brokerName)}, nil
}

// accountKeys lists every enabled account as a registry key, falling
// back to the default account when config names none.
func accountKeys(app *App) []broker.AccountKey {
	enabled := app.Config.EnabledAccounts()
	if len(enabled) == 0 {
		brokerName := app.Config.Trading.DefaultBroker
		if brokerName == "" {
			brokerName = string(models.BrokerPaper)
		}
		return []broker.AccountKey{{AccountID: "default", Broker: models.BrokerID(brokerName)}}
	}
	keys := make([]broker.AccountKey, 0, len(enabled))
	for _, acct := range enabled {
		keys = append(keys, broker.AccountKey{AccountID: acct.ID, Broker: models.BrokerID(acct.Broker)})
	}
	return keys
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := NewApp(cfg, logger)
	return newRootCmd(app)
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcube",
		Short: "mCube - multi-broker trading CLI",
		Long: `mCube is a broker-integration CLI for the Indian stock market.

It places orders, syncs positions and margins, and manages sessions
across Zerodha Kite, Motilal Oswal and a built-in paper broker through
one normalized interface.

Use 'mcube help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/mcube)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("account", "", "account id to operate on (default: first enabled account)")
	rootCmd.PersistentFlags().String("broker", "", "broker for the account (kite, motilal, paper)")

	addCoreCommands(rootCmd, app)
	addAuthCommands(rootCmd, app)
	addOrderCommands(rootCmd, app)
	addAccountCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("mCube v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Trading Configuration")
	output.Printf("  Mode:             %s\n", cfg.Trading.Mode)
	output.Printf("  Default Broker:   %s\n", cfg.Trading.DefaultBroker)
	output.Printf("  Default Product:  %s\n", cfg.Trading.DefaultProduct)
	output.Printf("  Default Exchange: %s\n", cfg.Trading.DefaultExchange)
	output.Println()

	output.Bold("Accounts")
	if len(cfg.Accounts) == 0 {
		output.Dim("  none configured, the default paper account is used")
	}
	for _, acct := range cfg.Accounts {
		state := "disabled"
		if acct.Enabled {
			state = "enabled"
		}
		output.Printf("  %s/%s (%s)\n", acct.ID, acct.Broker, state)
	}
	output.Println()

	output.Bold("Risk Limits")
	output.Printf("  Max Qty/Order:    %d\n", cfg.Risk.MaxQuantityPerOrder)
	output.Printf("  Max Order Value:  %s\n", utils.FormatIndianCurrency(decimal.NewFromFloat(cfg.Risk.MaxOrderValue)))
	output.Printf("  Daily Loss Limit: %s\n", utils.FormatIndianCurrency(decimal.NewFromFloat(cfg.Risk.DailyLossLimit)))
	output.Println()

	output.Bold("Security")
	output.Printf("  Read-only Mode:   %v\n", cfg.Security.ReadOnlyMode)
	output.Printf("  Encrypted Store:  %v\n", cfg.Security.EncryptCredentials)
	output.Printf("  Audit Log:        %v\n", cfg.Security.AuditEnabled)
	if cfg.Credentials.Kite.APIKey != "" {
		output.Printf("  Kite API Key:     %s\n", security.MaskCredential(cfg.Credentials.Kite.APIKey))
	}
	if cfg.Credentials.Motilal.APIKey != "" {
		output.Printf("  Motilal API Key:  %s\n", security.MaskCredential(cfg.Credentials.Motilal.APIKey))
	}
	output.Println()

	output.Bold("Persistence")
	output.Printf("  Enabled:          %v\n", cfg.Database.Enabled)
	output.Printf("  Path:             %s\n", cfg.Database.Path)

	return nil
}
