package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/config"
	"github.com/warp/rent-ledger/logging"
	"github.com/warp/rent-ledger/store/sqlite"
)

var version = "0.1.0"

var (
	cfgFile string
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "rent-ledger",
	Short: "Shop rent invoicing and payment reconciliation",
	Long: `rent-ledger bills market shops monthly, allocates their payments across
open invoices, fines and escalates overdue rent, and keeps an audit trail
of every change.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New(cfgFile)
		return bindFlags(v, cmd.Flags())
	},
}

// bindFlags lets command-line flags override configuration. --port only
// exists on serve.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlag("database.path", flags.Lookup("db")); err != nil {
		return fmt.Errorf("failed to bind --db: %w", err)
	}
	if f := flags.Lookup("port"); f != nil {
		if err := v.BindPFlag("server.port", f); err != nil {
			return fmt.Errorf("failed to bind --port: %w", err)
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("db", "rent.db", "SQLite database path")
}

// app is everything a command needs, built from configuration.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *sqlite.Store
	engine *billing.Engine
}

func newApp() (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format).With(zap.String("app", cfg.App.Name))

	store, err := sqlite.New(cfg.Database.Path, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	engine := billing.New(store, billing.Options{
		Policy: policy,
		Logger: log,
		Actor:  cfg.Billing.Actor,
	})
	return &app{cfg: cfg, log: log, store: store, engine: engine}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database", zap.Error(err))
	}
	a.log.Sync()
}
