package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facescan/internal/config"
	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/store"
)

var (
	// DB is the database connection shared by subcommands. It stays nil
	// until a command calls connectDB.
	DB *store.Store
	// Cfg is the resolved configuration, loaded before any command runs.
	Cfg *config.Config
	// Logger is the structured log for the process.
	Logger *logging.Logger

	cfgFile string
	v       = config.New()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facescan",
	Short:   "Concurrent face detection over large photo collections",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		Logger, err = logging.Open(Cfg.Logging.File, Cfg.Logging.Level)
		if err != nil {
			return err
		}
		Logger.Debug("configuration loaded", "engine", Cfg.Scan.Engine, "workers", Cfg.Scan.Workers)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		if Logger != nil {
			Logger.Close()
		}
	},
}

// connectDB opens the shared store on first use.
func connectDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	var err error
	DB, err = store.New(ctx, Cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/facescan/facescan.yaml or ./facescan.yaml)")
	flags.String("database-url", "", "PostgreSQL connection string (default: built from POSTGRES_* or postgres://localhost:5432/facescan)")
	flags.String("log-level", logging.LevelWarn, "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Write JSON logs to this file instead of stderr")

	v.BindPFlag("database.url", flags.Lookup("database-url"))
	v.BindPFlag("logging.level", flags.Lookup("log-level"))
	v.BindPFlag("logging.file", flags.Lookup("log-file"))
}
