package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/possel-client/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "possel-client",
		Short:         "Terminal client that mirrors a possel chat session",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newLoginCommand(), newLogoutCommand(), newSendCommand(), newJoinCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("server", defaults.GetString("server.base_url"), "possel server base URL")
	flags.String("push-url", defaults.GetString("push.url"), "Push endpoint URL (derived from --server when empty)")
	flags.String("database-path", defaults.GetString("session.database_path"), "SQLite file holding the session token and transcript")
	flags.String("username", defaults.GetString("session.username"), "Username for automatic login")
	flags.Int("backfill-window", defaults.GetInt("backfill.window"), "Number of line ids pulled before the last line at startup")
	flags.Int("resolve-workers", defaults.GetInt("resolve.workers"), "Concurrent REST resolutions")
	flags.Duration("resolve-timeout", defaults.GetDuration("resolve.timeout"), "Timeout of a single REST resolution attempt")
	flags.String("view-address", defaults.GetString("view.address"), "Address of the local view server (disabled when empty)")
	flags.Bool("transcript", defaults.GetBool("transcript.enabled"), "Archive rendered lines in the local database")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (console, json)")

	bindFlag(cmd, "server.base_url", "server")
	bindFlag(cmd, "push.url", "push-url")
	bindFlag(cmd, "session.database_path", "database-path")
	bindFlag(cmd, "session.username", "username")
	bindFlag(cmd, "backfill.window", "backfill-window")
	bindFlag(cmd, "resolve.workers", "resolve-workers")
	bindFlag(cmd, "resolve.timeout", "resolve-timeout")
	bindFlag(cmd, "view.address", "view-address")
	bindFlag(cmd, "transcript.enabled", "transcript")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("possel-client")
		viper.AddConfigPath(".")
		if home, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(home + "/possel-client")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
