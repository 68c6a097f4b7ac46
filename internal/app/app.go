package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/config"
)

// Version is stamped at build time
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "mailsync",
	Short:         "Mailbox sync engine",
	Long:          "Keeps Gmail and Outlook mailboxes in sync through push notifications, watch renewal and sender backfill",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (yaml)")
	flags.String("database.driver", "sqlite", "Database driver: sqlite, sqlite3 or pgx")
	flags.String("database.dsn", "data/mailsync.db", "Database file path or connection URL")
	flags.String("log.level", "info", "Log level: debug, info, warn or error")
	flags.String("log.format", "text", "Log format: text or json")

	for _, key := range []string{"database.driver", "database.dsn", "log.level", "log.format"} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(serveCmd, renewCmd, backfillCmd, migrateCmd, cronTokenCmd)
}

func initConfig() {
	v := viper.GetViper()
	config.Prepare(v)

	if path, _ := rootCmd.PersistentFlags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mailsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mailsync")
	}

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", v.ConfigFileUsed())
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// Execute runs the command line
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
