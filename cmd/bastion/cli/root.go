package cli

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/bastion/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootOptions carries the persistent flags and the viper instance every
// subcommand loads its configuration from.
type rootOptions struct {
	cfgFile       string
	migrationsDir string
	v             *viper.Viper
}

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	return newRootCmd(version, commit, date).Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "bastion",
		Short: "API-token authentication for HTTP services",
		Long: `Bastion issues, authenticates and revokes prefixed API tokens.

It serves an HTTP API guarded by token scopes and environments, records an
audit trail, and signs webhook payloads. The same binary administers tokens
from the command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./bastion.yaml)")
	cmd.PersistentFlags().StringVar(&opts.migrationsDir, "migrations", app.MigrationsDir, "PostgreSQL migrations directory")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newTokenCmd(opts))
	cmd.AddCommand(newPruneCmd(opts))
	cmd.AddCommand(newWebhookCmd(opts))

	return cmd
}

// initConfig reads the optional config file. Environment variables still
// take precedence over its values.
func (o *rootOptions) initConfig() error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
		if err := o.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", o.cfgFile, err)
		}
		return nil
	}

	o.v.SetConfigName("bastion")
	o.v.SetConfigType("yaml")
	o.v.AddConfigPath(".")
	o.v.AddConfigPath("$HOME/.bastion")

	var notFound viper.ConfigFileNotFoundError
	if err := o.v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
