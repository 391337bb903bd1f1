package main

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/store"
)

const skipConfigLoad = "skipConfigLoad"

type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	configErr  error
	log        *logrus.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.log = config.NewLogger(cfg)
	})
	return c.config, c.configErr
}

// openStore connects to the database and applies the schema when auto
// migration is enabled.
func (c *commandContext) openStore(cmd *cobra.Command) (*store.Store, error) {
	st, err := store.Open(c.config, c.log)
	if err != nil {
		return nil, err
	}
	if c.config.DBAutoMigrate {
		if err := st.Migrate(cmd.Context()); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "recapgw",
		Short:         "RecapFlow API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRelayCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newTenantCommand(ctx))
	rootCmd.AddCommand(newUserCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	rootCmd.AddCommand(newOutboxCommand(ctx))
	rootCmd.AddCommand(newHealthcheckCommand())

	return rootCmd
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigLoad] == "true" {
			return true
		}
	}
	return false
}
