package main

import (
	"fmt"

	"github.com/nadmax/genwatch/internal/auth"
	"github.com/nadmax/genwatch/internal/cache"
	"github.com/nadmax/genwatch/internal/client"
	"github.com/nadmax/genwatch/internal/config"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

// app carries what every subcommand needs once the config is loaded.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var configFile string

	cmd := &cobra.Command{
		Use:   "genwatch",
		Short: "Track generation jobs and chat with the job service",
		Long: `genwatch submits generation jobs and follows them until they finish,
and runs streaming chat turns against a conversation while keeping a
local cache of the transcript.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file")

	cmd.AddCommand(newSubmitCommand(a))
	cmd.AddCommand(newChatCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	cmd.AddCommand(newClearCacheCommand(a))

	return cmd
}

func (a *app) client() *client.Client {
	return client.New(a.cfg.API.BaseURL, auth.NewStaticSource(a.cfg.API.Token), client.Options{
		Timeout: a.cfg.API.Timeout,
		Logger:  a.logger,
	})
}

func (a *app) openStore() (cache.Store, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisStore(a.cfg.Cache.RedisAddr, a.cfg.Cache.TTL)
	case "sqlite":
		return cache.NewSQLiteStore(a.cfg.Cache.SQLitePath)
	default:
		return cache.NewMemoryStore(), nil
	}
}

func (a *app) reconciler(store cache.Store, conversationID string) *cache.Reconciler {
	return cache.NewReconciler(store, conversationPrefix(conversationID), cache.Options{
		TTL:    a.cfg.Cache.TTL,
		Logger: a.logger,
	})
}

func conversationPrefix(conversationID string) string {
	return fmt.Sprintf("genwatch:conversation:%s", conversationID)
}

func closeStore(store cache.Store, logger logrus.FieldLogger) {
	if err := store.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close cache store")
	}
}
