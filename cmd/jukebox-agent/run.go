package main

import (
	"github.com/spf13/cobra"

	"github.com/nerrad567/jukebox-core/internal/agent"
	"github.com/nerrad567/jukebox-core/internal/retry"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the control plane and serve until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.logger()
			log.Info("starting jukebox agent", "version", version, "commit", commit, "server", cfg.Agent.ServerURL)

			transfers, store, err := ctx.newTransferManager(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer func() {
				transfers.Close()
				if err := store.Close(); err != nil {
					log.Error("closing checkpoint store", "error", err)
				}
			}()

			a, err := agent.New(agent.Options{
				ServerURL: cfg.Agent.ServerURL,
				Token:     cfg.Agent.Token,
				Name:      cfg.Agent.Name,
				Transfers: transfers,
				Dir:       cfg.Transfer.ContentDir,
				Retry: retry.New(retry.Config{
					InitialDelay: cfg.GetRetryInitialDelay(),
					MaxDelay:     cfg.GetRetryMaxDelay(),
				}),
				Logger: log,
			})
			if err != nil {
				return err
			}

			if err := a.Run(cmd.Context()); err != nil {
				return err
			}
			log.Info("jukebox agent stopped")
			return nil
		},
	}
}
