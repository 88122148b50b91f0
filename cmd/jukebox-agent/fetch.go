package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nerrad567/jukebox-core/internal/transfer"
)

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var digest string

	cmd := &cobra.Command{
		Use:   "fetch <content-id> <url>",
		Short: "Download one content item, resuming from any checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := ctx.logger()
			transfers, store, err := ctx.newTransferManager(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer func() {
				transfers.Close()
				_ = store.Close()
			}()

			out := cmd.OutOrStdout()
			lastDecile := -1
			res, err := transfers.Download(cmd.Context(), transfer.Request{
				ContentID: args[0],
				URL:       args[1],
				Digest:    digest,
				Progress: func(p transfer.Progress) {
					if decile := int(p.Percent) / 10; decile != lastDecile {
						lastDecile = decile
						fmt.Fprintf(out, "%5.1f%%  %s / %s\n", p.Percent,
							humanize.IBytes(uint64(p.BytesCompleted)), humanize.IBytes(uint64(p.TotalBytes)))
					}
				},
			})
			if err != nil {
				return fmt.Errorf("fetching %s: %w", args[0], err)
			}

			switch {
			case res.Existing:
				fmt.Fprintf(out, "Already present: %s\n", res.Path)
			case res.ResumedFrom > 0:
				fmt.Fprintf(out, "Downloaded %s (resumed from %s): %s\n",
					humanize.IBytes(uint64(res.Bytes)), humanize.IBytes(uint64(res.ResumedFrom)), res.Path)
			default:
				fmt.Fprintf(out, "Downloaded %s: %s\n", humanize.IBytes(uint64(res.Bytes)), res.Path)
			}
			fmt.Fprintf(out, "Digest: %s\n", res.Digest)
			return nil
		},
	}
	cmd.Flags().StringVar(&digest, "digest", "", "Expected content digest (hex)")
	return cmd
}
