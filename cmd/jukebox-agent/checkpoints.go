package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nerrad567/jukebox-core/internal/checkpoint"
)

func newCheckpointsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and clear transfer checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCommand(ctx))
	cmd.AddCommand(newCheckpointsClearCommand(ctx))
	return cmd
}

func newCheckpointsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List transfer checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No checkpoints")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.ContentID,
					humanize.IBytes(uint64(e.BytesDownloaded)),
					humanize.IBytes(uint64(e.TotalBytes)),
					fmt.Sprintf("%.1f%%", e.Percent()),
					yesNo(e.Completed),
					humanize.Time(e.Timestamp),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Content", "Downloaded", "Total", "Progress", "Complete", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newCheckpointsClearCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [content-id...]",
		Short: "Delete checkpoints and their partial files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name content ids to clear, or pass --all")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.openCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ids := args
			if all {
				entries, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				ids = ids[:0:0]
				for _, e := range entries {
					ids = append(ids, e.ContentID)
				}
			}

			out := cmd.OutOrStdout()
			for _, id := range ids {
				if err := clearCheckpoint(cmd, store, cfg.Transfer.ContentDir, id); err != nil {
					return err
				}
				fmt.Fprintf(out, "Cleared %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Clear every checkpoint")
	return cmd
}

func clearCheckpoint(cmd *cobra.Command, store checkpoint.Store, contentDir, id string) error {
	if filepath.Base(id) != id {
		return fmt.Errorf("invalid content id %q", id)
	}
	if err := store.Delete(cmd.Context(), id); err != nil {
		return fmt.Errorf("deleting checkpoint %s: %w", id, err)
	}
	part := filepath.Join(contentDir, id+".part")
	if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", part, err)
	}
	return nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
