package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/whisperpipe/store"
	"github.com/spf13/cobra"
)

func openJournal() (*store.Journal, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Journal.Path == "" {
		return nil, errors.New("no [Journal] Path configured")
	}
	return store.Open(cfg.Journal.Path)
}

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the envelope journal",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print journaled envelopes in arrival order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Pending()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				env := e.Envelope
				fmt.Fprintf(w, "%s %s %s from %s.%d at %d\n",
					e.ID, e.ReceivedAt.UTC().Format(time.RFC3339), env.Type,
					env.Source.Identifier(), env.SourceDevice, env.Timestamp)
			}
			fmt.Fprintf(w, "%d pending\n", len(entries))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove ID...",
		Short: "Drop journaled envelopes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("entry id %q: %w", a, err)
				}
				ids = append(ids, id)
			}

			j, err := openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			for _, id := range ids {
				if err := j.Remove(id); err != nil {
					return fmt.Errorf("remove %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", len(ids))
			return nil
		},
	})
	return cmd
}
