package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/lagwatch/internal/output"
	"github.com/wesleyorama2/lagwatch/internal/storage/sqlite"
)

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var (
		db    string
		name  string
		limit int
		list  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a persisted tick-rate or latency series",
		Long: `Print samples saved by a lagwatch run.

  lagwatch history --db lagwatch.db --series tps --limit 60
  lagwatch history --db lagwatch.db --series ping:player-1
  lagwatch history --db lagwatch.db --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.Open(db)
			if err != nil {
				return err
			}
			defer store.Close()

			if list {
				names, err := store.SeriesNames(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}

			samples, err := store.ListSamples(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			output.NewConsole(output.ConsoleConfig{Writer: cmd.OutOrStdout(), NoColor: g.noColor}).
				PrintHistory(name, samples)
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "lagwatch.db", "SQLite file written by a previous run")
	cmd.Flags().StringVarP(&name, "series", "s", "tps", "Series name: tps or ping:<entity>")
	cmd.Flags().IntVarP(&limit, "limit", "n", 60, "Newest samples to show")
	cmd.Flags().BoolVar(&list, "list", false, "List stored series names")
	return cmd
}
