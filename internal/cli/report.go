package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/series"
	"github.com/wesleyorama2/lagwatch/internal/storage/sqlite"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

// storedReport is everything a previous run persisted.
type storedReport struct {
	Series     map[string][]series.Sample  `json:"series"`
	Stalls     []watchdog.StallEvent       `json:"stalls"`
	Violations []guard.Violation           `json:"violations"`
	Stats      []instrument.ComponentStats `json:"stats"`
	StatsAt    *time.Time                  `json:"statsAt,omitempty"`
}

func newReportCmd() *cobra.Command {
	var (
		db    string
		query string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print persisted history as JSON",
		Long: `Print everything a previous run saved as a JSON document, optionally reduced
with a gjson path.

  lagwatch report --db lagwatch.db
  lagwatch report --db lagwatch.db --query 'stalls.#'
  lagwatch report --db lagwatch.db --query 'stats.#(module=="lagger").max'
  lagwatch report --db lagwatch.db --query 'stalls.0.frames.#.function'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.Open(db)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := loadStoredReport(cmd.Context(), store, limit)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(r, "", "  ")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if query == "" {
				fmt.Fprintln(out, string(data))
				return nil
			}

			res := gjson.GetBytes(data, query)
			if !res.Exists() {
				return fmt.Errorf("query %q matched nothing", query)
			}
			fmt.Fprintln(out, res.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "lagwatch.db", "SQLite file written by a previous run")
	cmd.Flags().StringVarP(&query, "query", "q", "", "gjson path applied to the report")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Newest entries per series, stalls and violations")
	return cmd
}

func loadStoredReport(ctx context.Context, store *sqlite.Store, limit int) (*storedReport, error) {
	r := &storedReport{Series: make(map[string][]series.Sample)}

	names, err := store.SeriesNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if r.Series[name], err = store.ListSamples(ctx, name, limit); err != nil {
			return nil, err
		}
	}

	if r.Stalls, err = store.ListStalls(ctx, limit); err != nil {
		return nil, err
	}
	if r.Violations, err = store.ListViolations(ctx, limit); err != nil {
		return nil, err
	}

	stats, at, err := store.LatestStats(ctx)
	if err != nil {
		return nil, err
	}
	r.Stats = stats
	if !at.IsZero() {
		r.StatsAt = &at
	}
	return r, nil
}
