package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/divan/internal/storage"
)

// StatsOutput is the JSON output of the stats command.
type StatsOutput struct {
	Documents int64                 `json:"documents"`
	LastEtag  int64                 `json:"last_etag"`
	Indexes   []IndexStats          `json:"indexes"`
	Errors    []storage.ErrorRecord `json:"errors"`
}

// IndexStats is the persisted state of one configured index.
type IndexStats struct {
	storage.IndexingStats
	Kind    string `json:"kind"`
	Backlog int64  `json:"backlog"`
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		errorLimit int
		metrics    bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show indexing counters and recent errors",
		Long: `Show, per configured index, how many documents were attempted, indexed
and failed, how far the index has read the document feed, and the most
recent indexing errors.

--metrics prints the Prometheus metrics of this process instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.open(cmd, metrics)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if metrics {
				return writeMetrics(cmd.OutOrStdout(), a.gatherer)
			}

			var res StatsOutput
			if res.Documents, err = a.store.CountDocuments(ctx); err != nil {
				return err
			}
			if res.LastEtag, err = a.store.LastEtag(ctx); err != nil {
				return err
			}
			for _, d := range a.cfg.Indexes {
				st, err := a.store.Stats(ctx, d.Name)
				if err != nil {
					return err
				}
				kind := "map"
				if d.IsMapReduce() {
					kind = "map-reduce"
				}
				res.Indexes = append(res.Indexes, IndexStats{
					IndexingStats: st,
					Kind:          kind,
					Backlog:       res.LastEtag - st.LastIndexedEtag,
				})
			}
			if res.Errors, err = a.store.RecentErrors(ctx, errorLimit); err != nil {
				return err
			}
			if res.Errors == nil {
				res.Errors = []storage.ErrorRecord{}
			}

			return a.out.Result(res, func() { printStats(a, res) })
		},
	}

	cmd.Flags().IntVar(&errorLimit, "errors", 10, "Number of recent errors to show")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "Print Prometheus metrics in text format")
	return cmd
}

func printStats(a *app, res StatsOutput) {
	a.out.KeyValue([][2]string{
		{"documents", strconv.FormatInt(res.Documents, 10)},
		{"last etag", strconv.FormatInt(res.LastEtag, 10)},
	})
	a.out.Newline()

	if len(res.Indexes) == 0 {
		a.out.Warning("no indexes configured")
	} else {
		rows := make([][]string, 0, len(res.Indexes))
		for _, st := range res.Indexes {
			last := "never"
			if !st.LastIndexedAt.IsZero() {
				last = st.LastIndexedAt.Format("2006-01-02 15:04:05")
			}
			rows = append(rows, []string{
				st.Index,
				st.Kind,
				strconv.FormatInt(st.Attempts, 10),
				strconv.FormatInt(st.Successes, 10),
				strconv.FormatInt(st.Failures, 10),
				strconv.FormatInt(st.Backlog, 10),
				last,
			})
		}
		a.out.Table([]string{"INDEX", "KIND", "ATTEMPTS", "SUCCESSES", "FAILURES", "BACKLOG", "LAST INDEXED"}, rows)
	}

	if len(res.Errors) > 0 {
		a.out.Newline()
		a.out.Header("Recent errors")
		for _, e := range res.Errors {
			a.out.Warningf("%s %s: %s: %s", e.Timestamp.Format("15:04:05"), e.Index, e.DocumentID, e.Message)
		}
	}
}

// writeMetrics writes every gathered metric family in the Prometheus text
// exposition format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
