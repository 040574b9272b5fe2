package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/indexing"
	"github.com/Aman-CERP/divan/internal/store"
)

// IndexOutput is the JSON output of the index command.
type IndexOutput struct {
	*indexing.RunResult
	Reset  []string                 `json:"reset,omitempty"`
	Errors []indexing.IndexingError `json:"errors,omitempty"`
}

func newIndexCmd(opts *rootOptions) *cobra.Command {
	var reset []string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Bring every index up to date",
		Long: `Run one indexing pass: every configured index receives the documents
stored or deleted since it last ran. Documents that fail to index are
skipped and reported; they do not stop the pass.

--reset drops an index's entries and counters first so it is rebuilt from
every stored document.`,
		Example: `  divan index
  divan index --reset UsersByCity`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			for _, name := range reset {
				if _, err := a.definition(name); err != nil {
					return err
				}
				dir := filepath.Join(a.cfg.IndexesDir(), name)
				err := store.Reset(ctx, dir, derrors.DefaultRetryConfig(), func() error {
					return a.store.ResetIndex(ctx, name)
				})
				if err != nil {
					return err
				}
				a.logger.Info("index_reset", slog.String("index", name))
			}

			if err := a.openIndexes(ctx); err != nil {
				return err
			}

			exec, err := indexing.NewExecuter(indexing.ExecuterDependencies{
				Source:   a.store,
				Registry: a.indexes,
				Work:     a.work,
				Logger:   a.logger,
				Metrics:  a.metrics,
			}, indexing.ExecuterConfig{
				Workers:   a.cfg.Indexing.Workers,
				BatchSize: a.cfg.Indexing.BatchSize,
			})
			if err != nil {
				return err
			}

			result, runErr := exec.Run(ctx)
			res := IndexOutput{RunResult: result, Reset: reset, Errors: a.work.Errors()}
			if err := a.out.Result(res, func() { printIndexRun(a, res) }); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVar(&reset, "reset", nil, "Rebuild these indexes from scratch")
	return cmd
}

func printIndexRun(a *app, res IndexOutput) {
	if len(res.Indexes) == 0 {
		a.out.Warning("no indexes configured; add some to .divan.yaml")
		return
	}

	rows := make([][]string, 0, len(res.Indexes))
	for _, run := range res.Indexes {
		status := "ok"
		if run.Error != "" {
			status = "failed"
		}
		rows = append(rows, []string{
			run.Index,
			strconv.Itoa(run.Documents),
			strconv.Itoa(run.Deleted),
			strconv.FormatInt(run.Failures, 10),
			strconv.FormatInt(run.LastEtag, 10),
			status,
		})
	}
	a.out.Table([]string{"INDEX", "DOCUMENTS", "DELETED", "FAILURES", "ETAG", "STATUS"}, rows)

	for _, e := range res.Errors {
		a.out.Warningf("%s: %s: %s", e.Index, e.DocumentID, e.Message)
	}
	for _, run := range res.Indexes {
		if run.Error != "" {
			a.out.Errorf("%s: %s", run.Index, run.Error)
		}
	}
	a.out.Dim(fmt.Sprintf("completed in %s", res.Duration))
}
