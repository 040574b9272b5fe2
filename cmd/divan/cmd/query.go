package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/output"
)

// QueryOutput is the JSON output of the query command.
type QueryOutput struct {
	Index    string                   `json:"index"`
	Query    string                   `json:"query"`
	Start    int                      `json:"start"`
	PageSize int                      `json:"page_size"`
	Total    int                      `json:"total"`
	Results  []index.IndexQueryResult `json:"results"`
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		start    int
		pageSize int
		sorts    []string
		fields   []string
	)

	cmd := &cobra.Command{
		Use:   "query <index> [query]",
		Short: "Query an index",
		Long: `Query an index with a query string. An empty query matches every entry.

Results are ranked by relevance unless --sort is given. A sort key is
[-]field[:type], where a leading '-' sorts descending and type is string
(default), number or date.

With fewer than two --fields, entries of the same document are collapsed
into one result.`,
		Example: `  divan query Users 'city:Haifa'
  divan query Users --sort -age:number --page-size 10
  divan query UsersByCity --fields city,count`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var queryStr string
			if len(args) == 2 {
				queryStr = args[1]
			}

			var sorted []index.SortedField
			for _, s := range sorts {
				sf, err := index.ParseSortedField(s)
				if err != nil {
					return err
				}
				sorted = append(sorted, sf)
			}

			a, err := opts.open(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			idx, err := a.indexes.Get(args[0])
			if err != nil {
				return err
			}

			res := QueryOutput{
				Index:    idx.Name(),
				Query:    queryStr,
				Start:    max(start, 0),
				PageSize: a.cfg.PageSize(pageSize),
			}
			res.Results, err = idx.QueryAll(cmd.Context(), &index.IndexQuery{
				Query:         queryStr,
				Start:         res.Start,
				PageSize:      res.PageSize,
				SortedFields:  sorted,
				FieldsToFetch: fields,
				TotalSize:     &res.Total,
			})
			if err != nil {
				return err
			}
			if res.Results == nil {
				res.Results = []index.IndexQueryResult{}
			}
			a.logger.Debug("query_completed",
				slog.String("index", res.Index),
				slog.String("query", queryStr),
				slog.Int("total", res.Total),
				slog.Int("returned", len(res.Results)))

			return a.out.Result(res, func() { printQuery(a.out, res) })
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "Rank of the first result")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Maximum results (default index.default_page_size)")
	cmd.Flags().StringArrayVar(&sorts, "sort", nil, "Sort key [-]field[:type], repeatable")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to fetch (comma separated)")
	return cmd
}

func printQuery(out *output.Writer, res QueryOutput) {
	for _, r := range res.Results {
		key := r.Key
		if key == "" {
			key = "-"
		}
		out.Status(key, output.Fields(r.Projection))
	}
	if len(res.Results) == 0 {
		out.Dim("no results")
	}
	out.Dim(fmt.Sprintf("%d of %d (start %d)", len(res.Results), res.Total, res.Start))
	if strings.TrimSpace(res.Query) == "" {
		out.Dim("empty query matched all entries")
	}
}
