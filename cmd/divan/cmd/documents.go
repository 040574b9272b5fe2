package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/output"
	"github.com/Aman-CERP/divan/internal/store"
)

// PutResult is the JSON output of put and load.
type PutResult struct {
	Key  string `json:"key"`
	Etag int64  `json:"etag"`
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> [json]",
		Short: "Store a document",
		Long: `Store a JSON object under key, replacing any previous version.
The document is read from stdin when no json argument is given.

Keys usually take the form <collection>/<id>; index definitions select
documents by collection.`,
		Example: `  divan put users/1 '{"name":"Oren","city":"Haifa","age":40}'
  cat user.json | divan put users/2`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
			} else {
				var err error
				if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read document from stdin: %w", err)
				}
			}
			data, err := parseDocument(raw)
			if err != nil {
				return err
			}

			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			etag, err := a.store.Put(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			res := PutResult{Key: args[0], Etag: etag}
			return a.out.Result(res, func() {
				a.out.Successf("stored %s (etag %d)", res.Key, res.Etag)
			})
		},
	}
}

// LoadResult is the JSON output of load.
type LoadResult struct {
	Documents []PutResult `json:"documents"`
	LastEtag  int64       `json:"last_etag"`
}

func newLoadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.json>",
		Short: "Store every document of a JSON file",
		Long: `Store documents from a JSON object that maps keys to documents.
Documents are stored in key order. Use "-" to read from stdin.`,
		Example: `  divan load users.json
  # users.json: {"users/1": {"name": "Oren"}, "users/2": {"name": "Dana"}}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return derrors.IOError(fmt.Sprintf("failed to read %s", args[0]), err)
			}

			var docs map[string]store.Entry
			if err := json.Unmarshal(raw, &docs); err != nil {
				return derrors.ValidationError("file must hold a JSON object of key to document", err)
			}
			keys := make([]string, 0, len(docs))
			for k := range docs {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res := LoadResult{Documents: make([]PutResult, 0, len(keys))}
			for i, key := range keys {
				if docs[key] == nil {
					return derrors.ValidationError(fmt.Sprintf("document %s is not a JSON object", key), nil)
				}
				etag, err := a.store.Put(cmd.Context(), key, docs[key])
				if err != nil {
					return fmt.Errorf("store %s: %w", key, err)
				}
				res.Documents = append(res.Documents, PutResult{Key: key, Etag: etag})
				res.LastEtag = etag
				a.out.Progress(i+1, len(keys), key)
			}
			return a.out.Result(res, func() {
				a.out.Successf("stored %d documents (last etag %d)", len(res.Documents), res.LastEtag)
			})
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			doc, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.Result(doc, func() {
				a.out.Header(doc.Key)
				a.out.KeyValue([][2]string{
					{"etag", strconv.FormatInt(doc.Etag, 10)},
					{"modified", doc.Modified.Format("2006-01-02 15:04:05")},
					{"data", output.Fields(doc.Data)},
				})
			})
		},
	}
}

// DeleteResult is the JSON output of delete.
type DeleteResult struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>...",
		Short: "Delete documents",
		Long:  `Delete documents. Indexes drop their entries on the next 'divan index'.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			results := make([]DeleteResult, 0, len(args))
			for _, key := range args {
				deleted, err := a.store.Delete(cmd.Context(), key)
				if err != nil {
					return err
				}
				results = append(results, DeleteResult{Key: key, Deleted: deleted})
			}
			return a.out.Result(results, func() {
				for _, r := range results {
					if r.Deleted {
						a.out.Successf("deleted %s", r.Key)
					} else {
						a.out.Warningf("%s not found", r.Key)
					}
				}
			})
		},
	}
}

// parseDocument decodes a JSON object.
func parseDocument(raw []byte) (store.Entry, error) {
	var data store.Entry
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, derrors.ValidationError("document must be a JSON object", err)
	}
	if data == nil {
		return nil, derrors.ValidationError("document must be a JSON object", nil)
	}
	return data, nil
}
