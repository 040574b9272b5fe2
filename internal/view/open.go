package view

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Aman-CERP/divan/internal/index"
)

// Open validates d and opens its index. base supplies the shared options;
// when base.Path is set the index lives in base.Path/<name>.
func Open(ctx context.Context, d Definition, base index.Options) (index.Indexer, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	opts := base
	opts.Name = d.Name
	opts.Mapping = d.Mapping()
	if base.Path != "" {
		opts.Path = filepath.Join(base.Path, d.Name)
	}

	if d.IsMapReduce() {
		return index.OpenMapReduceIndex(ctx, opts, d.MapFunc(), d.ReduceFunc())
	}
	return index.OpenMapIndex(ctx, opts, d.MapFunc())
}

// OpenAll opens every definition into a new registry. On failure the
// indexes opened so far are closed.
func OpenAll(ctx context.Context, defs []Definition, base index.Options) (*index.Registry, error) {
	reg := index.NewRegistry()
	for _, d := range defs {
		idx, err := Open(ctx, d, base)
		if err == nil {
			err = reg.Add(idx)
			if err != nil {
				_ = idx.Close()
			}
		}
		if err != nil {
			_ = reg.Close(ctx)
			return nil, fmt.Errorf("open index %s: %w", d.Name, err)
		}
	}
	return reg, nil
}
