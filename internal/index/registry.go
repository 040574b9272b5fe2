package index

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	derrors "github.com/Aman-CERP/divan/internal/errors"
)

// Registry holds the open indexes of a process by name.
type Registry struct {
	mu      sync.RWMutex
	indexes map[string]Indexer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{indexes: make(map[string]Indexer)}
}

// Add registers an index. A name can only be registered once.
func (r *Registry) Add(idx Indexer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.indexes[idx.Name()]; ok {
		return derrors.New(derrors.ErrCodeInvalidDefinition, "index "+idx.Name()+" is already open", nil).
			WithDetail("index", idx.Name())
	}
	r.indexes[idx.Name()] = idx
	return nil
}

// Get returns the index with the given name.
func (r *Registry) Get(name string) (Indexer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.indexes[name]
	if !ok {
		return nil, derrors.IndexNotFoundError(name)
	}
	return idx, nil
}

// All returns every registered index, sorted by name.
func (r *Registry) All() []Indexer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Indexer, 0, len(r.indexes))
	for _, idx := range r.indexes {
		all = append(all, idx)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// Names returns the registered index names, sorted.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, idx := range all {
		names[i] = idx.Name()
	}
	return names
}

// Close closes every index concurrently and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	indexes := r.indexes
	r.indexes = make(map[string]Indexer)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, idx := range indexes {
		g.Go(func() error {
			var err error
			if s, ok := idx.(interface{ Shutdown(context.Context) error }); ok {
				err = s.Shutdown(ctx)
			} else {
				err = idx.Close()
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
