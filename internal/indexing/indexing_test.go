package indexing

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/storage"
	"github.com/Aman-CERP/divan/internal/store"
	"github.com/Aman-CERP/divan/internal/telemetry"
	"github.com/Aman-CERP/divan/internal/view"
)

type fixture struct {
	source   *storage.Store
	registry *index.Registry
	work     *WorkContext
	metrics  *telemetry.Metrics
	exec     *Executer
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	ctx := context.Background()

	source, err := storage.Open(storage.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })

	metrics := telemetry.New(prometheus.NewRegistry())
	registry, err := view.OpenAll(ctx, []view.Definition{
		{
			Name: "Users",
			Map:  view.MapDefinition{Collection: "users", Required: []string{"name"}},
			Sort: map[string]store.SortType{"age": store.SortNumber},
		},
		{
			Name:   "UsersByCity",
			Map:    view.MapDefinition{Collection: "users"},
			Reduce: &view.ReduceDefinition{GroupBy: []string{"city"}},
		},
	}, index.Options{Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(ctx) })

	work := NewWorkContext(nil, metrics)
	exec, err := NewExecuter(ExecuterDependencies{
		Source:   source,
		Registry: registry,
		Work:     work,
		Metrics:  metrics,
	}, ExecuterConfig{Workers: 2, BatchSize: batchSize})
	require.NoError(t, err)

	return &fixture{source: source, registry: registry, work: work, metrics: metrics, exec: exec}
}

func (f *fixture) put(t *testing.T, key string, data store.Entry) {
	t.Helper()
	_, err := f.source.Put(context.Background(), key, data)
	require.NoError(t, err)
}

func (f *fixture) total(t *testing.T, name string) int {
	t.Helper()
	idx, err := f.registry.Get(name)
	require.NoError(t, err)
	var total int
	_, err = idx.QueryAll(context.Background(), &index.IndexQuery{PageSize: 100, TotalSize: &total})
	require.NoError(t, err)
	return total
}

func TestExecuter_IndexesNewDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	// Given: five users, one missing its name, and an unrelated document
	f.put(t, "users/1", store.Entry{"name": "Oren", "city": "Haifa", "age": 40})
	f.put(t, "users/2", store.Entry{"name": "Ayende", "city": "Haifa", "age": 35})
	f.put(t, "users/3", store.Entry{"city": "Paris"})
	f.put(t, "users/4", store.Entry{"name": "Dana", "city": "Paris", "age": 28})
	f.put(t, "orders/1", store.Entry{"total": 10})

	// When: running the executer
	result, err := f.exec.Run(ctx)
	require.NoError(t, err)

	// Then: every index saw every change, in batches
	require.Len(t, result.Indexes, 2)
	for _, run := range result.Indexes {
		assert.Equal(t, 5, run.Documents, run.Index)
		assert.Equal(t, int64(5), run.LastEtag, run.Index)
		assert.Empty(t, run.Error)
	}

	// And: the bad user is skipped and reported, the rest are indexed
	assert.Equal(t, 3, f.total(t, "Users"))
	errs := f.work.ErrorsFor("Users")
	require.Len(t, errs, 1)
	assert.Equal(t, "users/3", errs[0].DocumentID)
	assert.Contains(t, errs[0].Message, "name")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexingErrors.WithLabelValues("Users")))

	// And: the reduce index has one entry per city
	assert.Equal(t, 2, f.total(t, "UsersByCity"))

	st, err := f.source.Stats(ctx, "Users")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, int64(3), st.Successes)
	assert.Equal(t, int64(5), st.LastIndexedEtag)

	// And: the error outlives the run
	stored, err := f.source.RecentErrors(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Users", stored[0].Index)
	assert.Equal(t, "users/3", stored[0].DocumentID)
	assert.Empty(t, f.work.TakePending())
}

func TestExecuter_IsIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	f.put(t, "users/1", store.Entry{"name": "Oren", "city": "Haifa"})
	_, err := f.exec.Run(ctx)
	require.NoError(t, err)

	// When: nothing changed
	result, err := f.exec.Run(ctx)
	require.NoError(t, err)

	// Then: nothing is indexed again
	for _, run := range result.Indexes {
		assert.Zero(t, run.Documents)
	}

	// When: a user is added and the first one deleted
	f.put(t, "users/2", store.Entry{"name": "Dana", "city": "Paris"})
	_, err = f.source.Delete(ctx, "users/1")
	require.NoError(t, err)
	result, err = f.exec.Run(ctx)
	require.NoError(t, err)

	// Then: the delete is applied to both indexes
	for _, run := range result.Indexes {
		assert.Equal(t, 1, run.Documents)
		assert.Equal(t, 1, run.Deleted)
	}
	assert.Equal(t, 1, f.total(t, "Users"))
	assert.Equal(t, 1, f.total(t, "UsersByCity"))
}

func TestExecuter_ReportsIndexFailureWithoutStoppingOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.put(t, "users/1", store.Entry{"name": "Oren"})

	// Given: one index closed underneath the executer
	users, err := f.registry.Get("Users")
	require.NoError(t, err)
	require.NoError(t, users.Close())

	// When: running
	result, err := f.exec.Run(ctx)

	// Then: the closed index fails, the other is indexed
	require.Error(t, err)
	byName := map[string]IndexRun{}
	for _, run := range result.Indexes {
		byName[run.Index] = run
	}
	assert.NotEmpty(t, byName["Users"].Error)
	assert.Empty(t, byName["UsersByCity"].Error)
	assert.Equal(t, 1, byName["UsersByCity"].Documents)

	st, err := f.source.Stats(ctx, "Users")
	require.NoError(t, err)
	assert.Zero(t, st.LastIndexedEtag)
}

func TestExecuter_RetriesFailedReduceFromCommittedState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	source, err := storage.Open(storage.MemoryPath, nil)
	require.NoError(t, err)
	defer source.Close()

	registry, err := view.OpenAll(ctx, []view.Definition{{
		Name:   "UsersByCity",
		Map:    view.MapDefinition{Collection: "users"},
		Reduce: &view.ReduceDefinition{GroupBy: []string{"city"}},
	}}, index.Options{Path: dir})
	require.NoError(t, err)
	defer registry.Close(ctx)

	exec, err := NewExecuter(ExecuterDependencies{
		Source:   source,
		Registry: registry,
		Work:     NewWorkContext(nil, nil),
	}, ExecuterConfig{Workers: 1})
	require.NoError(t, err)

	// Given: two users in Haifa, indexed
	_, err = source.Put(ctx, "users/1", store.Entry{"city": "Haifa"})
	require.NoError(t, err)
	_, err = source.Put(ctx, "users/2", store.Entry{"city": "Haifa"})
	require.NoError(t, err)
	_, err = exec.Run(ctx)
	require.NoError(t, err)

	// When: users/2 moves to Paris while another writer holds the index lock
	_, err = source.Put(ctx, "users/2", store.Entry{"city": "Paris"})
	require.NoError(t, err)
	lock := store.NewWriteLock(filepath.Join(dir, "UsersByCity"))
	require.NoError(t, lock.TryLock())
	_, err = exec.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, derrors.ErrCodeIndexLocked, derrors.GetCode(err))

	st, err := source.Stats(ctx, "UsersByCity")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastIndexedEtag)

	// And: the batch is retried once the lock is free
	require.NoError(t, lock.Unlock())
	_, err = exec.Run(ctx)
	require.NoError(t, err)

	// Then: both cities carry the current counts
	idx, err := registry.Get("UsersByCity")
	require.NoError(t, err)
	results, err := idx.QueryAll(ctx, &index.IndexQuery{PageSize: 10, FieldsToFetch: []string{"city", "count"}})
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, r := range results {
		city, _ := r.Projection["city"].(string)
		counts[city], _ = r.Projection["count"].(float64)
	}
	assert.Equal(t, map[string]float64{"Haifa": 1, "Paris": 1}, counts)
}

func TestNewExecuter_RequiresDependencies(t *testing.T) {
	_, err := NewExecuter(ExecuterDependencies{}, ExecuterConfig{})
	assert.Error(t, err)
}

func TestWorkContext_KeepsRecentErrors(t *testing.T) {
	w := NewWorkContext(nil, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	w.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := range MaxRecentErrors + 10 {
		name := "A"
		if i%2 == 1 {
			name = "B"
		}
		w.AddError(name, fmt.Sprintf("docs/%d", i), "boom")
	}

	all := w.Errors()
	require.Len(t, all, MaxRecentErrors)
	assert.Equal(t, "docs/10", all[0].DocumentID)
	assert.Equal(t, fmt.Sprintf("docs/%d", MaxRecentErrors+9), all[len(all)-1].DocumentID)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp))
	assert.Len(t, w.ErrorsFor("A"), MaxRecentErrors/2)
}

func TestWorkContext_TakePendingDrains(t *testing.T) {
	w := NewWorkContext(nil, nil)
	w.AddError("Users", "users/1", "boom")
	w.AddError("Users", "users/2", "bang")

	pending := w.TakePending()
	require.Len(t, pending, 2)
	assert.Equal(t, "users/1", pending[0].DocumentID)
	assert.Empty(t, w.TakePending())

	// recent errors are not drained
	assert.Len(t, w.Errors(), 2)
}
