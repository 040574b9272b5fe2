package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/divan/internal/store"
)

// byCity maps each user to its city; reduceCount counts users per city.
var (
	byCity = MapFunc(func(d store.Entry) ([]store.Entry, error) {
		city, _ := d["city"].(string)
		return []store.Entry{{store.ReduceKeyField: city, "city": city, "count": 1.0}}, nil
	})
	reduceCount = ReduceFunc(func(key string, mapped []store.Entry) (store.Entry, error) {
		total := 0.0
		for _, e := range mapped {
			n, _ := e["count"].(float64)
			total += n
		}
		return store.Entry{"city": key, "count": total}, nil
	})
)

func openTestMapReduceIndex(t *testing.T, backend store.Backend) *MapReduceIndex {
	t.Helper()
	idx, err := OpenMapReduceIndex(context.Background(), Options{
		Name:    "UsersByCity",
		Backend: string(backend),
	}, byCity, reduceCount)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func cityCounts(t *testing.T, idx Indexer) map[string]float64 {
	t.Helper()
	results, err := idx.QueryAll(context.Background(), &IndexQuery{PageSize: 100, FieldsToFetch: []string{"city", "count"}})
	require.NoError(t, err)
	counts := make(map[string]float64, len(results))
	for _, r := range results {
		assert.Empty(t, r.Key)
		counts[r.Projection["city"].(string)] = r.Projection["count"].(float64)
	}
	return counts
}

func TestMapReduceIndex_CountsPerKey(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			idx := openTestMapReduceIndex(t, backend)
			actions, sink := newMemActions(), &memSink{}

			// Given: four users in two cities
			docs := []store.Entry{
				doc("users/1", "city", "Haifa"),
				doc("users/2", "city", "Haifa"),
				doc("users/3", "city", "Paris"),
				doc("users/4", "city", "Haifa"),
			}

			// When: indexing them
			require.NoError(t, idx.IndexDocuments(ctx, docs, sink, actions))

			// Then: one reduced entry per city
			assert.Equal(t, map[string]float64{"Haifa": 3, "Paris": 1}, cityCounts(t, idx))
			assert.Empty(t, sink.Records())
			assert.Equal(t, KindMapReduce, idx.Kind())

			// When: a user moves and another is removed
			require.NoError(t, idx.IndexDocuments(ctx, []store.Entry{doc("users/4", "city", "Paris")}, sink, actions))
			require.NoError(t, idx.Remove(ctx, []string{"users/3"}, sink, actions))

			// Then: both affected keys are re-reduced
			assert.Equal(t, map[string]float64{"Haifa": 2, "Paris": 1}, cityCounts(t, idx))

			// When: the last user of a city goes away
			require.NoError(t, idx.Remove(ctx, []string{"users/4"}, sink, actions))

			// Then: the city disappears
			assert.Equal(t, map[string]float64{"Haifa": 2}, cityCounts(t, idx))
		})
	}
}

func TestMapReduceIndex_MissingReduceKeyIsReported(t *testing.T) {
	ctx := context.Background()
	noKey := MapFunc(func(d store.Entry) ([]store.Entry, error) {
		return []store.Entry{{"city": d["city"]}}, nil
	})
	idx, err := OpenMapReduceIndex(ctx, Options{Name: "Broken"}, noKey, reduceCount)
	require.NoError(t, err)
	defer idx.Close()
	sink := &memSink{}

	require.NoError(t, idx.IndexDocuments(ctx, []store.Entry{doc("users/1", "city", "Haifa")}, sink, newMemActions()))

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "users/1", records[0].DocumentID)
	assert.Contains(t, records[0].Message, store.ReduceKeyField)
}

func TestMapReduceIndex_RequiresBothFunctions(t *testing.T) {
	_, err := OpenMapReduceIndex(context.Background(), Options{Name: "x"}, byCity, nil)
	assert.Error(t, err)
	_, err = OpenMapIndex(context.Background(), Options{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestMapReduceIndex_NarrowProjectionKeepsEveryEntry(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			idx := openTestMapReduceIndex(t, backend)

			// Given: three reduced entries, none carrying a document id
			indexDocs(t, idx,
				doc("users/1", "city", "Haifa"),
				doc("users/2", "city", "Paris"),
				doc("users/3", "city", "Rome"),
				doc("users/4", "city", "Haifa"),
			)

			// When: fetching fewer than two fields
			for _, fields := range [][]string{nil, {"city"}} {
				var total int
				results, err := idx.QueryAll(ctx, &IndexQuery{PageSize: 10, FieldsToFetch: fields, TotalSize: &total})
				require.NoError(t, err)

				// Then: nothing is treated as a duplicate
				assert.Equal(t, 3, total)
				assert.Len(t, results, 3, "fields=%v", fields)
			}

			results, err := idx.QueryAll(ctx, &IndexQuery{PageSize: 10, FieldsToFetch: []string{"city"}})
			require.NoError(t, err)
			cities := make([]string, 0, len(results))
			for _, r := range results {
				cities = append(cities, r.Projection["city"].(string))
			}
			assert.ElementsMatch(t, []string{"Haifa", "Paris", "Rome"}, cities)
		})
	}
}
