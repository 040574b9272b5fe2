package view

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/store"
)

// MapFunc returns the map function of the definition.
//
// For a map-reduce definition each entry carries the group-by fields, the
// summed fields, a count of 1, and the encoded group as __reduce_key.
func (d *Definition) MapFunc() index.IndexingFunc {
	return index.MapFunc(func(doc store.Entry) ([]store.Entry, error) {
		if !d.matchesCollection(doc) {
			return nil, nil
		}
		for _, f := range d.Map.Required {
			if _, ok := lookup(doc, f); !ok {
				return nil, fmt.Errorf("required field %s is missing", f)
			}
		}

		entry := d.project(doc)
		if d.Reduce == nil {
			return []store.Entry{entry}, nil
		}

		out := store.Entry{}
		group := make([]any, len(d.Reduce.GroupBy))
		for i, f := range d.Reduce.GroupBy {
			v, _ := lookup(doc, f)
			group[i] = v
			out[f] = v
		}
		for _, f := range d.Reduce.Sum {
			v, ok := lookup(doc, f)
			if !ok {
				continue
			}
			n, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("field %s is not numeric", f)
			}
			out[f] = n
		}
		key, err := reduceKey(group)
		if err != nil {
			return nil, err
		}
		out[store.ReduceKeyField] = key
		out[d.Reduce.countField()] = 1.0
		return []store.Entry{out}, nil
	})
}

// ReduceFunc returns the reduce function, or nil for a map-only definition.
func (d *Definition) ReduceFunc() index.IndexingFunc {
	if d.Reduce == nil {
		return nil
	}
	r := d.Reduce
	return index.ReduceFunc(func(key string, mapped []store.Entry) (store.Entry, error) {
		out := store.Entry{}
		for _, f := range r.GroupBy {
			out[f] = mapped[0][f]
		}
		var count float64
		sums := make(map[string]float64, len(r.Sum))
		for _, m := range mapped {
			c, _ := toFloat(m[r.countField()])
			count += c
			for _, f := range r.Sum {
				if v, ok := toFloat(m[f]); ok {
					sums[f] += v
				}
			}
		}
		out[r.countField()] = count
		for _, f := range r.Sum {
			out[f] = sums[f]
		}
		return out, nil
	})
}

func (d *Definition) matchesCollection(doc store.Entry) bool {
	if d.Map.Collection == "" {
		return true
	}
	id, _ := doc.DocumentID()
	prefix, _, ok := strings.Cut(id, "/")
	return ok && strings.EqualFold(prefix, d.Map.Collection)
}

func (d *Definition) project(doc store.Entry) store.Entry {
	out := store.Entry{}
	if len(d.Map.Fields) == 0 {
		for k, v := range doc {
			if !strings.HasPrefix(k, "__") {
				out[k] = v
			}
		}
		return out
	}
	for _, f := range d.Map.Fields {
		if v, ok := lookup(doc, f); ok {
			out[f] = v
		}
	}
	return out
}

// lookup resolves a dotted path such as "address.city".
func lookup(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}
	head, rest, ok := strings.Cut(path, ".")
	if !ok {
		return nil, false
	}
	switch nested := doc[head].(type) {
	case map[string]any:
		return lookup(nested, rest)
	case store.Entry:
		return lookup(nested, rest)
	}
	return nil, false
}

func reduceKey(group []any) (string, error) {
	if len(group) == 1 {
		if s, ok := group[0].(string); ok {
			return s, nil
		}
	}
	b, err := json.Marshal(group)
	if err != nil {
		return "", fmt.Errorf("failed to encode reduce key: %w", err)
	}
	return string(b), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
