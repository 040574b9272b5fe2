// Package view builds index map and reduce functions from declarative
// definitions, the way configuration files describe indexes.
package view

import (
	"fmt"
	"regexp"
	"strings"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/store"
)

// DefaultCountField is the reduce output field holding the group size.
const DefaultCountField = "count"

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// Definition describes one index.
type Definition struct {
	// Name identifies the index. Letters, digits, '_', '.', '-'.
	Name string `yaml:"name" json:"name"`

	// Map selects and shapes the entries each document produces.
	Map MapDefinition `yaml:"map" json:"map"`

	// Reduce, when set, makes this a map-reduce index.
	Reduce *ReduceDefinition `yaml:"reduce,omitempty" json:"reduce,omitempty"`

	// Indexes sets per-field indexing (analyzed or not_analyzed).
	Indexes map[string]store.FieldIndexing `yaml:"indexes,omitempty" json:"indexes,omitempty"`

	// Sort sets the sort type of sortable fields (string, number, date).
	Sort map[string]store.SortType `yaml:"sort,omitempty" json:"sort,omitempty"`
}

// MapDefinition selects documents and the fields copied into entries.
type MapDefinition struct {
	// Collection restricts the map to keys of the form "<collection>/...".
	// Empty maps every document.
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`

	// Fields are copied into the entry; dotted paths reach into nested
	// objects. Empty copies every top-level field.
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`

	// Required fields must be present; a document missing one fails to
	// index and is reported as an indexing error.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
}

// ReduceDefinition groups map outputs and aggregates them.
type ReduceDefinition struct {
	// GroupBy fields form the reduce key.
	GroupBy []string `yaml:"group_by" json:"group_by"`

	// Count names the output field holding the group size (default "count").
	Count string `yaml:"count,omitempty" json:"count,omitempty"`

	// Sum lists numeric fields summed per group.
	Sum []string `yaml:"sum,omitempty" json:"sum,omitempty"`
}

// IsMapReduce reports whether the definition has a reduce step.
func (d *Definition) IsMapReduce() bool {
	return d.Reduce != nil
}

// Mapping returns the storage mapping for the definition.
func (d *Definition) Mapping() store.Mapping {
	return store.Mapping{Indexing: d.Indexes, Sort: d.Sort}
}

// Validate checks the definition.
func (d *Definition) Validate() error {
	if !nameRe.MatchString(d.Name) {
		return invalid(d.Name, fmt.Sprintf("invalid index name %q", d.Name))
	}
	if strings.Contains(d.Map.Collection, "/") {
		return invalid(d.Name, fmt.Sprintf("collection %q must not contain '/'", d.Map.Collection))
	}

	fields := append(append([]string{}, d.Map.Fields...), d.Map.Required...)
	for f := range d.Indexes {
		fields = append(fields, f)
	}
	for f := range d.Sort {
		fields = append(fields, f)
	}
	if d.Reduce != nil {
		fields = append(fields, d.Reduce.GroupBy...)
		fields = append(fields, d.Reduce.Sum...)
	}
	for _, f := range fields {
		if f == "" || strings.HasPrefix(f, "__") {
			return invalid(d.Name, fmt.Sprintf("invalid field name %q", f))
		}
	}

	for f, v := range d.Indexes {
		if v != store.FieldAnalyzed && v != store.FieldNotAnalyzed {
			return invalid(d.Name, fmt.Sprintf("field %s: unknown indexing %q", f, v))
		}
	}
	for f, t := range d.Sort {
		if !t.Valid() {
			return invalid(d.Name, fmt.Sprintf("field %s: unknown sort type %q", f, t))
		}
	}

	if d.Reduce != nil {
		if len(d.Reduce.GroupBy) == 0 {
			return invalid(d.Name, "reduce requires at least one group_by field")
		}
		for _, s := range d.Reduce.Sum {
			if s == d.Reduce.countField() {
				return invalid(d.Name, fmt.Sprintf("sum field %s collides with the count field", s))
			}
		}
	}
	return nil
}

func (r *ReduceDefinition) countField() string {
	if r.Count == "" {
		return DefaultCountField
	}
	return r.Count
}

func invalid(name, msg string) error {
	return derrors.New(derrors.ErrCodeInvalidDefinition, msg, nil).
		WithDetail("index", name).
		WithSuggestion("fix the index definition in the configuration file")
}
