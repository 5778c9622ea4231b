package predicate

import (
	"fmt"
	"slices"
)

// Relation links a column of one table to a column of another.
type Relation struct {
	Table string // target table
	From  string // column on the source row
	To    string // column on the target rows
}

// Table describes one row type: its columns, primary key and named relations.
type Table struct {
	Name      string
	Key       string
	Columns   []string
	Relations map[string]Relation
	// Unique lists column groups the stores must keep unique besides Key.
	Unique [][]string
}

// HasColumn reports whether column belongs to the table.
func (t Table) HasColumn(column string) bool {
	return slices.Contains(t.Columns, column)
}

// Schema is the set of tables predicates may reference.
type Schema struct {
	tables map[string]Table
}

// NewSchema validates that every relation points at a known table and known columns.
func NewSchema(tables ...Table) (*Schema, error) {
	s := &Schema{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		if t.Name == "" {
			return nil, fmt.Errorf("table name is required")
		}
		if t.Key == "" {
			t.Key = "id"
		}
		if !t.HasColumn(t.Key) {
			return nil, fmt.Errorf("table %s: key column %s is not declared", t.Name, t.Key)
		}
		if _, dup := s.tables[t.Name]; dup {
			return nil, fmt.Errorf("table %s declared twice", t.Name)
		}
		s.tables[t.Name] = t
	}

	for _, t := range s.tables {
		for name, rel := range t.Relations {
			target, ok := s.tables[rel.Table]
			if !ok {
				return nil, fmt.Errorf("table %s: relation %s targets unknown table %s", t.Name, name, rel.Table)
			}
			if !t.HasColumn(rel.From) {
				return nil, fmt.Errorf("table %s: relation %s uses unknown column %s", t.Name, name, rel.From)
			}
			if !target.HasColumn(rel.To) {
				return nil, fmt.Errorf("table %s: relation %s targets unknown column %s.%s", t.Name, name, rel.Table, rel.To)
			}
		}
		for _, group := range t.Unique {
			for _, col := range group {
				if !t.HasColumn(col) {
					return nil, fmt.Errorf("table %s: unique constraint uses unknown column %s", t.Name, col)
				}
			}
		}
	}
	return s, nil
}

// MustSchema is NewSchema for package-level declarations.
func MustSchema(tables ...Table) *Schema {
	s, err := NewSchema(tables...)
	if err != nil {
		panic(err)
	}
	return s
}

// Table looks up a table by name.
func (s *Schema) Table(name string) (Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// Tables returns the table names in sorted order.
func (s *Schema) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks that expr only references columns and relations reachable from table.
func (s *Schema) Validate(table string, expr Expr) error {
	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %s", table)
	}

	switch e := expr.(type) {
	case nil, Authenticated:
		return nil
	case Compare:
		if !t.HasColumn(e.Field) {
			return fmt.Errorf("table %s has no column %s", table, e.Field)
		}
		if e.Op == OpIn {
			lit, ok := e.Value.(Literal)
			if !ok {
				return fmt.Errorf("%s.%s: in requires a literal list", table, e.Field)
			}
			if _, ok := lit.Value.([]any); !ok {
				return fmt.Errorf("%s.%s: in requires a literal list", table, e.Field)
			}
		}
		return nil
	case Exists:
		rel, ok := t.Relations[e.Relation]
		if !ok {
			return fmt.Errorf("table %s has no relation %s", table, e.Relation)
		}
		return s.Validate(rel.Table, e.Where)
	case Or:
		for _, child := range e {
			if err := s.Validate(table, child); err != nil {
				return err
			}
		}
		return nil
	case And:
		for _, child := range e {
			if err := s.Validate(table, child); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported expression %T", expr)
	}
}
