package rowstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/damien-schneider/reflect-os/platform/go/predicate"
)

var errReadOnly = errors.New("write in read-only transaction")

// MemoryStore keeps rows in process. Transactions are serialized, so Lock is implied,
// and a failed transaction leaves no trace. Foreign keys are not enforced.
type MemoryStore struct {
	schema *predicate.Schema

	mu     sync.RWMutex
	tables map[string]map[string]Row
}

// NewMemoryStore creates an empty store for schema.
func NewMemoryStore(schema *predicate.Schema) *MemoryStore {
	return &MemoryStore{schema: schema, tables: map[string]map[string]Row{}}
}

func (s *MemoryStore) Schema() *predicate.Schema { return s.schema }

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{schema: s.schema, base: s.tables, dirty: map[string]map[string]Row{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for name, rows := range tx.dirty {
		s.tables[name] = rows
	}
	return nil
}

func (s *MemoryStore) WithReadTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := &memTx{schema: s.schema, base: s.tables, readOnly: true}
	return fn(ctx, tx)
}

type memTx struct {
	schema   *predicate.Schema
	base     map[string]map[string]Row
	dirty    map[string]map[string]Row
	readOnly bool
}

func (tx *memTx) table(name string) (predicate.Table, map[string]Row, error) {
	t, ok := tx.schema.Table(name)
	if !ok {
		return predicate.Table{}, nil, fmt.Errorf("unknown table %s", name)
	}
	if rows, ok := tx.dirty[name]; ok {
		return t, rows, nil
	}
	return t, tx.base[name], nil
}

func (tx *memTx) writable(name string) (predicate.Table, map[string]Row, error) {
	if tx.readOnly {
		return predicate.Table{}, nil, errReadOnly
	}
	t, rows, err := tx.table(name)
	if err != nil {
		return t, nil, err
	}
	if _, ok := tx.dirty[name]; !ok {
		rows = maps.Clone(rows)
		if rows == nil {
			rows = map[string]Row{}
		}
		tx.dirty[name] = rows
	}
	return t, rows, nil
}

func (tx *memTx) Get(_ context.Context, table, id string) (Row, error) {
	_, rows, err := tx.table(table)
	if err != nil {
		return nil, err
	}
	row, ok := rows[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrRowNotFound)
	}
	return maps.Clone(row), nil
}

func (tx *memTx) Lock(ctx context.Context, table, id string) (Row, error) {
	return tx.Get(ctx, table, id)
}

// RowsWhere serves relation traversals for predicate.Eval.
func (tx *memTx) RowsWhere(_ context.Context, table, column string, value any) ([]Row, error) {
	_, rows, err := tx.table(table)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, id := range sortedKeys(rows) {
		row := rows[id]
		if v := row[column]; v != nil && predicate.Equal(v, value) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (tx *memTx) Select(ctx context.Context, table string, where predicate.Expr, p predicate.Principal, page Page) ([]Row, error) {
	_, rows, err := tx.table(table)
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, id := range sortedKeys(rows) {
		ok, err := predicate.Eval(ctx, tx.schema, table, rows[id], where, p, tx)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, maps.Clone(rows[id]))
		}
	}

	if len(page.OrderBy) > 0 {
		slices.SortStableFunc(out, func(a, b Row) int {
			for _, o := range page.OrderBy {
				c := compareValues(a[o.Column], b[o.Column])
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (tx *memTx) Count(ctx context.Context, table string, where predicate.Expr) (int, error) {
	rows, err := tx.Select(ctx, table, where, nil, Page{})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (tx *memTx) Check(ctx context.Context, table, id string, expr predicate.Expr, p predicate.Principal) (bool, error) {
	_, rows, err := tx.table(table)
	if err != nil {
		return false, err
	}
	row, ok := rows[id]
	if !ok {
		return false, nil
	}
	return predicate.Eval(ctx, tx.schema, table, row, expr, p, tx)
}

func (tx *memTx) Insert(_ context.Context, table string, row Row) error {
	t, rows, err := tx.writable(table)
	if err != nil {
		return err
	}
	stored, id, err := normalizeRow(t, row, true)
	if err != nil {
		return err
	}
	if _, exists := rows[id]; exists {
		return fmt.Errorf("%s %s: %w", table, id, ErrDuplicate)
	}
	if err := checkUnique(t, rows, id, stored); err != nil {
		return err
	}
	rows[id] = stored
	return nil
}

func (tx *memTx) Update(_ context.Context, table, id string, changes Row) (Row, error) {
	t, rows, err := tx.writable(table)
	if err != nil {
		return nil, err
	}
	current, ok := rows[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrRowNotFound)
	}
	next := maps.Clone(current)
	for col, v := range changes {
		if !t.HasColumn(col) {
			return nil, fmt.Errorf("table %s has no column %s", table, col)
		}
		if col == t.Key {
			if s, _ := v.(string); s != id {
				return nil, fmt.Errorf("%s %s: key column cannot change", table, id)
			}
			continue
		}
		next[col] = NormalizeValue(v)
	}
	if err := checkUnique(t, rows, id, next); err != nil {
		return nil, err
	}
	rows[id] = next
	return maps.Clone(next), nil
}

func (tx *memTx) Upsert(ctx context.Context, table string, row Row) error {
	t, rows, err := tx.writable(table)
	if err != nil {
		return err
	}
	id, _ := row[t.Key].(string)
	if _, exists := rows[id]; !exists {
		return tx.Insert(ctx, table, row)
	}
	_, err = tx.Update(ctx, table, id, row)
	return err
}

func (tx *memTx) Delete(_ context.Context, table, id string) error {
	_, rows, err := tx.writable(table)
	if err != nil {
		return err
	}
	if _, ok := rows[id]; !ok {
		return fmt.Errorf("%s %s: %w", table, id, ErrRowNotFound)
	}
	delete(rows, id)
	return nil
}

func (tx *memTx) DeleteWhere(ctx context.Context, table string, where predicate.Expr) (int, error) {
	t, _, err := tx.writable(table)
	if err != nil {
		return 0, err
	}
	matched, err := tx.Select(ctx, table, where, nil, Page{})
	if err != nil {
		return 0, err
	}
	rows := tx.dirty[table]
	for _, row := range matched {
		delete(rows, row[t.Key].(string))
	}
	return len(matched), nil
}

func normalizeRow(t predicate.Table, row Row, fill bool) (Row, string, error) {
	id, _ := row[t.Key].(string)
	if strings.TrimSpace(id) == "" {
		return nil, "", fmt.Errorf("table %s: %s is required", t.Name, t.Key)
	}
	out := make(Row, len(t.Columns))
	for col, v := range row {
		if !t.HasColumn(col) {
			return nil, "", fmt.Errorf("table %s has no column %s", t.Name, col)
		}
		out[col] = NormalizeValue(v)
	}
	if fill {
		for _, col := range t.Columns {
			if _, ok := out[col]; !ok {
				out[col] = nil
			}
		}
	}
	return out, id, nil
}

// NormalizeValue folds every integer width and integral float into int64,
// the shape BIGINT columns come back as.
func NormalizeValue(v any) any {
	switch v.(type) {
	case string, bool, nil:
		return v
	}
	if n, ok := predicate.Integer(v); ok {
		return n
	}
	return v
}

func checkUnique(t predicate.Table, rows map[string]Row, id string, candidate Row) error {
	for _, group := range t.Unique {
		for otherID, other := range rows {
			if otherID == id {
				continue
			}
			if sameValues(group, candidate, other) {
				return fmt.Errorf("%s (%s): %w", t.Name, strings.Join(group, ", "), ErrDuplicate)
			}
		}
	}
	return nil
}

func sameValues(columns []string, a, b Row) bool {
	for _, col := range columns {
		av, bv := a[col], b[col]
		if av == nil || bv == nil || !predicate.Equal(av, bv) {
			return false
		}
	}
	return true
}

func sortedKeys(rows map[string]Row) []string {
	return slices.Sorted(maps.Keys(rows))
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if ai, ok := predicate.Integer(a); ok {
		if bi, ok := predicate.Integer(b); ok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
