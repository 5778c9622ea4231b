package persistence

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/damien-schneider/reflect-os/platform/go/predicate"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RowStore implements rowstore.Store on Postgres. Every call to WithTx runs in its own
// READ COMMITTED transaction; Lock takes a row lock held until commit.
type RowStore struct {
	pool   txBeginner
	schema *predicate.Schema
}

func NewRowStore(pool *pgxpool.Pool, schema *predicate.Schema) *RowStore {
	if pool == nil {
		panic("RowStore requires pool")
	}
	if schema == nil {
		panic("RowStore requires schema")
	}
	return &RowStore{pool: pool, schema: schema}
}

func (s *RowStore) Schema() *predicate.Schema { return s.schema }

// WithTx executes fn inside a read-write transaction and commits when fn returns nil.
func (s *RowStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx rowstore.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// WithReadTx executes fn inside a read-only transaction.
func (s *RowStore) WithReadTx(ctx context.Context, fn func(ctx context.Context, tx rowstore.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}, fn)
}

func (s *RowStore) run(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx rowstore.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(ctx, &pgRowTx{tx: tx, schema: s.schema}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type pgRowTx struct {
	tx     pgx.Tx
	schema *predicate.Schema
}

func (t *pgRowTx) table(name string) (predicate.Table, error) {
	table, ok := t.schema.Table(name)
	if !ok {
		return predicate.Table{}, fmt.Errorf("unknown table %s", name)
	}
	return table, nil
}

func selectList(alias string, table predicate.Table) string {
	cols := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		cols[i] = predicate.Column(alias, col)
	}
	return strings.Join(cols, ", ")
}

func (t *pgRowTx) query(ctx context.Context, sql string, args ...any) ([]rowstore.Row, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return out, nil
}

func (t *pgRowTx) getOne(ctx context.Context, tableName, id, suffix string) (rowstore.Row, error) {
	table, err := t.table(tableName)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("SELECT %s FROM %s AS t0 WHERE %s = $1%s",
		selectList("t0", table), predicate.Ident(table.Name), predicate.Column("t0", table.Key), suffix)
	rows, err := t.query(ctx, sql, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", tableName, id, rowstore.ErrRowNotFound)
	}
	return rows[0], nil
}

func (t *pgRowTx) Get(ctx context.Context, table, id string) (rowstore.Row, error) {
	return t.getOne(ctx, table, id, "")
}

func (t *pgRowTx) Lock(ctx context.Context, table, id string) (rowstore.Row, error) {
	return t.getOne(ctx, table, id, " FOR UPDATE")
}

func (t *pgRowTx) Select(ctx context.Context, tableName string, where predicate.Expr, p predicate.Principal, page rowstore.Page) ([]rowstore.Row, error) {
	table, err := t.table(tableName)
	if err != nil {
		return nil, err
	}

	var params predicate.Params
	cond, err := predicate.Compile(t.schema, table.Name, "t0", where, p, &params)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s AS t0 WHERE %s", selectList("t0", table), predicate.Ident(table.Name), cond)

	order := page.OrderBy
	if len(order) == 0 {
		order = []rowstore.Order{{Column: table.Key}}
	}
	clauses := make([]string, 0, len(order))
	for _, o := range order {
		if !table.HasColumn(o.Column) {
			return nil, fmt.Errorf("table %s has no column %s", table.Name, o.Column)
		}
		clause := predicate.Column("t0", o.Column)
		if o.Desc {
			clause += " DESC"
		}
		clauses = append(clauses, clause)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(clauses, ", "))
	if page.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(page.Limit))
	}

	return t.query(ctx, b.String(), params.Args()...)
}

func (t *pgRowTx) Count(ctx context.Context, tableName string, where predicate.Expr) (int, error) {
	table, err := t.table(tableName)
	if err != nil {
		return 0, err
	}

	var params predicate.Params
	cond, err := predicate.Compile(t.schema, table.Name, "t0", where, nil, &params)
	if err != nil {
		return 0, err
	}

	var n int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s AS t0 WHERE %s", predicate.Ident(table.Name), cond)
	if err := t.tx.QueryRow(ctx, sql, params.Args()...).Scan(&n); err != nil {
		return 0, mapPostgresError(err)
	}
	return int(n), nil
}

func (t *pgRowTx) Check(ctx context.Context, tableName, id string, expr predicate.Expr, p predicate.Principal) (bool, error) {
	table, err := t.table(tableName)
	if err != nil {
		return false, err
	}

	var params predicate.Params
	idParam := params.Add(id)
	cond, err := predicate.Compile(t.schema, table.Name, "t0", expr, p, &params)
	if err != nil {
		return false, err
	}

	// NULL from a missing row or a NULL comparison counts as a denial.
	sql := fmt.Sprintf("SELECT COALESCE((SELECT %s FROM %s AS t0 WHERE %s = %s), FALSE)",
		cond, predicate.Ident(table.Name), predicate.Column("t0", table.Key), idParam)

	var ok bool
	if err := t.tx.QueryRow(ctx, sql, params.Args()...).Scan(&ok); err != nil {
		return false, mapPostgresError(err)
	}
	return ok, nil
}

func (t *pgRowTx) columns(table predicate.Table, row rowstore.Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for col := range row {
		if !table.HasColumn(col) {
			return nil, fmt.Errorf("table %s has no column %s", table.Name, col)
		}
		cols = append(cols, col)
	}
	slices.Sort(cols)
	return cols, nil
}

func (t *pgRowTx) insertSQL(table predicate.Table, row rowstore.Row) (string, []string, []any, error) {
	if id, _ := row[table.Key].(string); strings.TrimSpace(id) == "" {
		return "", nil, nil, fmt.Errorf("table %s: %s is required", table.Name, table.Key)
	}
	cols, err := t.columns(table, row)
	if err != nil {
		return "", nil, nil, err
	}

	var params predicate.Params
	idents := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		idents[i] = predicate.Ident(col)
		placeholders[i] = params.Add(rowstore.NormalizeValue(row[col]))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		predicate.Ident(table.Name), strings.Join(idents, ", "), strings.Join(placeholders, ", "))
	return sql, cols, params.Args(), nil
}

func (t *pgRowTx) Insert(ctx context.Context, tableName string, row rowstore.Row) error {
	table, err := t.table(tableName)
	if err != nil {
		return err
	}
	sql, _, args, err := t.insertSQL(table, row)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return mapPostgresError(err)
	}
	return nil
}

func (t *pgRowTx) Update(ctx context.Context, tableName, id string, changes rowstore.Row) (rowstore.Row, error) {
	table, err := t.table(tableName)
	if err != nil {
		return nil, err
	}
	cols, err := t.columns(table, changes)
	if err != nil {
		return nil, err
	}

	var params predicate.Params
	sets := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == table.Key {
			if s, _ := changes[col].(string); s != id {
				return nil, fmt.Errorf("%s %s: key column cannot change", table.Name, id)
			}
			continue
		}
		sets = append(sets, predicate.Ident(col)+" = "+params.Add(rowstore.NormalizeValue(changes[col])))
	}
	if len(sets) == 0 {
		return t.Get(ctx, tableName, id)
	}

	idParam := params.Add(id)
	sql := fmt.Sprintf("UPDATE %s AS t0 SET %s WHERE %s = %s RETURNING %s",
		predicate.Ident(table.Name), strings.Join(sets, ", "), predicate.Column("t0", table.Key), idParam, selectList("t0", table))
	rows, err := t.query(ctx, sql, params.Args()...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", tableName, id, rowstore.ErrRowNotFound)
	}
	return rows[0], nil
}

// Upsert is a single INSERT ... ON CONFLICT statement, so concurrent writers never observe
// a half-applied row.
func (t *pgRowTx) Upsert(ctx context.Context, tableName string, row rowstore.Row) error {
	table, err := t.table(tableName)
	if err != nil {
		return err
	}
	sql, cols, args, err := t.insertSQL(table, row)
	if err != nil {
		return err
	}

	updates := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == table.Key {
			continue
		}
		ident := predicate.Ident(col)
		updates = append(updates, ident+" = EXCLUDED."+ident)
	}
	if len(updates) == 0 {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", predicate.Ident(table.Key))
	} else {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", predicate.Ident(table.Key), strings.Join(updates, ", "))
	}

	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return mapPostgresError(err)
	}
	return nil
}

func (t *pgRowTx) Delete(ctx context.Context, tableName, id string) error {
	table, err := t.table(tableName)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", predicate.Ident(table.Name), predicate.Ident(table.Key)), id)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", tableName, id, rowstore.ErrRowNotFound)
	}
	return nil
}

func (t *pgRowTx) DeleteWhere(ctx context.Context, tableName string, where predicate.Expr) (int, error) {
	table, err := t.table(tableName)
	if err != nil {
		return 0, err
	}

	var params predicate.Params
	cond, err := predicate.Compile(t.schema, table.Name, "t0", where, nil, &params)
	if err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s AS t0 WHERE %s", predicate.Ident(table.Name), cond), params.Args()...)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(tag.RowsAffected()), nil
}
