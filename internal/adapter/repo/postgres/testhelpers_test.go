package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool is a hand-rolled PgxPool that replays canned outcomes.
type fakePool struct {
	execTag  pgconn.CommandTag
	execErr  error
	execSQL  []string
	execArgs [][]any
	row      pgx.Row
	rows     pgx.Rows
	queryErr error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return f.execTag, f.execErr
}

func (f *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.execSQL = append(f.execSQL, sql)
	return f.row
}

func (f *fakePool) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.execSQL = append(f.execSQL, sql)
	return f.rows, f.queryErr
}

func (f *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

// fakeRow scans canned values into the destinations, or fails.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(dest, r.values)
}

// fakeRows iterates a list of value rows.
type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error      { return scanInto(dest, r.rows[r.idx-1]) }
func (r *fakeRows) Values() ([]any, error)      { return nil, nil }
func (r *fakeRows) RawValues() [][]byte         { return nil }
func (r *fakeRows) Conn() *pgx.Conn             { return nil }

func scanInto(dest, values []any) error {
	if len(dest) != len(values) {
		return errors.New("scan arity mismatch")
	}
	for i, v := range values {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

func assign(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return errors.New("scan: dest is not a pointer")
	}
	ev := dv.Elem()
	if src == nil {
		ev.Set(reflect.Zero(ev.Type()))
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(ev.Type()) {
		ev.Set(sv)
		return nil
	}
	if sv.Type().ConvertibleTo(ev.Type()) {
		ev.Set(sv.Convert(ev.Type()))
		return nil
	}
	return fmt.Errorf("scan: cannot assign %T to %T", src, dst)
}
