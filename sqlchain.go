// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// M is a row of values keyed by column key, used by inserts and conflict
// updates. It can also receive a decoded result row.
//
//	db.Insert(users).Values(sqlchain.M{"id": 1, "name": "Fred"})
type M map[string]any

// Placeholders holds the values of named placeholders when a prepared query
// is run.
type Placeholders map[string]any

// Field and Fields describe an explicit projection for Select.Fields.
type (
	Field  = expr.Field
	Fields = expr.Fields
)

// Placeholder returns a named placeholder. Its value is supplied when the
// prepared query is run.
func Placeholder(name string) expr.Placeholder {
	return expr.Placeholder{Name: name}
}

// ErrNoRows is returned by [Query.Get] when an output argument was given
// and the query returned no rows.
var ErrNoRows = sql.ErrNoRows

// ErrTXDone is returned by operations on a transaction that has
// already been committed or rolled back.
var ErrTXDone = sql.ErrTxDone

var (
	// ErrMalformedQuery is wrapped by compile errors for builder misuse,
	// such as a clause added twice or a negative limit.
	ErrMalformedQuery = dialect.ErrMalformedQuery
	// ErrDuplicateProjectionPath is wrapped when two selections of a
	// projection write to the same output path, or one path is a prefix
	// of another.
	ErrDuplicateProjectionPath = dialect.ErrDuplicateProjectionPath
	// ErrUnboundPlaceholder is wrapped when a placeholder of a prepared
	// query has no value at bind time.
	ErrUnboundPlaceholder = dialect.ErrUnboundPlaceholder
)

// stmtCache stores the driver prepared statements associated with the
// PreparedQuery values.
var stmtCache = newStatementCache()

// DB runs prepared queries on a database of a given dialect.
type DB struct {
	// cacheID is used to look up the cached driver prepared statements
	// prepared on this database.
	cacheID uint64
	// sqldb is the underlying database/sql DB object.
	sqldb   *sql.DB
	dialect dialect.Dialect

	logger        *slog.Logger
	slowThreshold time.Duration
}

// Option configures a [DB].
type Option func(*DB)

// WithLogger logs every query run on the DB. Queries are logged at debug
// level and failures include the error.
func WithLogger(logger *slog.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

// WithSlowQueryThreshold logs queries taking at least d at warning level.
func WithSlowQueryThreshold(d time.Duration) Option {
	return func(db *DB) {
		db.slowThreshold = d
	}
}

// NewDB creates a new [DB] from a [sql.DB] for the given dialect. The sql.DB
// is closed once the DB is garbage collected.
func NewDB(sqldb *sql.DB, d dialect.Dialect, opts ...Option) *DB {
	if sqldb == nil || d == nil {
		return nil
	}
	db := stmtCache.newDB(&DB{
		sqldb:   sqldb,
		dialect: d,
		logger:  slog.New(slog.DiscardHandler),
	})
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// PlainDB returns the underlying database object.
func (db *DB) PlainDB() *sql.DB {
	return db.sqldb
}

// Dialect returns the dialect of the database.
func (db *DB) Dialect() dialect.Dialect {
	return db.dialect
}

// Select starts a select on table in the dialect of the database. The
// builder can be run directly with [SelectBuilder.Query].
func (db *DB) Select(table *schema.Table) *SelectBuilder {
	b := Select(db.dialect, table)
	b.db = db
	return b
}

// Insert starts an insert into table in the dialect of the database. The
// builder can be run directly with [InsertQuery.Query].
func (db *DB) Insert(table *schema.Table) *InsertBuilder {
	ib := Insert(db.dialect, table)
	ib.db = db
	return ib
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func (db *DB) IsDuplicateKey(err error) bool {
	return db.dialect.IsDuplicateKey(err)
}

// bindArgs resolves the placeholders of pq and encodes the arguments for d.
func bindArgs(d dialect.Dialect, pq *PreparedQuery, values Placeholders) ([]any, error) {
	if pq == nil {
		return nil, fmt.Errorf("cannot run query: nil prepared query")
	}
	if pq.dialect.Name() != d.Name() {
		return nil, fmt.Errorf("cannot run %q: prepared for %s, database is %s", pq.name, pq.dialect.Name(), d.Name())
	}
	q, err := pq.Bind(values)
	if err != nil {
		return nil, err
	}
	args, err := q.Args(d)
	if err != nil {
		return nil, fmt.Errorf("cannot run %q: %w", pq.name, err)
	}
	return args, nil
}

func (db *DB) logQuery(ctx context.Context, pq *PreparedQuery, nargs int, elapsed time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("query", pq.name),
		slog.String("sql", pq.SQL()),
		slog.Int("args", nargs),
		slog.Duration("duration", elapsed),
	}
	switch {
	case err != nil:
		db.logger.LogAttrs(ctx, slog.LevelDebug, "query failed", append(attrs, slog.Any("error", err))...)
	case db.slowThreshold > 0 && elapsed >= db.slowThreshold:
		db.logger.LogAttrs(ctx, slog.LevelWarn, "slow query", attrs...)
	default:
		db.logger.LogAttrs(ctx, slog.LevelDebug, "query run", attrs...)
	}
}

// Query represents a query on a database. It is designed to be run once.
type Query struct {
	// run executes the Query against the DB or the TX.
	run func(context.Context) (*sql.Rows, sql.Result, error)
	ctx context.Context
	err error
	pq  *PreparedQuery
}

// Iterator is used to iterate over the results of the query.
type Iterator struct {
	pq      *PreparedQuery
	rows    *sql.Rows
	cols    []string
	err     error
	result  sql.Result
	started bool
}

// Query builds a new query from a context, a [PreparedQuery] and the values
// of its placeholders. Placeholders are resolved and arguments encoded
// immediately; the query is run on the database when one of [Query.Iter],
// [Query.Run], [Query.Get] or [Query.GetAll] is executed.
func (db *DB) Query(ctx context.Context, pq *PreparedQuery, values Placeholders) *Query {
	if ctx == nil {
		ctx = context.Background()
	}

	args, err := bindArgs(db.dialect, pq, values)
	if err != nil {
		return &Query{ctx: ctx, err: err}
	}

	run := func(innerCtx context.Context) (rows *sql.Rows, result sql.Result, err error) {
		if pq.oneShot {
			start := time.Now()
			rows, result, err = runSQL(innerCtx, db.sqldb, pq, args)
			db.logQuery(innerCtx, pq, len(args), time.Since(start), err)
			return rows, result, err
		}

		sqlstmt, ok := stmtCache.lookupStmt(db, pq)
		if !ok {
			sqlstmt, err = stmtCache.driverPrepareStmt(innerCtx, db, pq)
			if err != nil {
				return nil, nil, err
			}
		}

		start := time.Now()
		if pq.returnsRows() {
			rows, err = sqlstmt.QueryContext(innerCtx, args...)
		} else {
			result, err = sqlstmt.ExecContext(innerCtx, args...)
		}
		db.logQuery(innerCtx, pq, len(args), time.Since(start), err)
		return rows, result, err
	}

	return &Query{pq: pq, run: run, ctx: ctx, err: nil}
}

// sqlRunner is implemented by [sql.DB] and [sql.Tx].
type sqlRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// runSQL sends the SQL of pq without a prepared statement.
func runSQL(ctx context.Context, r sqlRunner, pq *PreparedQuery, args []any) (rows *sql.Rows, result sql.Result, err error) {
	if pq.returnsRows() {
		rows, err = r.QueryContext(ctx, pq.SQL(), args...)
	} else {
		result, err = r.ExecContext(ctx, pq.SQL(), args...)
	}
	return rows, result, err
}

// Run is used to run a query on a database and disregard any results.
// Run is an alias for [Query.Get] that takes no arguments.
func (q *Query) Run() error {
	return q.Get()
}

// Get runs the query and decodes the first row returned into the provided
// output argument. It returns [ErrNoRows] if an output argument was provided
// but no results were found.
//
// A pointer to an empty [Outcome] struct may be provided as the first output
// variable to fill it with information about query execution.
func (q *Query) Get(outputArgs ...any) error {
	if q.err != nil {
		return q.err
	}
	var outcome *Outcome
	if len(outputArgs) > 0 {
		if oc, ok := outputArgs[0].(*Outcome); ok {
			outcome = oc
			outputArgs = outputArgs[1:]
		}
	}
	if !q.pq.returnsRows() && len(outputArgs) > 0 {
		return fmt.Errorf("cannot get results: output variables provided but query returns no rows")
	}

	var err error
	iter := q.Iter()
	if outcome != nil {
		err = iter.Get(outcome)
	}
	if err == nil && !iter.Next() {
		err = iter.Close()
		if err == nil && q.pq.returnsRows() && len(outputArgs) > 0 {
			err = ErrNoRows
		}
		return err
	}
	if err == nil {
		err = iter.Get(outputArgs...)
	}
	if cerr := iter.Close(); err == nil {
		err = cerr
	}
	return err
}

// Iter returns an [Iterator] to iterate through the results row by row.
// [Iterator.Close] must be run once iteration is finished.
func (q *Query) Iter() *Iterator {
	if q.err != nil {
		return &Iterator{err: q.err}
	}

	var cols []string
	rows, result, err := q.run(q.ctx)
	if err == nil && q.pq.returnsRows() {
		cols, err = rows.Columns()
		if err == nil && len(cols) != len(q.pq.selections) {
			rows.Close()
			err = fmt.Errorf("cannot get results: query returned %d columns, expected %d", len(cols), len(q.pq.selections))
		}
	}
	if err != nil {
		return &Iterator{pq: q.pq, err: err}
	}

	return &Iterator{pq: q.pq, rows: rows, cols: cols, err: err, result: result}
}

// Next prepares the next row for [Iterator.Get]. If an error occurs during
// iteration it will be returned with [Iterator.Close].
func (iter *Iterator) Next() bool {
	iter.started = true
	if iter.err != nil || iter.rows == nil {
		return false
	}
	return iter.rows.Next()
}

// Get decodes the result from the previous [Iterator.Next] call into the
// provided output argument: a *Row, a *M, a *map[string]any or a pointer to
// a struct.
//
// Before the first call of [Iterator.Next] a pointer to an empty [Outcome]
// struct may be passed to Get as the only argument to fill it information
// about query execution.
func (iter *Iterator) Get(outputArgs ...any) (err error) {
	if iter.err != nil {
		return iter.err
	}
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot get result: %s", err)
		}
	}()

	if !iter.started {
		if len(outputArgs) == 1 {
			if oc, ok := outputArgs[0].(*Outcome); ok {
				oc.result = iter.result
				return nil
			}
		}
		return fmt.Errorf("cannot call Get before Next unless getting outcome")
	}

	if iter.rows == nil {
		return fmt.Errorf("iteration ended")
	}
	if len(outputArgs) > 1 {
		return fmt.Errorf("need one output value, got %d", len(outputArgs))
	}

	values := make([]any, len(iter.cols))
	ptrs := make([]any, len(iter.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := iter.rows.Scan(ptrs...); err != nil {
		return err
	}
	if len(outputArgs) == 0 {
		return nil
	}
	row, err := decodeRow(iter.pq.selections, iter.pq.nullability, values)
	if err != nil {
		return err
	}
	return assignRow(row, outputArgs[0])
}

// Close finishes the iteration and returns any errors encountered. Close can
// be called multiple times on the [Iterator] and the same error will be
// returned.
func (iter *Iterator) Close() error {
	iter.started = true
	if iter.rows == nil {
		return iter.err
	}
	err := iter.rows.Close()
	if err == nil {
		err = iter.rows.Err()
	}
	iter.rows = nil
	if iter.err != nil {
		return iter.err
	}
	iter.err = err
	return err
}

// Outcome holds metadata about executed queries, and can be provided as the
// first output argument to any of the Get methods to populate it with
// information about the query execution.
type Outcome struct {
	result sql.Result
}

// Result returns a [sql.Result] containing information about the query
// execution. If no result is set then Result returns nil.
func (o *Outcome) Result() sql.Result {
	return o.result
}

// GetAll iterates over the query and decodes all rows into the provided
// slice. sliceArgs must hold a pointer to a slice of structs, of pointers to
// structs, of [Row] or of [M]. A pointer to an empty [Outcome] struct may be
// provided as the first output variable to get information about query
// execution.
//
// [ErrNoRows] will be returned if no rows are found.
func (q *Query) GetAll(sliceArgs ...any) (err error) {
	if q.err != nil {
		return q.err
	}

	var outcome *Outcome
	if len(sliceArgs) > 0 {
		if oc, ok := sliceArgs[0].(*Outcome); ok {
			outcome = oc
			outcome.result = nil
			sliceArgs = sliceArgs[1:]
		}
	}
	if !q.pq.returnsRows() && len(sliceArgs) > 0 {
		return fmt.Errorf("output variables provided but query returns no rows")
	}
	if len(sliceArgs) > 1 {
		return fmt.Errorf("need one slice, got %d", len(sliceArgs))
	}

	// Check the slice argument is valid using reflection.
	var slicePtrVal, sliceVal reflect.Value
	if len(sliceArgs) == 1 {
		slicePtrVal = reflect.ValueOf(sliceArgs[0])
		if slicePtrVal.Kind() != reflect.Pointer {
			return fmt.Errorf("need pointer to slice, got %s", slicePtrVal.Kind())
		}
		if slicePtrVal.IsNil() {
			return fmt.Errorf("need pointer to slice, got nil")
		}
		sliceVal = slicePtrVal.Elem()
		if sliceVal.Kind() != reflect.Slice {
			return fmt.Errorf("need pointer to slice, got pointer to %s", sliceVal.Kind())
		}
		switch elemType := sliceVal.Type().Elem(); elemType.Kind() {
		case reflect.Struct, reflect.Map:
		case reflect.Pointer:
			if elemType.Elem().Kind() != reflect.Struct {
				return fmt.Errorf("need slice of structs/maps, got slice of pointer to %s", elemType.Elem().Kind())
			}
		default:
			return fmt.Errorf("need slice of structs/maps, got slice of %s", elemType.Kind())
		}
	}

	// Iterate over the query results.
	rowsReturned := false
	iter := q.Iter()
	if outcome != nil {
		if err := iter.Get(outcome); err != nil {
			iter.Close()
			return err
		}
	}
	for iter.Next() {
		rowsReturned = true
		if !sliceVal.IsValid() {
			continue
		}
		elemType := sliceVal.Type().Elem()
		var outputArg reflect.Value
		if elemType.Kind() == reflect.Pointer {
			outputArg = reflect.New(elemType.Elem())
		} else {
			outputArg = reflect.New(elemType)
		}
		if err := iter.Get(outputArg.Interface()); err != nil {
			iter.Close()
			return err
		}
		if elemType.Kind() == reflect.Pointer {
			sliceVal = reflect.Append(sliceVal, outputArg)
		} else {
			sliceVal = reflect.Append(sliceVal, outputArg.Elem())
		}
	}
	err = iter.Close()
	if err != nil {
		return err
	} else if !rowsReturned && q.pq.returnsRows() {
		return ErrNoRows
	}

	if sliceVal.IsValid() {
		slicePtrVal.Elem().Set(sliceVal)
	}
	return nil
}

// TX represents a transaction on the database.
type TX struct {
	sqltx *sql.Tx
	db    *DB
	done  int32
}

func (tx *TX) isDone() bool {
	return atomic.LoadInt32(&tx.done) == 1
}

func (tx *TX) setDone() error {
	if !atomic.CompareAndSwapInt32(&tx.done, 0, 1) {
		return ErrTXDone
	}
	return nil
}

// Begin starts a transaction. A transaction must be ended with a
// [TX.Commit] or [TX.Rollback].
func (db *DB) Begin(ctx context.Context, opts *TXOptions) (*TX, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sqltx, err := db.sqldb.BeginTx(ctx, opts.plainTXOptions())
	if err != nil {
		return nil, err
	}
	return &TX{sqltx: sqltx, db: db}, nil
}

// Commit commits the transaction.
func (tx *TX) Commit() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Commit()
	}
	return err
}

// Rollback aborts the transaction.
func (tx *TX) Rollback() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Rollback()
	}
	return err
}

// TXOptions holds the transaction options to be used in [DB.Begin].
type TXOptions struct {
	// Isolation is the transaction isolation level.
	// If zero, the driver or database's default level is used.
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func (txopts *TXOptions) plainTXOptions() *sql.TxOptions {
	if txopts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: txopts.Isolation, ReadOnly: txopts.ReadOnly}
}

// Query builds a new query on the transaction from a context, a
// [PreparedQuery] and the values of its placeholders. The query is run when
// one of [Query.Iter], [Query.Run], [Query.Get] or [Query.GetAll] is
// executed.
func (tx *TX) Query(ctx context.Context, pq *PreparedQuery, values Placeholders) *Query {
	if ctx == nil {
		ctx = context.Background()
	}
	if tx.isDone() {
		return &Query{ctx: ctx, err: ErrTXDone}
	}

	args, err := bindArgs(tx.db.dialect, pq, values)
	if err != nil {
		return &Query{ctx: ctx, err: err}
	}

	run := func(innerCtx context.Context) (rows *sql.Rows, result sql.Result, err error) {
		start := time.Now()
		defer func() {
			tx.db.logQuery(innerCtx, pq, len(args), time.Since(start), err)
		}()

		sqlstmt, ok := stmtCache.lookupStmt(tx.db, pq)
		if ok {
			// Register the prepared statement on the transaction. This does
			// not re-prepare the statement on the driver. The txstmt is
			// closed by database/sql when the transaction ends.
			txstmt := tx.sqltx.StmtContext(innerCtx, sqlstmt)
			if pq.returnsRows() {
				rows, err = txstmt.QueryContext(innerCtx, args...)
			} else {
				result, err = txstmt.ExecContext(innerCtx, args...)
			}
			return rows, result, err
		}

		return runSQL(innerCtx, tx.sqltx, pq, args)
	}

	return &Query{pq: pq, ctx: ctx, run: run, err: nil}
}
