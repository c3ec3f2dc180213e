// Package store persists matches and the bet ledger. Tables are generated
// from struct tags:
//
//	column:"name"     column name (default: lower-cased field name)
//	dbtype:"TEXT"     column type; fields without one are not persisted
//	primary:"true"    part of the primary key
//	index:"true"      gets its own index
//
// sqlite (modernc, pure Go) is the default driver; postgres (lib/pq) works
// with the same SQL once placeholders are rebound.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/richard-senior/podds/internal/logger"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a primary key lookup matches nothing
var ErrNotFound = errors.New("record not found")

// Persistable is anything the store can save
type Persistable interface {
	TableName() string
	PrimaryKey() map[string]any
	BeforeSave() error
}

// Store wraps a database handle. It holds no global state, so several
// stores may be open at once.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects using driver "sqlite" or "postgres"
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// every sqlite connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Database initialized successfully " + driver)
	return New(db, driver), nil
}

// New wraps an existing handle
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for ad hoc queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates every podds table
func (s *Store) Migrate(ctx context.Context) error {
	for _, obj := range []Persistable{&MatchRow{}, &BetRow{}} {
		if err := s.CreateTable(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

// CreateTable creates the table and indexes for obj if they do not exist
func (s *Store) CreateTable(ctx context.Context, obj Persistable) error {
	table := obj.TableName()
	createSQL := createTableSQL(obj, table)
	logger.Debug("Creating table with SQL " + createSQL)
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	for _, q := range indexSQL(obj, table) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			logger.Warn("Failed to create index", err)
		}
	}
	return nil
}

type field struct {
	column  string
	dbtype  string
	primary bool
	index   bool
	value   reflect.Value
}

// fields lists the persisted fields of obj in declaration order
func fields(obj any) []field {
	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	var out []field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("dbtype") == "" {
			continue
		}
		col := f.Tag.Get("column")
		if col == "" {
			col = strings.ToLower(f.Name)
		}
		out = append(out, field{
			column:  col,
			dbtype:  f.Tag.Get("dbtype"),
			primary: f.Tag.Get("primary") == "true",
			index:   f.Tag.Get("index") == "true",
			value:   v.Field(i),
		})
	}
	return out
}

func createTableSQL(obj any, table string) string {
	var cols, pks []string
	for _, f := range fields(obj) {
		cols = append(cols, f.column+" "+f.dbtype)
		if f.primary {
			pks = append(pks, f.column)
		}
	}
	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", "))
}

func indexSQL(obj any, table string) []string {
	var out []string
	for _, f := range fields(obj) {
		if f.index {
			out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", table, f.column, table, f.column))
		}
	}
	return out
}

// rebind rewrites ? placeholders as $1, $2... for postgres
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Save inserts obj, or updates it when its primary key already exists
func (s *Store) Save(ctx context.Context, obj Persistable) error {
	return s.save(ctx, s.db, obj)
}

// SaveAll saves every object in one transaction
func (s *Store) SaveAll(ctx context.Context, objs []Persistable) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, obj := range objs {
		if err := s.save(ctx, tx, obj); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, x execer, obj Persistable) error {
	if err := obj.BeforeSave(); err != nil {
		return fmt.Errorf("before save hook failed: %w", err)
	}
	exists, err := s.exists(ctx, x, obj)
	if err != nil {
		return err
	}

	table := obj.TableName()
	var query string
	var args []any
	if exists {
		var sets []string
		for _, f := range fields(obj) {
			if !f.primary {
				sets = append(sets, f.column+" = ?")
				args = append(args, f.value.Interface())
			}
		}
		where, whereArgs := whereClause(obj.PrimaryKey())
		args = append(args, whereArgs...)
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	} else {
		var cols, marks []string
		for _, f := range fields(obj) {
			cols = append(cols, f.column)
			marks = append(marks, "?")
			args = append(args, f.value.Interface())
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	}

	if _, err := x.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to save into %s: %w", table, err)
	}
	return nil
}

// Exists reports whether a row with obj's primary key is stored
func (s *Store) Exists(ctx context.Context, obj Persistable) (bool, error) {
	return s.exists(ctx, s.db, obj)
}

func (s *Store) exists(ctx context.Context, x execer, obj Persistable) (bool, error) {
	where, args := whereClause(obj.PrimaryKey())
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", obj.TableName(), where)
	var n int
	if err := x.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check existence in %s: %w", obj.TableName(), err)
	}
	return n > 0, nil
}

// Delete removes obj by primary key
func (s *Store) Delete(ctx context.Context, obj Persistable) error {
	where, args := whereClause(obj.PrimaryKey())
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", obj.TableName(), where)
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", obj.TableName(), err)
	}
	return nil
}

// FindByPrimaryKey fills obj from the row matching its primary key
func (s *Store) FindByPrimaryKey(ctx context.Context, obj Persistable) error {
	cols, dests := selectData(obj)
	where, args := whereClause(obj.PrimaryKey())
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), obj.TableName(), where)
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(dests...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", obj.TableName(), ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to scan row from %s: %w", obj.TableName(), err)
	}
	return nil
}

// FindWhere returns every T matching the where clause (empty for all rows)
func FindWhere[T any, PT interface {
	*T
	Persistable
}](ctx context.Context, s *Store, where string, args ...any) ([]*T, error) {
	var zero T
	table := PT(&zero).TableName()
	cols, _ := selectData(PT(&zero))

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	if where != "" {
		query += " WHERE " + where
	}
	logger.Debug("FindWhere SQL " + query)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		item := new(T)
		_, dests := selectData(PT(item))
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows from %s: %w", table, err)
	}
	return out, nil
}

func selectData(obj any) ([]string, []any) {
	var cols []string
	var dests []any
	for _, f := range fields(obj) {
		cols = append(cols, f.column)
		dests = append(dests, f.value.Addr().Interface())
	}
	return cols, dests
}

func whereClause(pk map[string]any) (string, []any) {
	var conds []string
	var args []any
	for col, v := range pk {
		conds = append(conds, col+" = ?")
		args = append(args, v)
	}
	return strings.Join(conds, " AND "), args
}
