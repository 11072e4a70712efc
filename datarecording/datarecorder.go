// Package datarecording stores simulation records in SQL databases.
package datarecording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/structs"
	"github.com/go-sql-driver/mysql"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DataRecorder is a backend that can record and store data
type DataRecorder interface {
	// CreateTable creates a table whose columns are the fields of the sample
	// entry.
	CreateTable(tableName string, sampleEntry any)

	// InsertData buffers an entry of a table that already exists.
	InsertData(tableName string, entry any)

	// ListTables returns the names of the tables created.
	ListTables() []string

	// Flush writes all the buffered entries into the database.
	Flush()

	// Close flushes and closes the database.
	Close() error
}

// ErrInvalidEntry is returned for entries that cannot be stored as a row.
var ErrInvalidEntry = errors.New("entry is invalid")

// New creates a DataRecorder writing to the SQLite file <path>.sqlite3. An
// empty path picks a unique name. The file must not exist.
func New(path string) (DataRecorder, error) {
	if path == "" {
		path = "memhier_" + xid.New().String()
	}

	filename := path + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		return nil, fmt.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	return NewWithDB(db, SQLite), nil
}

// NewMySQL creates a DataRecorder writing to a MySQL database. The DSN uses
// the format of github.com/go-sql-driver/mysql.
func NewMySQL(dsn string) (DataRecorder, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing MySQL DSN: %w", err)
	}

	if cfg.DBName == "" {
		return nil, fmt.Errorf("MySQL DSN %q names no database", dsn)
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}

	return NewWithDB(sql.OpenDB(connector), MySQL), nil
}

// NewWithDB creates a DataRecorder with a given database.
func NewWithDB(db *sql.DB, dialect Dialect) DataRecorder {
	w := &sqlWriter{
		DB:        db,
		dialect:   dialect,
		batchSize: 100000,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { w.Flush() })

	return w
}

type table struct {
	structType reflect.Type
	entries    []any
}

// sqlWriter buffers entries and writes them in batches.
type sqlWriter struct {
	*sql.DB

	dialect    Dialect
	tables     map[string]*table
	tableNames []string
	batchSize  int
	entryCount int
	closed     bool
}

func checkStructFields(entry any) error {
	t := reflect.TypeOf(entry)
	if t == nil || t.Kind() != reflect.Struct {
		return ErrInvalidEntry
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if !field.IsExported() {
			return fmt.Errorf("%w: field %s is not exported",
				ErrInvalidEntry, field.Name)
		}

		if _, ok := columnKinds[field.Type.Kind()]; !ok {
			return fmt.Errorf("%w: field %s has kind %s",
				ErrInvalidEntry, field.Name, field.Type.Kind())
		}
	}

	return nil
}

func (w *sqlWriter) CreateTable(tableName string, sampleEntry any) {
	err := checkStructFields(sampleEntry)
	if err != nil {
		panic(err)
	}

	if _, exists := w.tables[tableName]; exists {
		panic(fmt.Sprintf("table %s already exists", tableName))
	}

	w.mustExecute(w.dialect.createTable(tableName, sampleEntry))

	w.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
	}
	w.tableNames = append(w.tableNames, tableName)
}

func (w *sqlWriter) InsertData(tableName string, entry any) {
	table, exists := w.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	if reflect.TypeOf(entry) != table.structType {
		panic(fmt.Sprintf("entry of type %T does not fit table %s",
			entry, tableName))
	}

	table.entries = append(table.entries, entry)

	w.entryCount++
	if w.entryCount >= w.batchSize {
		w.Flush()
	}
}

func (w *sqlWriter) ListTables() []string {
	tables := make([]string, len(w.tableNames))
	copy(tables, w.tableNames)

	return tables
}

func (w *sqlWriter) Flush() {
	if w.closed || w.entryCount == 0 {
		return
	}

	tx, err := w.Begin()
	if err != nil {
		panic(err)
	}

	for _, tableName := range w.tableNames {
		table := w.tables[tableName]
		if len(table.entries) == 0 {
			continue
		}

		w.insertAll(tx, tableName, table)
		table.entries = nil
	}

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	w.entryCount = 0
}

func (w *sqlWriter) insertAll(tx *sql.Tx, tableName string, t *table) {
	stmt, err := tx.Prepare(w.dialect.insert(tableName, t.entries[0]))
	if err != nil {
		panic(err)
	}
	defer stmt.Close()

	for _, entry := range t.entries {
		if _, err := stmt.Exec(structs.Values(entry)...); err != nil {
			panic(err)
		}
	}
}

func (w *sqlWriter) Close() error {
	if w.closed {
		return nil
	}

	w.Flush()
	w.closed = true

	return w.DB.Close()
}

func (w *sqlWriter) mustExecute(query string) sql.Result {
	res, err := w.Exec(query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}

// Dialect is the SQL flavor of a database.
type Dialect string

// Supported dialects.
const (
	SQLite Dialect = "sqlite3"
	MySQL  Dialect = "mysql"
)

var columnKinds = map[reflect.Kind]string{
	reflect.Bool:    "BOOLEAN",
	reflect.Int:     "BIGINT",
	reflect.Int8:    "BIGINT",
	reflect.Int16:   "BIGINT",
	reflect.Int32:   "BIGINT",
	reflect.Int64:   "BIGINT",
	reflect.Uint:    "BIGINT UNSIGNED",
	reflect.Uint8:   "BIGINT UNSIGNED",
	reflect.Uint16:  "BIGINT UNSIGNED",
	reflect.Uint32:  "BIGINT UNSIGNED",
	reflect.Uint64:  "BIGINT UNSIGNED",
	reflect.Float32: "DOUBLE",
	reflect.Float64: "DOUBLE",
	reflect.String:  "TEXT",
}

func (d Dialect) createTable(tableName string, sampleEntry any) string {
	fields := structs.Fields(sampleEntry)

	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = d.quote(f.Name()) + " " + columnKinds[f.Kind()]
	}

	return "CREATE TABLE " + d.quote(tableName) +
		" (\n\t" + strings.Join(columns, ",\n\t") + "\n);"
}

func (d Dialect) insert(tableName string, sampleEntry any) string {
	names := structs.Names(sampleEntry)

	columns := make([]string, len(names))
	marks := make([]string, len(names))

	for i, n := range names {
		columns[i] = d.quote(n)
		marks[i] = "?"
	}

	return "INSERT INTO " + d.quote(tableName) +
		" (" + strings.Join(columns, ", ") + ")" +
		" VALUES (" + strings.Join(marks, ", ") + ")"
}

func (d Dialect) quote(name string) string {
	if d == MySQL {
		return "`" + name + "`"
	}

	return `"` + name + `"`
}
