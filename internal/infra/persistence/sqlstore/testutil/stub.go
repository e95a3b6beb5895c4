// Package testutil provides a scriptable stub database for sqlstore tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// StubConn records statements and injects failures for the SQL store during tests.
// INSERT ... RETURNING queries answer with a fresh id; SELECT queries answer
// with the rows registered in Tables.
type StubConn struct {
	mu sync.Mutex

	Execs   []string
	Queries []string
	Args    [][]any
	Tables  map[string]StubTable

	FailExec   bool
	FailBegin  bool
	FailCommit bool
	FailPing   bool
	// FailOn makes any statement containing the substring fail.
	FailOn string
	// NoRows makes RETURNING queries yield an empty result.
	NoRows bool
	// RowsAffected is returned by ExecContext; 1 when zero.
	RowsAffected int64

	Commits   int
	Rollbacks int
	nextID    int64
}

// StubTable is a canned result set.
type StubTable struct {
	Columns []string
	Types   []string
	Rows    [][]driver.Value
}

var stubSeq atomic.Int64

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string]StubTable)}
	name := fmt.Sprintf("stubsql%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

func (c *StubConn) record(query string, args []driver.NamedValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.Args = append(c.Args, vals)
	if c.FailOn != "" && strings.Contains(query, c.FailOn) {
		return fmt.Errorf("stub failure on %q", c.FailOn)
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if err := c.record(query, args); err != nil {
		return nil, err
	}
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	if c.RowsAffected == 0 {
		return driver.RowsAffected(1), nil
	}
	return driver.RowsAffected(c.RowsAffected), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.Queries = append(c.Queries, query)
	if err := c.record(query, args); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	if strings.Contains(upper, "RETURNING") {
		if c.NoRows {
			return &stubRows{cols: []string{"id"}}, nil
		}
		c.nextID++
		return &stubRows{cols: []string{"id"}, rows: [][]driver.Value{{c.nextID}}}, nil
	}
	table, err := selectTable(query)
	if err != nil {
		return nil, err
	}
	t := c.Tables[table]
	return &stubRows{cols: t.Columns, types: t.Types, rows: t.Rows}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.Rollbacks++
	return nil
}

type stubRows struct {
	cols  []string
	types []string
	rows  [][]driver.Value
	idx   int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *stubRows) ColumnTypeDatabaseTypeName(i int) string {
	if i < len(r.types) {
		return r.types[i]
	}
	return ""
}

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func selectTable(query string) (string, error) {
	lower := strings.ToLower(query)
	fromIdx := strings.Index(lower, " from ")
	if !strings.HasPrefix(strings.TrimSpace(lower), "select ") || fromIdx == -1 {
		return "", fmt.Errorf("cannot parse select: %s", query)
	}
	rest := strings.Fields(lower[fromIdx+len(" from "):])
	if len(rest) == 0 {
		return "", fmt.Errorf("cannot parse select: %s", query)
	}
	return rest[0], nil
}
