// Package mysqltest provides a scripted database/sql driver for exercising
// SQL stores without a running MySQL server. Each expected operation is
// consumed in order; queries are compared after whitespace normalisation.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// OpType 标识一次驱动调用。
type OpType int

const (
	OpExec OpType = iota
	OpQuery
	OpBegin
	OpCommit
	OpRollback
)

func (t OpType) String() string {
	switch t {
	case OpExec:
		return "exec"
	case OpQuery:
		return "query"
	case OpBegin:
		return "begin"
	case OpCommit:
		return "commit"
	case OpRollback:
		return "rollback"
	default:
		return fmt.Sprintf("OpType(%d)", int(t))
	}
}

// Result 是 Exec 的返回值。
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows 是 Query 的返回值。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Op 是一条预期操作。Query 为空时不校验语句；Check 可检查绑定参数。
type Op struct {
	Type   OpType
	Query  string
	Result Result
	Rows   Rows
	Err    error
	Check  func(args []driver.Value) error
}

// Exec 期望一次 Exec。
func Exec(query string, result Result) Op { return Op{Type: OpExec, Query: query, Result: result} }

// Query 期望一次 Query。
func Query(query string, rows Rows) Op { return Op{Type: OpQuery, Query: query, Rows: rows} }

// Begin 期望开启事务。
func Begin() Op { return Op{Type: OpBegin} }

// Commit 期望提交事务。
func Commit() Op { return Op{Type: OpCommit} }

// Rollback 期望回滚事务。
func Rollback() Op { return Op{Type: OpRollback} }

// WithErr 让该操作返回 err。
func (o Op) WithErr(err error) Op {
	o.Err = err
	return o
}

// WithArgs 校验绑定参数。
func (o Op) WithArgs(check func(args []driver.Value) error) Op {
	o.Check = check
	return o
}

// Driver 按顺序回放预期操作。
type Driver struct {
	mu   sync.Mutex
	ops  []Op
	idx  int
	errs []error
}

var driverSeq atomic.Int32

// Register 注册一个新的脚本驱动并返回驱动名，供 sql.Open 使用。
func Register(ops ...Op) (string, *Driver) {
	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)
	return name, drv
}

// NewDB 注册驱动并打开单连接的 *sql.DB。
func NewDB(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	name, drv := Register(ops...)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

// AssertConsumed 断言所有预期操作都已执行且没有不匹配。
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, err := range d.errs {
		t.Errorf("scripted driver: %v", err)
	}
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected OpType, query string, args []driver.Value) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fail := func(err error) (*Op, error) {
		d.errs = append(d.errs, err)
		return nil, err
	}
	if d.idx >= len(d.ops) {
		return fail(fmt.Errorf("unexpected %s %q", expected, normalize(query)))
	}
	op := &d.ops[d.idx]
	if op.Type != expected {
		return fail(fmt.Errorf("expected %s, got %s %q", op.Type, expected, normalize(query)))
	}
	d.idx++
	if op.Query != "" && normalize(op.Query) != normalize(query) {
		return fail(fmt.Errorf("unexpected query. want %q got %q", normalize(op.Query), normalize(query)))
	}
	if op.Check != nil {
		if err := op.Check(args); err != nil {
			return fail(err)
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(OpBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(OpExec, query, values(args))
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return op.Result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(OpQuery, query, values(args))
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &rows{columns: op.Rows.Columns, values: op.Rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(OpCommit, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(OpRollback, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func values(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, arg := range args {
		out[i] = arg.Value
	}
	return out
}

func normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
