// Package driver implements a database/sql driver for lattice.
//
// What: a thin driver that exposes internal/engine.Engine via the standard
// database/sql interfaces. It supports in-memory databases (mem://, backed
// by a page file under os.TempDir that is removed on Close) and file-backed
// persistence (file:path?options).
// How: a small server wrapper owns one *engine.Engine per resolved path and
// throttles concurrent statements with reader/writer semaphore pools, same
// shape as the teacher's driver; the engine's own lock/txn managers (not
// this package) are what actually serialize conflicting reads and writes.
// Placeholders (?, $N, :N) are bound by simple string substitution with
// literal escaping, exactly as the teacher's driver does it.
// Why: integrating with database/sql gets familiar APIs, tooling, and
// portability while keeping the adaptation small and self-contained.
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/latticedb/lattice/internal/engine"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// Supported DSNs:
//   - mem://?pool_readers=4&busy_timeout=250ms
//   - file:/path/to/db.lat?page_size=4096&checkpoint_cron=@every+30s
//
// See parseDSN for all available options.
func init() {
	sql.Register("lattice", &drv{})
}

// OpenInMemory returns a *sql.DB backed by a scratch, temp-file engine.
func OpenInMemory() (*sql.DB, error) {
	return sql.Open("lattice", "mem://")
}

// cfg stores the connection parameters derived from a parsed DSN.
type cfg struct {
	filePath       string
	inMemory       bool
	pageSize       int
	checkpointCron string
	maxReaders     int
	maxWriters     int
	busyTimeout    time.Duration
}

// parseDSN parses a lattice DSN into a driver configuration.
func parseDSN(dsn string) (cfg, error) {
	var c cfg
	c.maxWriters = 1
	switch {
	case strings.HasPrefix(dsn, "mem://"):
		c.inMemory = true
		if i := strings.Index(dsn, "?"); i >= 0 {
			if err := applyDSNOptions(&c, dsn[i+1:]); err != nil {
				return c, err
			}
		}
		return c, nil
	case strings.HasPrefix(dsn, "file:"):
		path := strings.TrimPrefix(dsn, "file:")
		q := ""
		if i := strings.Index(path, "?"); i >= 0 {
			q = path[i+1:]
			path = path[:i]
		}
		if path == "" {
			return c, fmt.Errorf("lattice: file: path required")
		}
		c.filePath = filepath.Clean(path)
		if err := applyDSNOptions(&c, q); err != nil {
			return c, err
		}
		return c, nil
	default:
		return c, fmt.Errorf("lattice: unsupported DSN %q", dsn)
	}
}

func applyDSNOptions(c *cfg, q string) error {
	for _, kv := range strings.Split(q, "&") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		k := parts[0]
		v := ""
		if len(parts) == 2 {
			var err error
			if v, err = url.QueryUnescape(parts[1]); err != nil {
				return fmt.Errorf("lattice: invalid DSN option %q: %w", kv, err)
			}
		}
		if err := applyDSNOption(c, k, v); err != nil {
			return err
		}
	}
	return nil
}

// server owns one open *engine.Engine and throttles concurrent statements
// against it. Correctness of concurrent reads/writes comes from the
// engine's own lock.Manager/txn.Manager; these pools are a connection-count
// throttle on top, same role they played in the teacher's driver.
type server struct {
	mu          sync.Mutex
	eng         *engine.Engine
	tempPath    string // non-empty for a mem:// engine, removed on last Close
	refs        int
	readerPool  chan struct{}
	writerPool  chan struct{}
	busyTimeout time.Duration
}

func newServer(eng *engine.Engine, tempPath string, c cfg) *server {
	s := &server{eng: eng, tempPath: tempPath, busyTimeout: c.busyTimeout}
	if c.maxReaders > 0 {
		s.readerPool = make(chan struct{}, c.maxReaders)
	}
	if c.maxWriters > 0 {
		s.writerPool = make(chan struct{}, c.maxWriters)
	}
	return s
}

func (s *server) acquireReader(ctx context.Context) error { return s.acquire(ctx, s.readerPool) }
func (s *server) releaseReader()                           { s.release(s.readerPool) }
func (s *server) acquireWriter(ctx context.Context) error { return s.acquire(ctx, s.writerPool) }
func (s *server) releaseWriter()                           { s.release(s.writerPool) }

func (s *server) acquire(ctx context.Context, pool chan struct{}) error {
	if pool == nil {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.busyTimeout <= 0 {
		select {
		case pool <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timeout := s.busyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pool <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("lattice: busy timeout after %s", timeout)
	}
}

func (s *server) release(pool chan struct{}) {
	if pool == nil {
		return
	}
	select {
	case <-pool:
	default:
	}
}

func (s *server) closeRef() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	err := s.eng.Close()
	if s.tempPath != "" {
		os.Remove(s.tempPath)
	}
	return err
}

// drv implements driver.Driver, sharing one *server per resolved path so
// that multiple database/sql connections against the same file: DSN share
// one engine instance (database/sql pools *driver.Conn, it doesn't assume one
// process-wide singleton). A mem:// DSN resolves to a new temp path on every
// Open, so each mem:// connection gets its own engine and its own data.
type drv struct {
	mu      sync.Mutex
	servers map[string]*server
}

func (d *drv) Open(name string) (driver.Conn, error) {
	c, err := parseDSN(name)
	if err != nil {
		return nil, err
	}

	path := c.filePath
	tempPath := ""
	if c.inMemory {
		f, err := os.CreateTemp("", "lattice-mem-*.lat")
		if err != nil {
			return nil, fmt.Errorf("lattice: create temp db: %w", err)
		}
		path = f.Name()
		f.Close()
		os.Remove(path)
		tempPath = path
	}

	d.mu.Lock()
	if d.servers == nil {
		d.servers = make(map[string]*server)
	}
	s, ok := d.servers[path]
	if !ok {
		opts := engine.DefaultOptions()
		if c.pageSize > 0 {
			opts.PageSize = c.pageSize
		}
		if c.checkpointCron != "" {
			opts.CheckpointCron = c.checkpointCron
		}
		eng, err := engine.Open(path, opts)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("lattice: open: %w", err)
		}
		s = newServer(eng, tempPath, c)
		d.servers[path] = s
	}
	s.refs++
	d.mu.Unlock()

	return &conn{drv: d, path: path, srv: s}, nil
}

// ------------------- connection / transactions -------------------

type conn struct {
	drv  *drv
	path string
	srv  *server

	tx         *txn.Txn
	txReadOnly bool
}

func (c *conn) Prepare(query string) (driver.Stmt, error) { return &stmt{c: c, sql: query}, nil }

func (c *conn) Close() error {
	err := c.srv.closeRef()
	c.drv.mu.Lock()
	if c.drv.servers[c.path] == c.srv && c.srv.refs <= 0 {
		delete(c.drv.servers, c.path)
	}
	c.drv.mu.Unlock()
	return err
}

func (c *conn) Begin() (driver.Tx, error) { return c.BeginTx(context.Background(), driver.TxOptions{}) }

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	iso, err := isolationFor(opts.Isolation)
	if err != nil {
		return nil, err
	}
	pool := &c.srv.writerPool
	if opts.ReadOnly {
		pool = &c.srv.readerPool
	}
	if err := c.srv.acquire(ctx, *pool); err != nil {
		return nil, err
	}

	t, err := c.srv.eng.Begin(iso)
	if err != nil {
		c.srv.release(*pool)
		return nil, err
	}
	c.tx = t
	c.txReadOnly = opts.ReadOnly
	return &tx{c: c}, nil
}

func isolationFor(l driver.IsolationLevel) (txn.IsolationLevel, error) {
	switch sql.IsolationLevel(l) {
	case sql.LevelDefault, sql.LevelReadCommitted:
		return txn.ReadCommitted, nil
	case sql.LevelRepeatableRead, sql.LevelSerializable:
		return txn.RepeatableRead, nil
	default:
		return 0, fmt.Errorf("lattice: unsupported isolation level %v", l)
	}
}

// Ping implements driver.Pinger so database/sql can health-check the
// connection without opening a transaction.
func (c *conn) Ping(ctx context.Context) error { return nil }

type tx struct{ c *conn }

func (t *tx) Commit() error {
	defer t.release()
	return t.c.srv.eng.Commit(t.c.tx)
}

func (t *tx) Rollback() error {
	defer t.release()
	return t.c.srv.eng.Abort(t.c.tx)
}

func (t *tx) release() {
	if t.c.txReadOnly {
		t.c.srv.releaseReader()
	} else {
		t.c.srv.releaseWriter()
	}
	t.c.tx = nil
	t.c.txReadOnly = false
}

// ------------------- exec / query -------------------

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	sqlStr, err := bindPlaceholders(query, args)
	if err != nil {
		return nil, err
	}
	res, err := c.run(ctx, sqlStr)
	if err != nil {
		return nil, err
	}
	return execResult{rowsAffected: res.RowsAffected}, nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	sqlStr, err := bindPlaceholders(query, args)
	if err != nil {
		return nil, err
	}
	res, err := c.run(ctx, sqlStr)
	if err != nil {
		return nil, err
	}
	return &rows{res: res}, nil
}

func (c *conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, namedValues(args))
}

func (c *conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, namedValues(args))
}

func namedValues(args []driver.Value) []driver.NamedValue {
	n := make([]driver.NamedValue, len(args))
	for i, v := range args {
		n[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return n
}

// run executes sqlStr against the connection's active transaction, or an
// implicit one-statement autocommit transaction when none is open — the
// new engine, unlike the teacher's storage.DB, always requires a *txn.Txn.
func (c *conn) run(ctx context.Context, sqlStr string) (*engine.Result, error) {
	if c.tx != nil {
		return c.srv.eng.Execute(ctx, c.tx, sqlStr)
	}

	if err := c.srv.acquireWriter(ctx); err != nil {
		return nil, err
	}
	defer c.srv.releaseWriter()

	t, err := c.srv.eng.Begin(txn.ReadCommitted)
	if err != nil {
		return nil, err
	}
	res, err := c.srv.eng.Execute(ctx, t, sqlStr)
	if err != nil {
		c.srv.eng.Abort(t)
		return nil, err
	}
	if err := c.srv.eng.Commit(t); err != nil {
		return nil, err
	}
	return res, nil
}

// NamedValueChecker normalizes Go types into the primitives bindPlaceholders
// knows how to render as SQL literals.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch v := nv.Value.(type) {
	case time.Time:
		nv.Value = v.UTC().Format(time.RFC3339Nano)
	case []byte:
		nv.Value = base64.StdEncoding.EncodeToString(v)
	case int:
		nv.Value = int64(v)
	}
	return nil
}

// ------------------- stmt / rows -------------------

type stmt struct {
	c   *conn
	sql string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}
func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	sqlStr, err := bindPlaceholders(s.sql, args)
	if err != nil {
		return nil, err
	}
	res, err := s.c.run(ctx, sqlStr)
	if err != nil {
		return nil, err
	}
	return execResult{rowsAffected: res.RowsAffected}, nil
}
func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	sqlStr, err := bindPlaceholders(s.sql, args)
	if err != nil {
		return nil, err
	}
	res, err := s.c.run(ctx, sqlStr)
	if err != nil {
		return nil, err
	}
	return &rows{res: res}, nil
}

type execResult struct{ rowsAffected int64 }

func (r execResult) LastInsertId() (int64, error) { return 0, fmt.Errorf("lattice: no last insert id") }
func (r execResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type rows struct {
	res *engine.Result
	i   int
}

func (r *rows) Columns() []string { return r.res.Columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.i >= len(r.res.Rows) {
		return io.EOF
	}
	row := r.res.Rows[r.i]
	for i, v := range row {
		dest[i] = valueToDriver(v)
	}
	r.i++
	return nil
}

func valueToDriver(v value.Value) driver.Value {
	switch v.Kind {
	case value.Null:
		return nil
	case value.Boolean:
		return v.B
	case value.Integer:
		return int64(v.I32)
	case value.BigInt:
		return v.I64
	case value.Double:
		return v.F64
	case value.Varchar:
		return v.S
	case value.Timestamp:
		return time.UnixMicro(v.TS).UTC().Format(time.RFC3339Nano)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (r *rows) ColumnTypeDatabaseTypeName(i int) string { return "TEXT" }
func (r *rows) ColumnTypeNullable(i int) (bool, bool)   { return true, true }
func (r *rows) ColumnTypeScanType(i int) any            { return "interface{}" }

// Placeholder binding: supports traditional `?` (sequential), and numbered
// `$N`/`:N` (1-based) placeholders, same substitution scheme the teacher's
// driver used.
func bindPlaceholders(sqlStr string, args []driver.NamedValue) (string, error) {
	var sb strings.Builder
	sb.Grow(len(sqlStr) + len(args)*10)
	argi := 0
	numbered := false
	for i := 0; i < len(sqlStr); i++ {
		ch := sqlStr[i]
		if ch == '\'' {
			sb.WriteByte(ch)
			i++
			for i < len(sqlStr) {
				sb.WriteByte(sqlStr[i])
				if sqlStr[i] == '\'' {
					if i+1 < len(sqlStr) && sqlStr[i+1] == '\'' {
						i++
						sb.WriteByte(sqlStr[i])
						i++
						continue
					}
					break
				}
				i++
			}
			continue
		}
		if ch == '?' {
			if argi >= len(args) {
				return "", fmt.Errorf("lattice: not enough args for placeholders")
			}
			sb.WriteString(sqlLiteral(args[argi].Value))
			argi++
			continue
		}
		if (ch == '$' || ch == ':') && i+1 < len(sqlStr) && sqlStr[i+1] >= '0' && sqlStr[i+1] <= '9' {
			j := i + 2
			for j < len(sqlStr) && sqlStr[j] >= '0' && sqlStr[j] <= '9' {
				j++
			}
			idxStr := sqlStr[i+1 : j]
			n, err := strconv.Atoi(idxStr)
			if err != nil || n <= 0 || n > len(args) {
				return "", fmt.Errorf("lattice: invalid placeholder %c%s", ch, idxStr)
			}
			sb.WriteString(sqlLiteral(args[n-1].Value))
			numbered = true
			i = j - 1
			continue
		}
		sb.WriteByte(ch)
	}
	if !numbered && argi != len(args) {
		return "", fmt.Errorf("lattice: too many args for placeholders")
	}
	return sb.String(), nil
}

// sqlLiteral converts a Go value into a SQL literal string suitable for
// substitution in a query.
func sqlLiteral(v any) string {
	if v == nil {
		return "NULL"
	}
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	default:
		b, _ := json.Marshal(x)
		return "'" + strings.ReplaceAll(string(b), "'", "''") + "'"
	}
}

// applyDSNOption mutates the configuration in place for a single DSN option.
func applyDSNOption(c *cfg, key, value string) error {
	key = strings.ToLower(key)
	switch key {
	case "page_size":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("lattice: invalid page_size value %q", value)
		}
		c.pageSize = n
	case "checkpoint_cron":
		c.checkpointCron = value
	case "pool_readers", "read_pool", "reader_pool":
		n, err := parsePoolSize(value, "pool_readers")
		if err != nil {
			return err
		}
		c.maxReaders = n
	case "pool_writers", "write_pool", "writer_pool":
		n, err := parsePoolSize(value, "pool_writers")
		if err != nil {
			return err
		}
		c.maxWriters = n
	case "busy_timeout", "busytimeout":
		dur, err := parseBusyTimeout(value)
		if err != nil {
			return err
		}
		c.busyTimeout = dur
	}
	return nil
}

func parsePoolSize(value, key string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("lattice: invalid %s value %q", key, value)
	}
	return n, nil
}

func parseBusyTimeout(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	isNumeric := true
	for _, r := range value {
		if r < '0' || r > '9' {
			isNumeric = false
			break
		}
	}
	if isNumeric {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms < 0 {
			return 0, fmt.Errorf("lattice: invalid busy_timeout value %q", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil || dur < 0 {
		return 0, fmt.Errorf("lattice: invalid busy_timeout value %q", value)
	}
	return dur, nil
}
