package dbsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// Postgres 网络数据库驱动 (单个 pgx.Conn, 不使用连接池)。
//
// 参数: dsn, 或 host / port / user / password / dbname / sslmode / search_path。
type Postgres struct{}

// PostgresDriverName 驱动名。
const PostgresDriverName = "postgres"

func (Postgres) Name() string  { return PostgresDriverName }
func (Postgres) BindType() int { return sqlx.DOLLAR }

// Dial 建立连接。
func (Postgres) Dial(ctx context.Context, opts Options) (Conn, error) {
	cfg, err := pgx.ParseConfig(PostgresConnString(opts))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if sp := opts.String("search_path"); sp != "" {
		cfg.RuntimeParams["search_path"] = sp
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: conn}, nil
}

// PostgresConnString 由参数拼出 keyword/value 连接串; 存在 dsn 时直接使用。
func PostgresConnString(opts Options) string {
	if dsn := opts.String("dsn"); dsn != "" {
		return dsn
	}
	keys := []string{"host", "port", "user", "password", "dbname", "sslmode", "connect_timeout"}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := opts.String(k); v != "" {
			parts = append(parts, k+"="+quoteConnValue(v))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Classify 按 SQLSTATE 与网络错误分类。
func (Postgres) Classify(err error) ErrorClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "57P02": // admin_shutdown, crash_shutdown
			return ClassServerGone
		case "57P05", "25P03": // idle_session_timeout, idle_in_transaction_session_timeout
			return ClassIdleTimeout
		case "57P03", "53300": // cannot_connect_now, too_many_connections
			return ClassOpen
		case "28P01", "28000": // invalid_password, invalid_authorization_specification
			return ClassAccessDenied
		}
		return ClassOther
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ClassOpen
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ClassServerGone
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassServerGone
	}
	if strings.Contains(err.Error(), "conn closed") {
		return ClassServerGone
	}
	return ClassOther
}

// Describe 采集后端进程号与服务端版本。
func (Postgres) Describe(_ context.Context, c Conn) (Info, error) {
	pc, ok := c.(*pgConn)
	if !ok {
		return Info{}, nil
	}
	return Info{
		ConnectionID:  strconv.FormatUint(uint64(pc.conn.PgConn().PID()), 10),
		ServerVersion: pc.conn.PgConn().ParameterStatus("server_version"),
	}, nil
}

// DetectCapabilities 探测已安装的常用扩展。
func (Postgres) DetectCapabilities(ctx context.Context, c Conn) (map[string]bool, error) {
	res, err := c.Query(ctx, "SELECT extname FROM pg_extension")
	if err != nil {
		return nil, err
	}
	caps := map[string]bool{"returning": true}
	for _, row := range res.Rows {
		if len(row) > 0 {
			caps["ext:"+fmt.Sprint(row[0])] = true
		}
	}
	return caps, nil
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &Result{Columns: make([]string, len(fields)), Rows: [][]any{}}
	for i, f := range fields {
		res.Columns[i] = f.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowsAffected = rows.CommandTag().RowsAffected()
	return res, nil
}

func (c *pgConn) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	tag, err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &Result{RowsAffected: tag.RowsAffected()}, nil
}

func (c *pgConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *pgConn) Close() error {
	return c.conn.Close(context.Background())
}
