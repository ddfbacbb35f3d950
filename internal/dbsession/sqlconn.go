package dbsession

import (
	"context"
	"database/sql"
)

// sqlConn 基于 database/sql 的物理连接: 固定一个 *sql.Conn, 保证语句在同一会话上执行。
type sqlConn struct {
	db   *sql.DB
	conn *sql.Conn
}

// NewSQLConn 从 *sql.DB 固定一个连接。db 的生命周期随返回的 Conn 结束。
func NewSQLConn(ctx context.Context, db *sql.DB) (Conn, error) {
	c, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlConn{db: db, conn: c}, nil
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			// 驱动返回的 []byte 指向内部缓冲, 复制后再交给调用方
			if b, ok := v.([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	r, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if n, err := r.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	if id, err := r.LastInsertId(); err == nil {
		res.LastInsertID = id
	}
	return res, nil
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
