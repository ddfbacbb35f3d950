package dbsession

import (
	"fmt"
	"strings"
)

// LookupDriver 按名称返回内置驱动。
func LookupDriver(name string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SQLiteDriverName, "sqlite3":
		return SQLite{}, nil
	case PostgresDriverName, "postgresql", "pg":
		return Postgres{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", name)
}
