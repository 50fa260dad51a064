package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectMySQL
)

func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "sqlite"
}

func (d Dialect) String() string {
	return d.DriverName()
}

// upsert builds an insert that overwrites every non-key column when a row with
// the same key already exists.
func (d Dialect) upsert(table, key string, columns []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	updates := make([]string, 0, len(columns)-1)
	for _, c := range columns {
		if c == key {
			continue
		}
		if d == DialectMySQL {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if d == DialectMySQL {
		fmt.Fprintf(&b, " ON DUPLICATE KEY UPDATE %s", strings.Join(updates, ", "))
	} else {
		fmt.Fprintf(&b, " ON CONFLICT(%s) DO UPDATE SET %s", key, strings.Join(updates, ", "))
	}
	return b.String()
}
