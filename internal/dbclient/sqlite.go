package dbclient

import (
	_ "modernc.org/sqlite"
)

// buildSQLiteDSN opens an external SQLite file read-mostly, tolerating a
// concurrent writer.
func buildSQLiteDSN(o ConnOptions) string {
	return o.Host + "?_pragma=busy_timeout(5000)"
}
