package dbclient

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// buildMySQLDSN constructs a MySQL DSN from connection options.
func buildMySQLDSN(o ConnOptions) string {
	port := o.Port
	if port == 0 {
		port = 3306
	}
	// Format: user:password@tcp(host:port)/dbname?parseTime=true
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		o.Username, o.Password, o.Host, port, o.Database,
	)
	if o.SSLMode == "require" {
		dsn += "&tls=true"
	}
	return dsn
}
