package dbclient

import (
	"fmt"

	_ "github.com/lib/pq"
)

// buildPostgresDSN constructs a Postgres connection string from connection options.
func buildPostgresDSN(o ConnOptions) string {
	port := o.Port
	if port == 0 {
		port = 5432
	}
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		o.Host, port, o.Username, o.Password, o.Database, sslMode,
	)
}
