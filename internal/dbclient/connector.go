package dbclient

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Driver names accepted by OpenSQL and ConnectMongo.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongoDB  = "mongodb"
)

// ConnOptions describes how to reach a remote database. DSN, when set, is
// used as-is (a full URI for MongoDB) and the discrete fields are ignored
// except Password, which replaces <password> placeholders.
type ConnOptions struct {
	Driver   string            `mapstructure:"driver"`
	DSN      string            `mapstructure:"dsn"`
	Host     string            `mapstructure:"host"` // hostname, or file path for sqlite
	Port     int               `mapstructure:"port"`
	Database string            `mapstructure:"database"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	SSLMode  string            `mapstructure:"ssl_mode"`
	Params   map[string]string `mapstructure:"params"` // extra URI parameters (authSource, replicaSet, ...)
}

// dsn builds the driver-specific connection string.
func (o ConnOptions) dsn() (string, error) {
	if o.DSN != "" {
		return o.DSN, nil
	}
	switch o.Driver {
	case DriverMySQL:
		return buildMySQLDSN(o), nil
	case DriverPostgres:
		return buildPostgresDSN(o), nil
	case DriverSQLite:
		return buildSQLiteDSN(o), nil
	case DriverMongoDB:
		return BuildMongoURI(o), nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", o.Driver)
	}
}

// OpenSQL opens and pings a relational source database.
func OpenSQL(ctx context.Context, o ConnOptions) (*sqlx.DB, error) {
	if o.Driver == DriverMongoDB {
		return nil, fmt.Errorf("driver %s is not a SQL driver", o.Driver)
	}
	dsn, err := o.dsn()
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(o.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Driver, err)
	}
	// Sources are read once per cycle; a small pool is enough.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", o.Driver, err)
	}
	return db, nil
}
