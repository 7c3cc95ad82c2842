package dbclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"ledgersync/internal/logger"
)

// BuildMongoURI returns the connection URI for o. A DSN that is already a
// mongodb:// or mongodb+srv:// string is used directly, with password
// placeholders filled and the database appended to its path when missing.
func BuildMongoURI(o ConnOptions) string {
	uri := o.DSN
	if uri == "" && (strings.HasPrefix(o.Host, "mongodb+srv://") || strings.HasPrefix(o.Host, "mongodb://")) {
		uri = o.Host
	}

	if uri != "" {
		// Atlas connection strings ship with a placeholder.
		if o.Password != "" {
			uri = strings.ReplaceAll(uri, "<password>", o.Password)
			uri = strings.ReplaceAll(uri, "<db_password>", o.Password)
		}
		if o.Database != "" && databaseFromURI(uri) == "" {
			if idx := strings.Index(uri, "?"); idx != -1 {
				uri = strings.TrimRight(uri[:idx], "/") + "/" + o.Database + uri[idx:]
			} else {
				uri = strings.TrimRight(uri, "/") + "/" + o.Database
			}
		}
		return uri
	}

	port := o.Port
	if port == 0 {
		port = 27017
	}
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	if o.Username != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s:%d", o.Username, o.Password, host, port)
	} else {
		uri = fmt.Sprintf("mongodb://%s:%d", host, port)
	}
	if o.Database != "" {
		uri += "/" + o.Database
	}

	if len(o.Params) > 0 {
		keys := make([]string, 0, len(o.Params))
		for k := range o.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		params := make([]string, len(keys))
		for i, k := range keys {
			params[i] = k + "=" + o.Params[k]
		}
		if o.Database == "" {
			uri += "/"
		}
		uri += "?" + strings.Join(params, "&")
	}
	return uri
}

// databaseFromURI extracts the path segment of user:pass@host/DB?params.
func databaseFromURI(uri string) string {
	rest := uri
	for _, prefix := range []string{"mongodb+srv://", "mongodb://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = rest[len(prefix):]
			break
		}
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		rest = rest[at+1:]
	}
	slash := strings.Index(rest, "/")
	if slash == -1 {
		return ""
	}
	path := rest[slash+1:]
	if q := strings.Index(path, "?"); q != -1 {
		path = path[:q]
	}
	return path
}

// ConnectMongo connects and pings a MongoDB deployment. It returns the
// client and the database name resolved from o or the URI ("test" if none).
func ConnectMongo(ctx context.Context, o ConnOptions) (*mongo.Client, string, error) {
	uri := BuildMongoURI(o)

	dbName := o.Database
	if dbName == "" {
		dbName = databaseFromURI(uri)
	}
	if dbName == "" {
		dbName = "test"
	}

	log := logger.WithModule("mongo")
	logURI := uri
	if o.Password != "" {
		logURI = strings.ReplaceAll(logURI, o.Password, "***")
	}
	log.Debug("connecting", zap.String("uri", logURI), zap.String("database", dbName))

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, "", fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, "", fmt.Errorf("ping mongo: %w", err)
	}
	return client, dbName, nil
}

// NormalizeBSON converts driver-specific BSON values into the plain Go
// values records carry: ObjectIDs become hex strings, dates become UTC
// time.Time, decimals become numeric strings, and nested documents and
// arrays become maps and slices.
func NormalizeBSON(v any) any {
	switch x := v.(type) {
	case bson.ObjectID:
		return x.Hex()
	case bson.DateTime:
		return x.Time().UTC()
	case bson.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case bson.Decimal128:
		return x.String()
	case bson.Null, bson.Undefined:
		return nil
	case bson.Binary:
		return x.Data
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = NormalizeBSON(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = NormalizeBSON(e)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = NormalizeBSON(e)
		}
		return out
	default:
		return v
	}
}
