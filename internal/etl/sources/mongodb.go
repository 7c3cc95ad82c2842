package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"ledgersync/internal/dbclient"
	"ledgersync/internal/etl"
	"ledgersync/internal/logger"
)

// ── MongoDB Source ──────────────────────────────────────────
// Reads a MongoDB collection. Documents are normalised to plain Go values
// and the _id is exposed under the identity field.

// Ordering value encodings understood by the $gt filter.
const (
	orderingDate   = "date"   // BSON date (default)
	orderingString = "string" // RFC 3339 text in UTC; offsets need date
	orderingNumber = "number" // Unix seconds
)

type mongoOptions struct {
	dbclient.ConnOptions `mapstructure:",squash"`
	URI                  string `mapstructure:"uri"`
	Collection           string `mapstructure:"collection"`
	IDField              string `mapstructure:"id_field"`
	OrderingAs           string `mapstructure:"ordering_as"`
	BatchSize            int32  `mapstructure:"batch_size"`
}

type mongoSource struct {
	opts          mongoOptions
	orderingField string
	log           *zap.Logger

	mu     sync.Mutex
	client *mongo.Client
	coll   *mongo.Collection
}

func init() {
	etl.RegisterSource(etl.SourceSpec{
		Type:  "mongodb",
		Label: "MongoDB Collection",
		ConfigFields: []etl.ConfigField{
			{Key: "collection", Required: true, Help: "Collection holding the documents"},
			{Key: "uri", Help: "mongodb:// or mongodb+srv:// connection string"},
			{Key: "host", Help: "Hostname when no uri is given"},
			{Key: "port"},
			{Key: "database", Help: "Database name (default: from uri, else 'test')"},
			{Key: "username"},
			{Key: "password", Help: "Also fills <password> placeholders in the uri"},
			{Key: "params", Help: "Extra URI parameters (authSource, replicaSet, ...)"},
			{Key: "id_field", Help: "Field receiving the document _id (default: id)"},
			{Key: "ordering_as", Help: "How the ordering field is stored: date (default), string, number"},
			{Key: "batch_size", Help: "Cursor batch size"},
		},
	}, newMongoSource)
}

func newMongoSource(cfg etl.SourceConfig, orderingField string) (etl.Source, error) {
	var opts mongoOptions
	if err := cfg.Decode(&opts); err != nil {
		return nil, fmt.Errorf("mongodb source: %w", err)
	}
	opts.Driver = dbclient.DriverMongoDB
	if opts.URI != "" {
		opts.DSN = opts.URI
	}
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	switch opts.OrderingAs {
	case "":
		opts.OrderingAs = orderingDate
	case orderingDate, orderingString, orderingNumber:
	default:
		return nil, fmt.Errorf("mongodb source: unknown ordering_as %q", opts.OrderingAs)
	}
	return &mongoSource{
		opts:          opts,
		orderingField: orderingField,
		log:           logger.WithModule("mongodb"),
	}, nil
}

// collection connects on first use.
func (s *mongoSource) collection(ctx context.Context) (*mongo.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coll != nil {
		return s.coll, nil
	}
	client, dbName, err := dbclient.ConnectMongo(ctx, s.opts.ConnOptions)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.coll = client.Database(dbName).Collection(s.opts.Collection)
	return s.coll, nil
}

func (s *mongoSource) FetchAll(ctx context.Context) ([]etl.RawRecord, error) {
	return s.find(ctx, bson.M{})
}

// FetchSince narrows the query server-side and re-checks each document
// with filterSince, which enforces the strict "after watermark" rule.
func (s *mongoSource) FetchSince(ctx context.Context, watermark time.Time) ([]etl.RawRecord, error) {
	records, err := s.find(ctx, sinceFilter(s.orderingField, watermark, s.opts.OrderingAs))
	if err != nil {
		return nil, err
	}
	return filterSince(records, s.orderingField, watermark), nil
}

// sinceFilter builds the server-side bound. Strings compare byte-wise, so
// "...T12:00:00.7Z" sorts below "...T12:00:00Z". String orderings therefore
// use $gte on the zone-less second prefix, which every UTC rendering of a
// later instant sorts at or above. Values carrying +hh:mm offsets do not
// sort by instant at all and must be stored as dates.
func sinceFilter(field string, watermark time.Time, as string) bson.M {
	var bound any
	switch as {
	case orderingString:
		return bson.M{field: bson.M{"$gte": watermark.UTC().Format("2006-01-02T15:04:05")}}
	case orderingNumber:
		bound = watermark.Unix()
	default:
		bound = watermark.UTC()
	}
	return bson.M{field: bson.M{"$gt": bound}}
}

func (s *mongoSource) find(ctx context.Context, filter bson.M) ([]etl.RawRecord, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if s.opts.BatchSize > 0 {
		opts.SetBatchSize(s.opts.BatchSize)
	}
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var records []etl.RawRecord
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		records = append(records, docToRecord(doc, s.opts.IDField))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	s.log.Debug("fetched documents", zap.String("collection", s.opts.Collection), zap.Int("count", len(records)))
	return records, nil
}

// docToRecord flattens a document into a record, copying _id into idField
// unless the document already carries that field.
func docToRecord(doc bson.D, idField string) etl.RawRecord {
	rec := make(etl.RawRecord, len(doc)+1)
	for _, e := range doc {
		rec[e.Key] = dbclient.NormalizeBSON(e.Value)
	}
	if id, ok := rec["_id"]; ok && idField != "_id" {
		if _, taken := rec[idField]; !taken {
			rec[idField] = id
		}
		delete(rec, "_id")
	}
	return flattenMap(rec)
}

func (s *mongoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.client, s.coll = nil, nil
	return err
}
