package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
	"github.com/dojoworks/dojo/internal/metrics"
)

const (
	mongoConnectTimeout = 10 * time.Second
	mongoListCap        = 1000
)

// Mongo serves the same narrow Query/Mutation surface from MongoDB. The
// path namespace maps to a collection and the op to a collection verb:
// get→FindOne, list→Find, put/update→ReplaceOne(upsert),
// append→InsertOne, delete→DeleteOne.
type Mongo struct {
	client *mongodriver.Client
	db     *mongodriver.Database
	log    *zap.Logger
}

// NewMongo connects to uri and pings the deployment before returning.
func NewMongo(ctx context.Context, uri, database string, log *zap.Logger) (*Mongo, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, apperr.External("storage", fmt.Errorf("connect mongo: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperr.External("storage", fmt.Errorf("ping mongo: %w", err))
	}
	return &Mongo{client: client, db: client.Database(database), log: log}, nil
}

// Query implements Client.
func (m *Mongo) Query(ctx context.Context, path string, args Args) (json.RawMessage, error) {
	ns, op, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	raw, callErr := m.query(ctx, ns, op, args)
	metrics.RecordStorageCall(path, callErr)
	return raw, callErr
}

func (m *Mongo) query(ctx context.Context, ns, op string, args Args) (json.RawMessage, error) {
	coll := m.db.Collection(ns)
	switch op {
	case "get":
		id, _ := args["id"].(string)
		var doc bson.M
		err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, apperr.NotFound(fmt.Sprintf("%s %q", ns, id))
		}
		if err != nil {
			return nil, apperr.External("storage", err)
		}
		return toJSON(doc)
	case "list":
		filter := bson.M{}
		if runID, ok := args["runId"].(string); ok && runID != "" {
			filter["runId"] = runID
		}
		findOpts := options.Find().SetLimit(mongoListCap).SetSort(bson.D{{Key: "_id", Value: 1}})
		cur, err := coll.Find(ctx, filter, findOpts)
		if err != nil {
			return nil, apperr.External("storage", err)
		}
		defer cur.Close(ctx)
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, apperr.External("storage", err)
		}
		if docs == nil {
			docs = []bson.M{}
		}
		return toJSON(docs)
	default:
		return nil, apperr.ExternalFatal("storage", fmt.Errorf("unknown query op %q", op))
	}
}

// Mutation implements Client.
func (m *Mongo) Mutation(ctx context.Context, path string, args Args) (json.RawMessage, error) {
	ns, op, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	raw, callErr := m.mutate(ctx, ns, op, args)
	metrics.RecordStorageCall(path, callErr)
	return raw, callErr
}

func (m *Mongo) mutate(ctx context.Context, ns, op string, args Args) (json.RawMessage, error) {
	coll := m.db.Collection(ns)
	switch op {
	case "put", "update":
		id, _ := args["id"].(string)
		if id == "" {
			return nil, apperr.ExternalFatal("storage", fmt.Errorf("%s/%s: id required", ns, op))
		}
		doc := bson.M{}
		for k, v := range args {
			doc[k] = v
		}
		doc["_id"] = id
		opts := options.Replace().SetUpsert(true)
		if _, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, opts); err != nil {
			return nil, apperr.External("storage", err)
		}
		return toJSON(doc)
	case "append":
		doc := bson.M{}
		for k, v := range args {
			doc[k] = v
		}
		doc["_appendedAt"] = time.Now().UTC()
		if _, err := coll.InsertOne(ctx, doc); err != nil {
			return nil, apperr.External("storage", err)
		}
		return json.RawMessage(`{"ok":true}`), nil
	case "delete":
		id, _ := args["id"].(string)
		if _, err := coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return nil, apperr.External("storage", err)
		}
		return json.RawMessage(`{"ok":true}`), nil
	default:
		return nil, apperr.ExternalFatal("storage", fmt.Errorf("unknown mutation op %q", op))
	}
}

// Close implements Client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func toJSON(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.External("storage", fmt.Errorf("encode result: %w", err))
	}
	return out, nil
}
