package persistence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoStore writes snapshot rows as documents into a single
// collection; "table" from config.PersistenceConfig doubles as the
// collection name.
type mongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func newMongoStore(dsn, collectionName string) (*mongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database("throttlegate")
	return &mongoStore{
		client:     client,
		collection: db.Collection(collectionName),
	}, nil
}

func (m *mongoStore) Write(ctx context.Context, rows []Row) error {
	docs := make([]interface{}, len(rows))
	for i, row := range rows {
		docs[i] = bson.D{
			{Key: "captured_at", Value: row.CapturedAt},
			{Key: "io_type", Value: row.IOType},
			{Key: "op", Value: row.Op},
			{Key: "bytes", Value: row.Bytes},
		}
	}
	_, err := m.collection.InsertMany(ctx, docs)
	if err != nil {
		return fmt.Errorf("insert snapshot documents: %w", err)
	}
	return nil
}

func (m *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
