package topology

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/eddielth/oceanflow/mongodb"
)

// MongoStore reads topology records from the ConfigWavy, ConfigAgr and
// ConfigServer collections
type MongoStore struct {
	client      *mongo.Client
	devices     *mongo.Collection
	aggregators *mongo.Collection
	servers     *mongo.Collection
}

// OpenMongoStore connects to uri and uses the given database
func OpenMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongodb.Connect(ctx, uri)
	if err != nil {
		return nil, err
	}
	return NewMongoStore(client, database), nil
}

// NewMongoStore uses an existing client
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:      client,
		devices:     db.Collection(mongodb.ConfigWavy),
		aggregators: db.Collection(mongodb.ConfigAgr),
		servers:     db.Collection(mongodb.ConfigServer),
	}
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, what string) (*T, error) {
	var rec T
	err := coll.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	return &rec, nil
}

func (s *MongoStore) Device(ctx context.Context, id string) (*DeviceRecord, error) {
	return findOne[DeviceRecord](ctx, s.devices, bson.D{{Key: "WAVY_ID", Value: id}}, "device "+id)
}

func (s *MongoStore) Aggregator(ctx context.Context, id string) (*AggregatorRecord, error) {
	return findOne[AggregatorRecord](ctx, s.aggregators, bson.D{{Key: "AggregatorId", Value: id}}, "aggregator "+id)
}

func (s *MongoStore) Server(ctx context.Context, id string) (*ServerRecord, error) {
	return findOne[ServerRecord](ctx, s.servers, bson.D{{Key: "server_id", Value: id}}, "server "+id)
}

func (s *MongoStore) SetDeviceStatus(ctx context.Context, id string, status int, lastSync time.Time) error {
	res, err := s.devices.UpdateOne(ctx,
		bson.D{{Key: "WAVY_ID", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: status},
			{Key: "last_sync", Value: lastSync.UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
