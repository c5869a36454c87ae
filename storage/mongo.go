package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
	"github.com/eddielth/oceanflow/mongodb"
)

// System event types
const (
	EventStartup  = "STARTUP"
	EventShutdown = "SHUTDOWN"
)

// MongoStorage writes batches to AggregatedData, readings to WavyMessages and
// system events to SystemLogs
type MongoStorage struct {
	client     *mongo.Client
	owned      bool
	aggregated *mongo.Collection
	messages   *mongo.Collection
	systemLogs *mongo.Collection
}

// NewMongoStorage connects to uri and uses the given database
func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	client, err := mongodb.Connect(ctx, uri)
	if err != nil {
		return nil, err
	}
	ms := NewMongoStorageWithClient(client, database)
	ms.owned = true

	logger.Info("MongoDB storage initialized on database %s", database)
	return ms, nil
}

// NewMongoStorageWithClient uses an existing client, which Close leaves open
func NewMongoStorageWithClient(client *mongo.Client, database string) *MongoStorage {
	db := client.Database(database)
	return &MongoStorage{
		client:     client,
		aggregated: db.Collection(mongodb.AggregatedData),
		messages:   db.Collection(mongodb.WavyMessages),
		systemLogs: db.Collection(mongodb.SystemLogs),
	}
}

func (ms *MongoStorage) Name() string { return "mongodb" }

func readingDoc(r model.Reading) bson.D {
	sensors := r.Sensors()
	arr := make(bson.A, 0, len(sensors))
	for _, s := range sensors {
		arr = append(arr, bson.D{
			{Key: "type", Value: s.Type},
			{Key: "value", Value: s.Value},
			{Key: "unit", Value: s.Unit},
		})
	}

	return bson.D{
		{Key: "wavy_id", Value: r.WavyID},
		{Key: "latitude", Value: r.Latitude},
		{Key: "longitude", Value: r.Longitude},
		{Key: "timestamp", Value: r.Timestamp},
		{Key: "sea_surface_temperature_celsius", Value: r.SeaSurfaceTemperature},
		{Key: "wind_speed_ms", Value: r.WindSpeed},
		{Key: "wind_direction_degrees", Value: r.WindDirection},
		{Key: "sea_level_meters", Value: r.SeaLevel},
		{Key: "current_speed_ms", Value: r.CurrentSpeed},
		{Key: "current_direction_degrees", Value: r.CurrentDirection},
		{Key: "salinity_psu", Value: r.Salinity},
		{Key: "chlorophyll_mg_m3", Value: r.Chlorophyll},
		{Key: "wave_height_meters", Value: r.WaveHeight},
		{Key: "wave_direction_degrees", Value: r.WaveDirection},
		{Key: "acoustic_level_db", Value: r.AcousticLevel},
		{Key: "turbidity_ntu", Value: r.Turbidity},
		{Key: "precipitation_rate_mm_h", Value: r.PrecipitationRate},
		{Key: "surface_pressure_hpa", Value: r.SurfacePressure},
		{Key: "temperature_gradient_c_km", Value: r.TemperatureGradient},
		{Key: "sensors", Value: arr},
	}
}

// StoreBatch inserts the batch with its readings embedded
func (ms *MongoStorage) StoreBatch(ctx context.Context, batch model.Batch) error {
	msgs := make(bson.A, 0, len(batch.Messages))
	for _, r := range batch.Messages {
		msgs = append(msgs, readingDoc(r))
	}

	doc := bson.D{
		{Key: "agregador_id", Value: batch.AggregatorID},
		{Key: "timestamp", Value: batch.Timestamp},
		{Key: "received_at", Value: time.Now().UTC()},
		{Key: "message_count", Value: len(batch.Messages)},
		{Key: "messages", Value: msgs},
	}
	if _, err := ms.aggregated.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert aggregated data failed: %w", err)
	}
	logger.Debug("aggregated data from %s with %d messages inserted", batch.AggregatorID, len(batch.Messages))
	return nil
}

// StoreReading inserts one reading
func (ms *MongoStorage) StoreReading(ctx context.Context, reading model.Reading, aggregatorID string) error {
	doc := append(readingDoc(reading),
		bson.E{Key: "agregador_id", Value: aggregatorID},
		bson.E{Key: "received_at", Value: time.Now().UTC()},
	)
	if _, err := ms.messages.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert wavy message failed: %w", err)
	}
	return nil
}

// LogSystemEvent records a component event such as STARTUP or SHUTDOWN
func (ms *MongoStorage) LogSystemEvent(ctx context.Context, component, eventType, description string) error {
	doc := bson.D{
		{Key: "component", Value: component},
		{Key: "event_type", Value: eventType},
		{Key: "description", Value: description},
		{Key: "timestamp", Value: time.Now().UTC()},
		{Key: "additional_data", Value: nil},
	}
	if _, err := ms.systemLogs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("log system event failed: %w", err)
	}
	return nil
}

func (ms *MongoStorage) Close() error {
	if !ms.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ms.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("close MongoDB connection failed: %w", err)
	}
	logger.Info("MongoDB connection closed")
	return nil
}
