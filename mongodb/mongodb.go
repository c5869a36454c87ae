// Package mongodb holds the shared MongoDB connection setup and collection names.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Collection names
const (
	WavyMessages   = "WavyMessages"
	AggregatedData = "AggregatedData"
	SystemLogs     = "SystemLogs"
	ConfigWavy     = "ConfigWavy"
	ConfigAgr      = "ConfigAgr"
	ConfigServer   = "ConfigServer"
)

// Connect opens a client and verifies the primary is reachable
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client, nil
}
