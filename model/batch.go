package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Batch is the set of readings an aggregator drained in one flush
type Batch struct {
	AggregatorID string    `json:"agregador_id" bson:"agregador_id"`
	Messages     []Reading `json:"messages" bson:"messages"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
}

// NewBatch creates a batch stamped with the flush time
func NewBatch(aggregatorID string, readings []Reading, at time.Time) Batch {
	return Batch{
		AggregatorID: aggregatorID,
		Messages:     readings,
		Timestamp:    at.UTC(),
	}
}

// Marshal encodes the batch as JSON
func (b Batch) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBatch parses a JSON batch
func DecodeBatch(payload []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return Batch{}, fmt.Errorf("failed to parse batch: %w", err)
	}
	return b, nil
}

// ShutdownNotice is broadcast when an aggregator stops
type ShutdownNotice struct {
	AggregatorID string    `json:"AggregatorId"`
	Timestamp    time.Time `json:"Timestamp"`
}

// Marshal encodes the notice as JSON
func (n ShutdownNotice) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// DecodeShutdownNotice parses a JSON shutdown notice
func DecodeShutdownNotice(payload []byte) (ShutdownNotice, error) {
	var n ShutdownNotice
	if err := json.Unmarshal(payload, &n); err != nil {
		return ShutdownNotice{}, fmt.Errorf("failed to parse shutdown notice: %w", err)
	}
	return n, nil
}
