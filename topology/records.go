package topology

import (
	"context"
	"time"
)

// Device status values
const (
	StatusOffline = 0
	StatusOnline  = 1
)

// DeviceRecord describes a Wavy device
type DeviceRecord struct {
	WavyID         string    `yaml:"wavy_id" bson:"WAVY_ID" json:"wavy_id"`
	Status         int       `yaml:"status" bson:"status" json:"status"`
	LastSync       time.Time `yaml:"last_sync" bson:"last_sync" json:"last_sync"`
	DataInterval   int       `yaml:"data_interval" bson:"data_interval" json:"data_interval"`
	IsActive       bool      `yaml:"is_active" bson:"is_active" json:"is_active"`
	Latitude       float64   `yaml:"latitude" bson:"latitude" json:"latitude"`
	Longitude      float64   `yaml:"longitude" bson:"longitude" json:"longitude"`
	Ocean          string    `yaml:"ocean" bson:"ocean" json:"ocean"`
	AreaType       string    `yaml:"area_type" bson:"area_type" json:"area_type"`
	RegionCoverage string    `yaml:"region_coverage" bson:"region_coverage" json:"region_coverage"`
}

// Online reports whether the device is marked online
func (d DeviceRecord) Online() bool {
	return d.Status == StatusOnline
}

// Interval returns the configured publish interval, or fallback when unset
func (d DeviceRecord) Interval(fallback time.Duration) time.Duration {
	if d.DataInterval <= 0 {
		return fallback
	}
	return time.Duration(d.DataInterval) * time.Millisecond
}

// AggregatorRecord describes a regional aggregator
type AggregatorRecord struct {
	AggregatorID        string   `yaml:"aggregator_id" bson:"AggregatorId" json:"aggregator_id"`
	Region              string   `yaml:"region" bson:"Region" json:"region"`
	ContinentCode       string   `yaml:"continent_code" bson:"continent_code" json:"continent_code"`
	ServerID            string   `yaml:"server_id" bson:"server_id" json:"server_id"`
	Port                int      `yaml:"port" bson:"port" json:"port"`
	QueueName           string   `yaml:"queue_name" bson:"queue_name" json:"queue_name"`
	IsActive            bool     `yaml:"is_active" bson:"IsActive" json:"is_active"`
	Latitude            float64  `yaml:"latitude" bson:"Latitude" json:"latitude"`
	Longitude           float64  `yaml:"longitude" bson:"Longitude" json:"longitude"`
	Ocean               string   `yaml:"ocean" bson:"Ocean" json:"ocean"`
	AreaType            string   `yaml:"area_type" bson:"AreaType" json:"area_type"`
	SubscribedDataTypes []string `yaml:"subscribed_data_types" bson:"SubscribedDataTypes" json:"subscribed_data_types"`
}

// DerivedContinentCode is the identifier prefix before the first hyphen
func (a AggregatorRecord) DerivedContinentCode() string {
	return ContinentOf(a.AggregatorID)
}

// DerivedQueueName returns the configured RPC queue or <id>_queue
func (a AggregatorRecord) DerivedQueueName() string {
	if a.QueueName != "" {
		return a.QueueName
	}
	return a.AggregatorID + "_queue"
}

// DerivedServerID returns the configured server or the continent server
func (a AggregatorRecord) DerivedServerID() string {
	if a.ServerID != "" {
		return a.ServerID
	}
	return ServerID(a.DerivedContinentCode())
}

// ServerRecord describes a continental server
type ServerRecord struct {
	ServerID       string  `yaml:"server_id" bson:"server_id" json:"server_id"`
	Continent      string  `yaml:"continent" bson:"continent" json:"continent"`
	ContinentCode  string  `yaml:"continent_code" bson:"continent_code" json:"continent_code"`
	Port           int     `yaml:"port" bson:"port" json:"port"`
	QueueName      string  `yaml:"queue_name" bson:"queue_name" json:"queue_name"`
	DatabaseName   string  `yaml:"database_name" bson:"database_name" json:"database_name"`
	IsActive       bool    `yaml:"is_active" bson:"is_active" json:"is_active"`
	MaxConnections int     `yaml:"max_connections" bson:"max_connections" json:"max_connections"`
	Latitude       float64 `yaml:"latitude" bson:"latitude" json:"latitude"`
	Longitude      float64 `yaml:"longitude" bson:"longitude" json:"longitude"`
}

// DerivedContinentCode returns the configured code or the identifier prefix
func (s ServerRecord) DerivedContinentCode() string {
	if s.ContinentCode != "" {
		return s.ContinentCode
	}
	return ContinentOf(s.ServerID)
}

// DerivedQueueName returns the configured RPC queue or <cc>_server_queue
func (s ServerRecord) DerivedQueueName() string {
	if s.QueueName != "" {
		return s.QueueName
	}
	return QueueName(s.DerivedContinentCode(), "server")
}

// Store resolves topology records. Implementations are safe for concurrent use;
// writes are last-writer-wins.
type Store interface {
	Device(ctx context.Context, id string) (*DeviceRecord, error)
	Aggregator(ctx context.Context, id string) (*AggregatorRecord, error)
	Server(ctx context.Context, id string) (*ServerRecord, error)
	SetDeviceStatus(ctx context.Context, id string, status int, lastSync time.Time) error
	Close(ctx context.Context) error
}
