// Package model defines the messages that flow through the pipeline.
package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/eddielth/oceanflow/validator"
)

// Reading is one sensor sample produced by a Wavy device
type Reading struct {
	WavyID    string    `json:"wavy_id" bson:"wavy_id" validate:"required,component_id"`
	Latitude  float64   `json:"latitude" bson:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" bson:"longitude" validate:"gte=-180,lte=180"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp" validate:"required"`

	SeaSurfaceTemperature float64 `json:"sea_surface_temperature_celsius" bson:"sea_surface_temperature_celsius" validate:"gte=-2,lte=30"`
	WindSpeed             float64 `json:"wind_speed_ms" bson:"wind_speed_ms" validate:"gte=0,lte=40"`
	WindDirection         float64 `json:"wind_direction_degrees" bson:"wind_direction_degrees" validate:"gte=0,lt=360"`
	SeaLevel              float64 `json:"sea_level_meters" bson:"sea_level_meters" validate:"gte=-2,lte=2"`
	CurrentSpeed          float64 `json:"current_speed_ms" bson:"current_speed_ms" validate:"gte=0,lte=2"`
	CurrentDirection      float64 `json:"current_direction_degrees" bson:"current_direction_degrees" validate:"gte=0,lt=360"`
	Salinity              float64 `json:"salinity_psu" bson:"salinity_psu" validate:"gte=32,lte=37"`
	Chlorophyll           float64 `json:"chlorophyll_mg_m3" bson:"chlorophyll_mg_m3" validate:"gte=0.1,lte=10"`
	WaveHeight            float64 `json:"wave_height_meters" bson:"wave_height_meters" validate:"gte=0.1,lte=8"`
	WaveDirection         float64 `json:"wave_direction_degrees" bson:"wave_direction_degrees" validate:"gte=0,lt=360"`
	AcousticLevel         float64 `json:"acoustic_level_db" bson:"acoustic_level_db" validate:"gte=50,lte=180"`
	Turbidity             float64 `json:"turbidity_ntu" bson:"turbidity_ntu" validate:"gte=0.1,lte=50"`
	PrecipitationRate     float64 `json:"precipitation_rate_mm_h" bson:"precipitation_rate_mm_h" validate:"gte=0,lte=25"`
	SurfacePressure       float64 `json:"surface_pressure_hpa" bson:"surface_pressure_hpa" validate:"gte=980,lte=1040"`
	TemperatureGradient   float64 `json:"temperature_gradient_c_km" bson:"temperature_gradient_c_km" validate:"gte=0,lte=5"`
}

// Sensor is a single measurement of a reading
type Sensor struct {
	Type  string  `json:"type" bson:"type"`
	Value float64 `json:"value" bson:"value"`
	Unit  string  `json:"unit" bson:"unit"`
}

// Sensors lists the measurements of the reading with their units
func (r Reading) Sensors() []Sensor {
	return []Sensor{
		{"sea_surface_temperature", r.SeaSurfaceTemperature, "celsius"},
		{"wind_speed", r.WindSpeed, "m/s"},
		{"wind_direction", r.WindDirection, "degrees"},
		{"sea_level", r.SeaLevel, "m"},
		{"current_speed", r.CurrentSpeed, "m/s"},
		{"current_direction", r.CurrentDirection, "degrees"},
		{"salinity", r.Salinity, "psu"},
		{"chlorophyll", r.Chlorophyll, "mg/m3"},
		{"wave_height", r.WaveHeight, "m"},
		{"wave_direction", r.WaveDirection, "degrees"},
		{"acoustic_level", r.AcousticLevel, "dB"},
		{"turbidity", r.Turbidity, "NTU"},
		{"precipitation_rate", r.PrecipitationRate, "mm/h"},
		{"surface_pressure", r.SurfacePressure, "hPa"},
		{"temperature_gradient", r.TemperatureGradient, "C/km"},
	}
}

// Validate checks the reading against the documented ranges
func (r Reading) Validate() error {
	return validator.Struct(r)
}

// Marshal encodes the reading as JSON
func (r Reading) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReading parses and validates a JSON reading
func DecodeReading(payload []byte) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reading{}, fmt.Errorf("failed to parse reading: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Reading{}, fmt.Errorf("invalid reading from %q: %w", r.WavyID, err)
	}
	return r, nil
}
