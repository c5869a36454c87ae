package wavy

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/eddielth/oceanflow/model"
)

func uniform(rng *rand.Rand, min, max float64) float64 {
	return min + rng.Float64()*(max-min)
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// direction draws a whole number of degrees in [0, 360)
func direction(rng *rand.Rand) float64 {
	d := round(uniform(rng, 0, 360), 0)
	if d >= 360 {
		d = 0
	}
	return d
}

// GenerateReading draws one synthetic reading for a device at lat/lon
func GenerateReading(rng *rand.Rand, wavyID string, lat, lon float64, at time.Time) model.Reading {
	return model.Reading{
		WavyID:    wavyID,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: at.UTC(),

		SeaSurfaceTemperature: round(uniform(rng, -2, 30), 2),
		WindSpeed:             round(uniform(rng, 0, 40), 2),
		WindDirection:         direction(rng),
		SeaLevel:              round(uniform(rng, -2, 2), 3),
		CurrentSpeed:          round(uniform(rng, 0, 2), 2),
		CurrentDirection:      direction(rng),
		Salinity:              round(uniform(rng, 32, 37), 2),
		Chlorophyll:           round(uniform(rng, 0.1, 10), 2),
		WaveHeight:            round(uniform(rng, 0.1, 8), 2),
		WaveDirection:         direction(rng),
		AcousticLevel:         round(uniform(rng, 50, 180), 2),
		Turbidity:             round(uniform(rng, 0.1, 50), 2),
		PrecipitationRate:     round(uniform(rng, 0, 25), 2),
		SurfacePressure:       round(uniform(rng, 980, 1040), 2),
		TemperatureGradient:   round(uniform(rng, 0, 5), 2),
	}
}
