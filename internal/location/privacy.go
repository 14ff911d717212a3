package location

import (
	"context"
	"math"
	"time"

	"github.com/tabular/location-collector/internal/logging"
	"github.com/tabular/location-collector/internal/sensor"
)

// Round rounds v to d decimal places as round(v*10^d)/10^d.
func Round(v float64, d int) float64 {
	scale := math.Pow(10, float64(d))
	return math.Round(v*scale) / scale
}

// PrivacyFilter turns raw sensor positions into records bounded by a
// privacy level.
type PrivacyFilter struct {
	geocoder sensor.Geocoder
	logger   *logging.Logger
	now      func() time.Time
}

func NewPrivacyFilter(geocoder sensor.Geocoder, logger *logging.Logger, now func() time.Time) *PrivacyFilter {
	if geocoder == nil {
		geocoder = sensor.StubGeocoder{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &PrivacyFilter{geocoder: geocoder, logger: logger, now: now}
}

func (f *PrivacyFilter) Process(ctx context.Context, pos sensor.Position, source Source, level PrivacyLevel) Record {
	rec := Record{
		Timestamp:   pos.Timestamp.UTC(),
		CollectedAt: f.now().UTC(),
		Source:      source,
	}
	if level == PrivacyAnonymous {
		return rec
	}
	rec.Accuracy = copyFloat(pos.Accuracy)

	switch level {
	case PrivacyExact:
		rec.Latitude = Float(pos.Latitude)
		rec.Longitude = Float(pos.Longitude)
		rec.Altitude = copyFloat(pos.Altitude)
		rec.Heading = copyFloat(pos.Heading)
		rec.Speed = copyFloat(pos.Speed)

	case PrivacyApproximate:
		rec.Latitude = Float(Round(pos.Latitude, 3))
		rec.Longitude = Float(Round(pos.Longitude, 3))
		if pos.Altitude != nil {
			rec.Altitude = Float(math.Round(*pos.Altitude/10) * 10)
		}

	case PrivacyCityLevel:
		rec.Latitude = Float(Round(pos.Latitude, 1))
		rec.Longitude = Float(Round(pos.Longitude, 1))

	case PrivacyCountryLevel:
		rec.Country = f.country(ctx, pos.Latitude, pos.Longitude)

	default:
		// Unknown levels are treated as the strictest one.
		return Record{Timestamp: rec.Timestamp, CollectedAt: rec.CollectedAt, Source: source}
	}
	return rec
}

func (f *PrivacyFilter) country(ctx context.Context, lat, lon float64) string {
	name, err := f.geocoder.Country(ctx, lat, lon)
	if err != nil || name == "" {
		if err != nil {
			f.logger.Warn("Reverse geocoding failed", "kind", "provider_unavailable", "error", err)
		}
		return sensor.UnknownCountry
	}
	return name
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
