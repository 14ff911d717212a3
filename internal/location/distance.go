package location

import "math"

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two
// points given in decimal degrees.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLon := degreesToRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(degreesToRadians(lat1))*math.Cos(degreesToRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Accumulate returns the distance contributed by moving from previous to
// current. It is zero unless both records carry coordinates.
func Accumulate(previous *Record, current Record) float64 {
	if previous == nil || !previous.HasCoordinates() || !current.HasCoordinates() {
		return 0
	}
	return HaversineKm(*previous.Latitude, *previous.Longitude, *current.Latitude, *current.Longitude)
}

// Fold adds rec to the aggregate.
func (a *Analytics) Fold(rec Record) {
	a.TotalLocations++
	a.TotalDistanceKm += Accumulate(a.LastLocation, rec)
	r := rec
	a.LastLocation = &r
	collected := rec.CollectedAt
	a.LastUpdated = &collected
}
