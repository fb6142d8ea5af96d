package model

import (
	"math"
	"time"

	"github.com/mmcloughlin/geohash"
)

// Position is a reported coordinate pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationReport couples a position with the time it was observed.
type LocationReport struct {
	Position  Position  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// Cell returns a coarse geohash cell for the position, used for log fields and
// the admin snapshot.
func (p Position) Cell() string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, 6)
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance to q in kilometres.
func (p Position) DistanceKm(q Position) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := q.Lat * math.Pi / 180
	dLat := (q.Lat - p.Lat) * math.Pi / 180
	dLng := (q.Lng - p.Lng) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
