// Package geo holds the great-circle math used by candidate discovery.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for every distance calculation.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceKm returns the Haversine distance between a and b in kilometres,
// rounded to one decimal place.
func DistanceKm(a, b Point) float64 {
	return math.Round(rawDistanceKm(a, b)*10) / 10
}

func rawDistanceKm(a, b Point) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Within reports whether b lies within radiusKm of a. The rounded distance is
// compared so the answer agrees with what clients are shown.
func Within(a, b Point, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

// BoundingBox is a lat/lng rectangle enclosing a search radius. It is a cheap
// index-friendly prefilter; callers still apply the exact distance check.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoxAround returns the box enclosing the circle of radiusKm around center.
// Near the poles the longitude span collapses to the full range.
func BoxAround(center Point, radiusKm float64) BoundingBox {
	dLat := radiusKm / EarthRadiusKm * 180 / math.Pi
	box := BoundingBox{
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLat: math.Min(center.Lat+dLat, 90),
		MinLng: -180,
		MaxLng: 180,
	}

	cosLat := math.Cos(toRad(center.Lat))
	if cosLat > 1e-6 {
		dLng := dLat / cosLat
		if dLng < 180 {
			box.MinLng = center.Lng - dLng
			box.MaxLng = center.Lng + dLng
		}
	}
	return box
}

// Contains reports whether p lies inside the box. Boxes that cross the
// antimeridian are handled by wrapping the longitude bounds.
func (b BoundingBox) Contains(p Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	switch {
	case b.MinLng < -180:
		return p.Lng >= b.MinLng+360 || p.Lng <= b.MaxLng
	case b.MaxLng > 180:
		return p.Lng >= b.MinLng || p.Lng <= b.MaxLng-360
	default:
		return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
	}
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
