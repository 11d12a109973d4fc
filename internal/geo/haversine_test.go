package geo

import "testing"

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
	}{
		{"same point", Point{52.52, 13.405}, Point{52.52, 13.405}, 0},
		{"berlin to paris", Point{52.5200, 13.4050}, Point{48.8566, 2.3522}, 877.5},
		{"one degree of latitude", Point{0, 0}, Point{1, 0}, 111.2},
		{"antipodal-ish", Point{0, 0}, Point{0, 180}, 20015.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DistanceKm(tt.a, tt.b); got != tt.want {
				t.Errorf("DistanceKm() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Point{40.7128, -74.0060}
	b := Point{34.0522, -118.2437}
	if DistanceKm(a, b) != DistanceKm(b, a) {
		t.Error("distance should be symmetric")
	}
}

func TestBoxAroundContainsCircle(t *testing.T) {
	center := Point{52.52, 13.405}
	box := BoxAround(center, 50)

	inside := Point{52.80, 13.60}
	if !Within(center, inside, 50) {
		t.Fatalf("test point should be within 50km, got %.1f", DistanceKm(center, inside))
	}
	if !box.Contains(inside) {
		t.Error("box should contain a point inside the radius")
	}
	if box.Contains(Point{53.52, 13.405}) {
		t.Error("box should not contain a point 111km north")
	}
}

func TestBoxAroundAntimeridian(t *testing.T) {
	box := BoxAround(Point{0, 179.9}, 50)
	if !box.Contains(Point{0, -179.9}) {
		t.Error("box should wrap across the antimeridian")
	}
	if box.Contains(Point{0, 0}) {
		t.Error("box should not contain the prime meridian")
	}
}
