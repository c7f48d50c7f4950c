package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceMetersSamePoint(t *testing.T) {
	p := models.Coord{Lat: 43.2389, Lon: 76.8897}
	if d := DistanceMeters(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceMetersAntipodes(t *testing.T) {
	d := DistanceMeters(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 180})
	if want := math.Pi * earthRadiusM; math.Abs(d-want) > 1 {
		t.Fatalf("expected half the circumference %.0f, got %.0f", want, d)
	}
}

func TestDistanceMetersOneDegreeOfLatitude(t *testing.T) {
	d := DistanceMeters(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	// 2*pi*R/360
	want := 111194.93
	if math.Abs(d-want) > 1 {
		t.Fatalf("expected ~%.2f, got %.2f", want, d)
	}
}

func TestDistanceMetersSymmetric(t *testing.T) {
	a := models.Coord{Lat: 43.2389, Lon: 76.8897}
	b := models.Coord{Lat: 43.2567, Lon: 76.9286}
	if ab, ba := DistanceMeters(a, b), DistanceMeters(b, a); math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("distance not symmetric: %f vs %f", ab, ba)
	}
	if d := DistanceMeters(a, b); d < 3000 || d > 4000 {
		t.Fatalf("expected a few km between the two points, got %.0f m", d)
	}
}
