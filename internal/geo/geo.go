package geo

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidLocation = errors.New("invalid gps coordinates")
	ErrStaleLocation   = errors.New("stale gps fix")
)

// Fix is a single GPS reading supplied by a client device. AccuracyM is
// advisory and may be zero when the device does not report it.
type Fix struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Result reports the outcome of a proximity evaluation.
type Result struct {
	WithinRange    bool
	DistanceMeters float64
}

const earthRadiusMeters = 6371008.8

// Validate rejects coordinates outside the valid lat/lon domain.
func Validate(fix Fix) error {
	if math.IsNaN(fix.Lat) || math.IsNaN(fix.Lon) {
		return ErrInvalidLocation
	}
	if fix.Lat < -90 || fix.Lat > 90 {
		return fmt.Errorf("%w: lat %v", ErrInvalidLocation, fix.Lat)
	}
	if fix.Lon < -180 || fix.Lon > 180 {
		return fmt.Errorf("%w: lon %v", ErrInvalidLocation, fix.Lon)
	}
	return nil
}

// CheckFreshness rejects fixes older than maxAge relative to now.
// A non-positive maxAge disables the check.
func CheckFreshness(fix Fix, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	age := now.Sub(time.Unix(fix.Timestamp, 0))
	if age > maxAge {
		return fmt.Errorf("%w: fix is %s old", ErrStaleLocation, age.Truncate(time.Second))
	}
	return nil
}

// Evaluate computes the great-circle distance between two fixes and
// compares it against radiusMeters. Both fixes are validated first;
// the caller decides whether staleness matters.
func Evaluate(a, b Fix, radiusMeters float64) (Result, error) {
	if err := Validate(a); err != nil {
		return Result{}, err
	}
	if err := Validate(b); err != nil {
		return Result{}, err
	}
	d := haversine(a.Lat, a.Lon, b.Lat, b.Lon)
	return Result{
		WithinRange:    d <= radiusMeters,
		DistanceMeters: d,
	}, nil
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// HashFix produces an audit hash of a fix without retaining precise
// coordinates: lat/lon rounded to three decimals (~110m) and the
// timestamp bucketed to the minute, salted with a pepper.
func HashFix(fix Fix, pepper string) []byte {
	lat := math.Round(fix.Lat*1000) / 1000
	lon := math.Round(fix.Lon*1000) / 1000
	bucket := fix.Timestamp / 60
	sum := sha256.Sum256([]byte(fmt.Sprintf("%.3f:%.3f:%d:%s", lat, lon, bucket, pepper)))
	return sum[:]
}
