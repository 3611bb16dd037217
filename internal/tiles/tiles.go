package tiles

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	kmPerDegree = 111.0

	// Web Mercator stops at ±85.0511°; beyond it tan+sec diverges.
	maxMercatorLat = 85.05112878
)

// Key identifies one slippy-map tile.
type Key struct {
	Z int
	X int
	Y int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// Valid reports whether x and y fall inside the 2^z grid.
func (k Key) Valid() bool {
	if k.Z < 0 || k.Z > 30 {
		return false
	}
	n := 1 << k.Z
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

func (k Key) Tile() maptile.Tile {
	return maptile.New(uint32(k.X), uint32(k.Y), maptile.Zoom(k.Z))
}

// Bound returns the lon/lat extent covered by the tile.
func (k Key) Bound() orb.Bound {
	return k.Tile().Bound()
}

func FromTile(t maptile.Tile) Key {
	return Key{Z: int(t.Z), X: int(t.X), Y: int(t.Y)}
}

// ParseKey parses "{z}/{x}/{y}".
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid tile key %q", s)
	}

	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, fmt.Errorf("invalid tile key %q: %w", s, err)
		}
		vals[i] = v
	}

	k := Key{Z: vals[0], X: vals[1], Y: vals[2]}
	if !k.Valid() {
		return Key{}, fmt.Errorf("tile key %q outside grid", s)
	}
	return k, nil
}

// Project maps a coordinate to the tile containing it at the given zoom.
func Project(lat, lon float64, zoom int) Key {
	n := math.Exp2(float64(zoom))

	lat = clamp(lat, -maxMercatorLat, maxMercatorLat)
	lon = clamp(lon, -180, 180)

	rad := lat * math.Pi / 180
	x := math.Floor((lon + 180) / 360 * n)
	y := math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n)

	maxIdx := n - 1
	return Key{
		Z: zoom,
		X: int(clamp(x, 0, maxIdx)),
		Y: int(clamp(y, 0, maxIdx)),
	}
}

// BoundAround approximates a circle as a lon/lat box.
func BoundAround(lat, lon, radiusKm float64) orb.Bound {
	if radiusKm < 0 {
		radiusKm = 0
	}
	latDelta := radiusKm / kmPerDegree
	lonDelta := radiusKm / (kmPerDegree * math.Cos(lat*math.Pi/180))
	if math.IsInf(lonDelta, 0) || math.IsNaN(lonDelta) {
		lonDelta = 180
	}

	return orb.Bound{
		Min: orb.Point{lon - lonDelta, lat - latDelta},
		Max: orb.Point{lon + lonDelta, lat + latDelta},
	}
}

// ForRegion returns every tile touching the region box at each zoom,
// de-duplicated and ordered by z, x, y.
// Non-finite input yields no tiles.
func ForRegion(lat, lon, radiusKm float64, zooms []int) []Key {
	if !finite(lat) || !finite(lon) || !finite(radiusKm) {
		return nil
	}
	bound := BoundAround(lat, lon, radiusKm)
	set := make(map[Key]struct{})

	for _, z := range zooms {
		// y grows southward, so the corners are taken as top-left / bottom-right.
		topLeft := Project(bound.Top(), bound.Left(), z)
		bottomRight := Project(bound.Bottom(), bound.Right(), z)

		for x := topLeft.X; x <= bottomRight.X; x++ {
			for y := topLeft.Y; y <= bottomRight.Y; y++ {
				set[Key{Z: z, X: x, Y: y}] = struct{}{}
			}
		}
	}

	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return keys
}

// RegionID names a region request for bookkeeping: "{lat}_{lon}_{radius}".
func RegionID(lat, lon, radiusKm float64) string {
	return fmt.Sprintf("%.2f_%.2f_%s", lat, lon, strconv.FormatFloat(radiusKm, 'f', -1, 64))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// clamp maps NaN to lo so callers always get an in-range value.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
