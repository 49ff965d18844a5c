package usecase

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	minPrefetchZoom = 0
	maxPrefetchZoom = 18

	// web mercator cannot represent the poles
	maxLatitude = 85.05112878
)

// Vec3 is a camera position in an earth-centred frame with Z pointing
// north and X through the prime meridian.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// zoomForDistance picks a level of detail from the camera's distance to
// the surface: one zoom level per doubling of distance, 20 at 1km.
func zoomForDistance(distance float64) int {
	if distance <= 0 || math.IsNaN(distance) {
		return maxPrefetchZoom
	}
	z := math.Floor(20 - math.Log2(distance/1000))
	if z < minPrefetchZoom {
		return minPrefetchZoom
	}
	if z > maxPrefetchZoom {
		return maxPrefetchZoom
	}
	return int(z)
}

// lonLat projects the camera direction onto the globe.
func lonLat(pos Vec3) orb.Point {
	r := pos.Length()
	if r == 0 {
		return orb.Point{0, 0}
	}
	lon := math.Atan2(pos.Y, pos.X) * 180 / math.Pi
	lat := math.Asin(pos.Z/r) * 180 / math.Pi
	lat = math.Max(-maxLatitude, math.Min(maxLatitude, lat))
	return orb.Point{lon, lat}
}

func centerTile(pos Vec3, zoom int) maptile.Tile {
	return maptile.At(lonLat(pos), maptile.Zoom(zoom))
}

// neighborhood returns the tiles within radius of center, nearest rings
// first. Columns wrap around the antimeridian; rows past the poles are
// dropped.
func neighborhood(center maptile.Tile, radius int) []maptile.Tile {
	n := 1 << uint(center.Z)
	cx, cy := int(center.X), int(center.Y)

	type ringTile struct {
		t    maptile.Tile
		ring int
	}

	seen := make(map[maptile.Tile]struct{})
	var out []ringTile
	for dy := -radius; dy <= radius; dy++ {
		y := cy + dy
		if y < 0 || y >= n {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x := ((cx+dx)%n + n) % n
			t := maptile.New(uint32(x), uint32(y), center.Z)
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, ringTile{t: t, ring: max(abs(dx), abs(dy))})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ring < out[j].ring
	})

	tiles := make([]maptile.Tile, len(out))
	for i, rt := range out {
		tiles[i] = rt.t
	}
	return tiles
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
