package geo

import "math"

// Point is a WGS84 decimal-degree coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// BBox is an axis-aligned bounding box in decimal degrees.
type BBox struct {
	MinLat float64
	MinLng float64
	MaxLat float64
	MaxLng float64
}

// Contains reports whether the point lies within the bounding box (inclusive).
func (b BBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// Overlaps reports whether two bounding boxes intersect.
func (b BBox) Overlaps(o BBox) bool {
	return b.MinLat <= o.MaxLat && b.MaxLat >= o.MinLat && b.MinLng <= o.MaxLng && b.MaxLng >= o.MinLng
}

// BBoxAround builds a bounding box around two points with a km buffer on each side.
// The buffer uses the ~111 km/degree approximation, adequate for zone pre-filtering.
func BBoxAround(lat1, lng1, lat2, lng2, bufferKm float64) BBox {
	d := bufferKm / 111.0
	return BBox{
		MinLat: math.Min(lat1, lat2) - d,
		MinLng: math.Min(lng1, lng2) - d,
		MaxLat: math.Max(lat1, lat2) + d,
		MaxLng: math.Max(lng1, lng2) + d,
	}
}

// PolygonBBox returns the bounding box of a polygon ring.
func PolygonBBox(ring []Point) BBox {
	if len(ring) == 0 {
		return BBox{}
	}
	b := BBox{MinLat: ring[0].Lat, MaxLat: ring[0].Lat, MinLng: ring[0].Lng, MaxLng: ring[0].Lng}
	for _, p := range ring[1:] {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b
}

// PointInPolygon reports whether (lat,lng) is inside the polygon ring using the
// ray-casting rule. The ring may be open or closed; vertices on an edge count as inside.
func PointInPolygon(lat, lng float64, ring []Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		yi, xi := ring[i].Lat, ring[i].Lng
		yj, xj := ring[j].Lat, ring[j].Lng
		if (yi > lat) != (yj > lat) {
			intersectLng := (xj-xi)*(lat-yi)/(yj-yi) + xi
			if lng < intersectLng {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// BufferPolygon expands a polygon ring outward by bufferM meters, using the
// m/111000 degree approximation. Each vertex is pushed away from the centroid.
func BufferPolygon(ring []Point, bufferM float64) []Point {
	if len(ring) == 0 || bufferM <= 0 {
		return ring
	}
	cLat, cLng := Centroid(ring)
	d := bufferM / 111000.0
	out := make([]Point, len(ring))
	for i, p := range ring {
		dLat := p.Lat - cLat
		dLng := p.Lng - cLng
		norm := math.Hypot(dLat, dLng)
		if norm == 0 {
			out[i] = p
			continue
		}
		out[i] = Point{
			Lat: p.Lat + dLat/norm*d,
			Lng: p.Lng + dLng/norm*d,
		}
	}
	return out
}

// Centroid returns the arithmetic mean of the ring's vertices. A closing vertex
// equal to the first is ignored so it does not double-count.
func Centroid(ring []Point) (float64, float64) {
	n := len(ring)
	if n == 0 {
		return 0, 0
	}
	if n > 1 && ring[0] == ring[n-1] {
		ring = ring[:n-1]
		n--
	}
	var sumLat, sumLng float64
	for _, p := range ring {
		sumLat += p.Lat
		sumLng += p.Lng
	}
	return sumLat / float64(n), sumLng / float64(n)
}

// LineIntersectsPolygon reports whether the segment chain through points crosses
// or enters the polygon ring.
func LineIntersectsPolygon(line []Point, ring []Point) bool {
	if len(line) == 0 || len(ring) < 3 {
		return false
	}
	for _, p := range line {
		if PointInPolygon(p.Lat, p.Lng, ring) {
			return true
		}
	}
	n := len(ring)
	for i := 0; i < len(line)-1; i++ {
		a, b := line[i], line[i+1]
		j := n - 1
		for k := 0; k < n; k++ {
			if segmentsIntersect(a, b, ring[j], ring[k]) {
				return true
			}
			j = k
		}
	}
	return false
}

// SegmentIntersectsPolygon reports whether the segment a-b crosses or enters the ring.
func SegmentIntersectsPolygon(a, b Point, ring []Point) bool {
	return LineIntersectsPolygon([]Point{a, b}, ring)
}

func segmentsIntersect(p1, p2, p3, p4 Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(p3, p4, p1)) ||
		(d2 == 0 && onSegment(p3, p4, p2)) ||
		(d3 == 0 && onSegment(p1, p2, p3)) ||
		(d4 == 0 && onSegment(p1, p2, p4))
}

func cross(a, b, c Point) float64 {
	return (b.Lng-a.Lng)*(c.Lat-a.Lat) - (b.Lat-a.Lat)*(c.Lng-a.Lng)
}

func onSegment(a, b, p Point) bool {
	return math.Min(a.Lng, b.Lng) <= p.Lng && p.Lng <= math.Max(a.Lng, b.Lng) &&
		math.Min(a.Lat, b.Lat) <= p.Lat && p.Lat <= math.Max(a.Lat, b.Lat)
}
