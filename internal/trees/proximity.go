package trees

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/tree-radius/pkg/datasette"
)

// WGS-84 semi-major axis, metres. The spherical Web-Mercator formulas
// below reproject geodetic degrees into a planar, metre-denominated
// space; the latitude-dependent scale distortion is irrelevant at city
// scale for a radius comparison.
const earthRadiusM = 6378137.0

// ProjectWebMercator reprojects a geodetic {lon, lat} coordinate in
// degrees into planar Web-Mercator metres.
func ProjectWebMercator(c geom.Coord) geom.Coord {
	x := earthRadiusM * c.X() * math.Pi / 180
	y := earthRadiusM * math.Log(math.Tan(math.Pi/4+c.Y()*math.Pi/360))
	return geom.Coord{x, y}
}

// Match is one record within the search radius.
type Match struct {
	Record         Record
	DistanceMeters float64
}

// FilterPage decodes a page and returns the records whose projected
// distance from the geodetic center is within radiusMeters, boundary
// inclusive. Unlocated records never match. Decoding failures abort
// the page.
func FilterPage(center geom.Coord, radiusMeters float64, page datasette.Page) ([]Match, error) {
	records, err := decodePage(page)
	if err != nil {
		return nil, err
	}

	centerPlanar := ProjectWebMercator(center)
	var matches []Match
	for _, rec := range records {
		if !rec.Located {
			continue
		}
		dist := xy.Distance(centerPlanar, ProjectWebMercator(rec.Location()))
		if dist <= radiusMeters {
			matches = append(matches, Match{Record: rec, DistanceMeters: dist})
		}
	}
	return matches, nil
}
