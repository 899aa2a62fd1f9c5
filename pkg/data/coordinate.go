package data

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Coordinate is a [lon, lat] point. The decomposition engine never reads it;
// only the table service and input validation do.
type Coordinate = orb.Point

var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// ValidateCoordinates rejects points outside the WGS84 range.
func ValidateCoordinates(coords []Coordinate) error {
	for i, c := range coords {
		if !worldBound.Contains(c) {
			return fmt.Errorf("%w: coordinate %d (%f,%f) out of range", ErrInvalidRequest, i, c.Lon(), c.Lat())
		}
	}
	return nil
}

// FormatCoordinates renders coordinates in the "lon,lat;lon,lat" path form.
func FormatCoordinates(coords []Coordinate) string {
	var sb strings.Builder
	for i, c := range coords {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(strconv.FormatFloat(c.Lon(), 'f', 6, 64))
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(c.Lat(), 'f', 6, 64))
	}
	return sb.String()
}

// Waypoint is a coordinate as snapped and echoed back by the table service.
type Waypoint struct {
	Hint     string     `json:"hint,omitempty"`
	Distance float64    `json:"distance"`
	Name     string     `json:"name"`
	Location Coordinate `json:"location"`
}
