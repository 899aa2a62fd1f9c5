package data

import (
	"encoding/json"
)

// Grid is a row-major matrix of route costs. A nil cell is an unreachable pair.
type Grid [][]*float64

// NewGrid allocates a rows×cols grid with every cell unset.
func NewGrid(rows, cols int) Grid {
	g := make(Grid, rows)
	for i := range g {
		g[i] = make([]*float64, cols)
	}
	return g
}

// Dims returns rows and the width of the first row.
func (g Grid) Dims() (rows, cols int) {
	if len(g) == 0 {
		return 0, 0
	}
	return len(g), len(g[0])
}

// PartialMatrix is a table service answer indexed locally to the request's
// sources (rows) and destinations (columns).
type PartialMatrix struct {
	Durations    Grid       `json:"durations,omitempty"`
	Distances    Grid       `json:"distances,omitempty"`
	Sources      []Waypoint `json:"sources,omitempty"`
	Destinations []Waypoint `json:"destinations,omitempty"`
}

// Channel returns the grid for a single annotation.
func (p *PartialMatrix) Channel(a Annotations) Grid {
	switch a {
	case Duration:
		return p.Durations
	case Distance:
		return p.Distances
	}
	return nil
}

// FullMatrix is the globally indexed result handed back to the caller.
// One-to-many results hold a single row and render it flattened.
type FullMatrix struct {
	Durations    Grid
	Distances    Grid
	Sources      []Waypoint
	Destinations []Waypoint
	OneToMany    bool
}

// Channel returns the grid for a single annotation.
func (m *FullMatrix) Channel(a Annotations) Grid {
	switch a {
	case Duration:
		return m.Durations
	case Distance:
		return m.Distances
	}
	return nil
}

// SetChannel stores g as the grid for annotation a.
func (m *FullMatrix) SetChannel(a Annotations, g Grid) {
	switch a {
	case Duration:
		m.Durations = g
	case Distance:
		m.Distances = g
	}
}

type fullMatrixJSON struct {
	Code         string      `json:"code"`
	Durations    interface{} `json:"durations,omitempty"`
	Distances    interface{} `json:"distances,omitempty"`
	Sources      []Waypoint  `json:"sources,omitempty"`
	Destinations []Waypoint  `json:"destinations,omitempty"`
}

func (m *FullMatrix) MarshalJSON() ([]byte, error) {
	out := fullMatrixJSON{
		Code:         "Ok",
		Sources:      m.Sources,
		Destinations: m.Destinations,
	}
	if m.Durations != nil {
		out.Durations = m.render(m.Durations)
	}
	if m.Distances != nil {
		out.Distances = m.render(m.Distances)
	}
	return json.Marshal(out)
}

func (m *FullMatrix) render(g Grid) interface{} {
	if m.OneToMany {
		if len(g) == 0 {
			return []*float64{}
		}
		return g[0]
	}
	return g
}
