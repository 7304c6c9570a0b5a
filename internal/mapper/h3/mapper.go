// Package h3mapper places bucket centres on the H3 grid so cached areas can be
// invalidated by cell.
package h3mapper

import (
	"fmt"

	h3 "github.com/uber/h3-go/v4"
)

type Mapper struct {
	res int
}

func New(res int) (*Mapper, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	return &Mapper{res: res}, nil
}

func (m *Mapper) Resolution() int { return m.res }

// CellFor returns the cell containing lat/lng at the mapper resolution.
func (m *Mapper) CellFor(lat, lng float64) (string, error) {
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), m.res)
	if err != nil {
		return "", fmt.Errorf("h3 cell for %.6f,%.6f: %w", lat, lng, err)
	}
	return c.String(), nil
}

// CellsAround returns the cell containing lat/lng plus every cell within k
// grid steps of it.
func (m *Mapper) CellsAround(lat, lng float64, k int) ([]string, error) {
	origin, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), m.res)
	if err != nil {
		return nil, fmt.Errorf("h3 cell for %.6f,%.6f: %w", lat, lng, err)
	}
	if k <= 0 {
		return []string{origin.String()}, nil
	}
	disk, err := h3.GridDisk(origin, k)
	if err != nil {
		return nil, fmt.Errorf("h3 grid disk k=%d: %w", k, err)
	}
	out := make([]string, 0, len(disk))
	for _, c := range disk {
		out = append(out, c.String())
	}
	return out, nil
}

// Normalize parses a cell id and lifts finer cells to the mapper resolution.
// Coarser cells are rejected since they would span many stored cells.
func (m *Mapper) Normalize(cell string) (string, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return "", fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return "", fmt.Errorf("invalid h3 cell %q", cell)
	}
	cur := c.Resolution()
	switch {
	case cur == m.res:
		return c.String(), nil
	case cur < m.res:
		return "", fmt.Errorf("cell %q resolution %d is coarser than %d", cell, cur, m.res)
	}
	p, err := c.Parent(m.res)
	if err != nil {
		return "", fmt.Errorf("h3 parent: %w", err)
	}
	return p.String(), nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}
