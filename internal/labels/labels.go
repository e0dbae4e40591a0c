// Package labels provides per-pixel class label sources for semantic
// segmentation: in-memory grids and decoded label rasters.
package labels

import (
	"fmt"
	"image"
)

// Source yields class IDs over a pixel extent.
type Source interface {
	// Extent is the region the source has labels for.
	Extent() image.Rectangle

	// LabelArray returns the class IDs inside window in row-major order
	// (len = window.Dx()*window.Dy()). Cells outside Extent read as the
	// null class.
	LabelArray(window image.Rectangle) ([]int, error)
}

// Grid is a row-major array of class IDs covering Rect.
type Grid struct {
	Rect  image.Rectangle
	Cells []int
}

// NewGrid returns a width x height grid at the origin filled with fill.
func NewGrid(width, height, fill int) *Grid {
	cells := make([]int, width*height)
	if fill != 0 {
		for i := range cells {
			cells[i] = fill
		}
	}
	return &Grid{Rect: image.Rect(0, 0, width, height), Cells: cells}
}

func (g *Grid) index(x, y int) int {
	return (y-g.Rect.Min.Y)*g.Rect.Dx() + (x - g.Rect.Min.X)
}

// At returns the class at (x, y). The point must lie inside Rect.
func (g *Grid) At(x, y int) int {
	return g.Cells[g.index(x, y)]
}

// Set assigns the class at (x, y). The point must lie inside Rect.
func (g *Grid) Set(x, y, class int) {
	g.Cells[g.index(x, y)] = class
}

// ArraySource is a Source backed by a Grid.
type ArraySource struct {
	grid *Grid
	null int
}

// NewArraySource wraps grid. nullClassID fills reads outside the grid.
func NewArraySource(grid *Grid, nullClassID int) (*ArraySource, error) {
	if grid == nil || len(grid.Cells) != grid.Rect.Dx()*grid.Rect.Dy() {
		return nil, fmt.Errorf("grid cell count does not match its extent")
	}
	return &ArraySource{grid: grid, null: nullClassID}, nil
}

// Extent implements Source.
func (s *ArraySource) Extent() image.Rectangle {
	return s.grid.Rect
}

// LabelArray implements Source.
func (s *ArraySource) LabelArray(window image.Rectangle) ([]int, error) {
	if window.Empty() {
		return nil, fmt.Errorf("empty window %v", window)
	}

	out := make([]int, 0, window.Dx()*window.Dy())
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			if (image.Point{X: x, Y: y}).In(s.grid.Rect) {
				out = append(out, s.grid.At(x, y))
			} else {
				out = append(out, s.null)
			}
		}
	}
	return out, nil
}

// Windows tiles extent with size x size windows in row-major order. Edge
// windows are clipped to the extent.
func Windows(extent image.Rectangle, size int) []image.Rectangle {
	if size <= 0 || extent.Empty() {
		return nil
	}

	var out []image.Rectangle
	for y := extent.Min.Y; y < extent.Max.Y; y += size {
		for x := extent.Min.X; x < extent.Max.X; x += size {
			out = append(out, image.Rect(x, y, x+size, y+size).Intersect(extent))
		}
	}
	return out
}
