package cv

import (
	"fmt"
	"image"
)

// Box is an axis-aligned rectangle given by its top-left corner and size
type Box struct {
	TopLeft image.Point
	Width   int
	Height  int
}

// NewBox creates a box at (x, y) with the given size
func NewBox(x, y, width, height int) Box {
	return Box{TopLeft: image.Point{X: x, Y: y}, Width: width, Height: height}
}

// Center returns the middle of the box, rounded toward the top-left
func (b Box) Center() image.Point {
	return image.Point{X: b.TopLeft.X + b.Width/2, Y: b.TopLeft.Y + b.Height/2}
}

// BottomRight returns the exclusive bottom-right corner
func (b Box) BottomRight() image.Point {
	return image.Point{X: b.TopLeft.X + b.Width, Y: b.TopLeft.Y + b.Height}
}

// Contains checks if a point is within the box
func (b Box) Contains(p image.Point) bool {
	return p.In(b.Rectangle())
}

// WithOffset translates the box
func (b Box) WithOffset(offset image.Point) Box {
	b.TopLeft = b.TopLeft.Add(offset)
	return b
}

// Rectangle converts the box to an image.Rectangle
func (b Box) Rectangle() image.Rectangle {
	return image.Rectangle{Min: b.TopLeft, Max: b.BottomRight()}
}

func (b Box) String() string {
	return fmt.Sprintf("Box(x=%d, y=%d, w=%d, h=%d)", b.TopLeft.X, b.TopLeft.Y, b.Width, b.Height)
}
