package acquisition

import (
	"image"
	"math"
)

// Point is a landmark in normalized image coordinates, 0..1 on both axes.
type Point struct {
	X, Y float64
}

// RegionFromLandmarks returns a square pixel region around the landmarks of
// one hand, grown by padding (a fraction of the side) and clamped to bounds.
func RegionFromLandmarks(points []Point, bounds image.Rectangle, padding float64) image.Rectangle {
	if len(points) == 0 || bounds.Empty() {
		return image.Rectangle{}
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pt := range points {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
		maxX = math.Max(maxX, pt.X)
		maxY = math.Max(maxY, pt.Y)
	}

	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	cx := (minX + maxX) / 2 * w
	cy := (minY + maxY) / 2 * h
	side := math.Max((maxX-minX)*w, (maxY-minY)*h)
	side *= 1 + 2*padding
	half := side / 2

	region := image.Rect(
		bounds.Min.X+int(math.Floor(cx-half)),
		bounds.Min.Y+int(math.Floor(cy-half)),
		bounds.Min.X+int(math.Ceil(cx+half)),
		bounds.Min.Y+int(math.Ceil(cy+half)),
	)
	return region.Intersect(bounds)
}
