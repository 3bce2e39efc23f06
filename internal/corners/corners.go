// Package corners finds the projection surface in a source frame so the
// warp mesh can be set without placing the corners by hand.
package corners

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/mesh"
)

// epsilonRatio is the polygon approximation tolerance relative to the
// contour perimeter.
const epsilonRatio = 0.04

// order takes approximated quad vertices (counter-clockwise from the top
// left) to mesh order.
var order = [4]int{0, 3, 1, 2}

// Result is the outcome of a detection.
type Result struct {
	Mesh mesh.Mesh
	// Quad holds the detected polygon in contour order, nil when nothing
	// was found and Mesh is the full frame.
	Quad []image.Point
	// Binary is the thresholded frame. The caller must close it.
	Binary gocv.Mat
}

// Find thresholds frame, looks for an external contour that approximates
// to four vertices and returns its corners as a mesh. The last such contour
// wins. When none is found the mesh covers the whole frame.
func Find(frame gocv.Mat, min, max int) Result {
	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	gocv.GaussianBlur(gray, &gray, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	binary := gocv.NewMat()
	gocv.Threshold(gray, &binary, float32(min), float32(max), gocv.ThresholdBinary)

	res := Result{
		Mesh:   fullFrame(binary.Cols(), binary.Rows()),
		Binary: binary,
	}

	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		epsilon := epsilonRatio * gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, epsilon, true)
		pts := approx.ToPoints()
		approx.Close()

		if m, ok := FromQuad(pts); ok {
			res.Mesh = m
			res.Quad = pts
		}
	}

	return res
}

// FromQuad reorders four polygon vertices into a mesh.
func FromQuad(pts []image.Point) (mesh.Mesh, bool) {
	var m mesh.Mesh
	if len(pts) != 4 {
		return m, false
	}
	for i, j := range order {
		m[i] = pts[j]
	}
	return m, true
}

func fullFrame(w, h int) mesh.Mesh {
	return mesh.Mesh{image.Pt(0, 0), image.Pt(w, 0), image.Pt(0, h), image.Pt(w, h)}
}
