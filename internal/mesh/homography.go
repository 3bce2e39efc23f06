package mesh

import (
	"errors"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/osmundi/posebridge/internal/config"
)

// ErrDegenerate is returned when the mesh corners do not span a quad.
var ErrDegenerate = errors.New("mesh corners are degenerate")

// Homography is a row-major 3x3 projective transform.
type Homography [9]float64

// Identity maps every point to itself.
var Identity = Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Solve returns the transform that takes src[i] to dst[i].
func Solve(src, dst [4][2]float64) (Homography, error) {
	// Pixel coordinates are scaled to about 1 before solving and the
	// scaling is folded back into the result.
	ss, sd := extent(src), extent(dst)

	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i][0]/ss, src[i][1]/ss
		u, v := dst[i][0]/sd, dst[i][1]/sd
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		// A finite condition number is only a precision warning.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) {
			return Homography{}, ErrDegenerate
		}
	}

	var n Homography
	for i := 0; i < 8; i++ {
		n[i] = h.AtVec(i)
		if math.IsNaN(n[i]) || math.IsInf(n[i], 0) {
			return Homography{}, ErrDegenerate
		}
	}
	n[8] = 1

	return Homography{
		n[0] * sd / ss, n[1] * sd / ss, n[2] * sd,
		n[3] * sd / ss, n[4] * sd / ss, n[5] * sd,
		n[6] / ss, n[7] / ss, 1,
	}, nil
}

func extent(pts [4][2]float64) float64 {
	s := 0.0
	for _, p := range pts {
		s = math.Max(s, math.Max(math.Abs(p[0]), math.Abs(p[1])))
	}
	if s == 0 {
		return 1
	}
	return s
}

// Perspective is the transform from the mesh quad in the source frame onto
// the full output frame.
func Perspective(m Mesh, res config.Resolution) (Homography, error) {
	if area(m.Polygon()) < 1 {
		return Homography{}, ErrDegenerate
	}
	var src [4][2]float64
	for i, p := range m {
		src[i] = [2]float64{float64(p.X), float64(p.Y)}
	}
	var dst [4][2]float64
	for i, p := range Default(res) {
		dst[i] = [2]float64{float64(p.X), float64(p.Y)}
	}
	return Solve(src, dst)
}

// Apply transforms (x, y). ok is false for points mapped to infinity.
func (h Homography) Apply(x, y float64) (u, v float64, ok bool) {
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	u = (h[0]*x + h[1]*y + h[2]) / w
	v = (h[3]*x + h[4]*y + h[5]) / w
	return u, v, true
}

// Inverse returns the transform undoing h.
func (h Homography) Inverse() (Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, h[:])); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) {
			return Homography{}, ErrDegenerate
		}
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	if out[8] != 0 {
		s := out[8]
		for i := range out {
			out[i] /= s
		}
	}
	return out, nil
}

// ToSource maps a keypoint given as a fraction of the warped frame back into
// source pixels, using the inverse of the mesh perspective.
func ToSource(inv Homography, x, y float64, res config.Resolution) (image.Point, bool) {
	u, v, ok := inv.Apply(x*float64(res.W), y*float64(res.H))
	if !ok {
		return image.Point{}, false
	}
	return image.Pt(int(math.Round(u)), int(math.Round(v))), true
}

// area is the shoelace area of a closed polygon.
func area(pts []image.Point) float64 {
	var s float64
	for i := range pts {
		j := (i + 1) % len(pts)
		s += float64(pts[i].X*pts[j].Y - pts[j].X*pts[i].Y)
	}
	return math.Abs(s) / 2
}
