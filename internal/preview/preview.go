// Package preview shows the source, warped and corner detection frames in
// local windows for calibrating the setup.
package preview

import (
	"image"
	"image/color"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/config"
	"github.com/osmundi/posebridge/internal/mesh"
	"github.com/osmundi/posebridge/internal/pose"
	"github.com/osmundi/posebridge/internal/track"
)

const (
	ControlWindow = "Oak-D Tracking"
	SourceWindow  = "Source"
	TrackedWindow = "Warped & Tracked"
	MeshWindow    = "Mesh"
)

var (
	red   = color.RGBA{255, 0, 0, 0}
	green = color.RGBA{0, 255, 0, 0}
	blue  = color.RGBA{0, 0, 255, 0}
	white = color.RGBA{255, 255, 255, 0}
)

const (
	keyEsc = 27
	keyQ   = 'q'
)

// Preview owns the windows. It must be used from the goroutine that runs
// the frame loop.
type Preview struct {
	res     config.Resolution
	control *gocv.Window
	windows map[string]*gocv.Window
	fps     FPS
}

// New opens the control window. Frame windows open on first use.
func New(res config.Resolution) *Preview {
	p := &Preview{
		res:     res,
		control: gocv.NewWindow(ControlWindow),
		windows: map[string]*gocv.Window{},
	}
	bg := ControlBackground()
	defer bg.Close()
	p.control.IMShow(bg)
	return p
}

func (p *Preview) window(name string) *gocv.Window {
	w, ok := p.windows[name]
	if !ok {
		w = gocv.NewWindow(name)
		p.windows[name] = w
	}
	return w
}

// ShowSource draws the mesh and the keypoints, given in source pixels,
// over the source frame.
func (p *Preview) ShowSource(frame gocv.Mat, m mesh.Mesh, keypoints []image.Point) {
	img := toBGR(frame)
	defer img.Close()
	DrawMesh(&img, m)
	for _, pt := range keypoints {
		gocv.Circle(&img, pt, 3, green, -1)
	}
	p.window(SourceWindow).IMShow(img)
}

// ShowTracked draws the tracked keypoints and the frame rate over the
// warped frame.
func (p *Preview) ShowTracked(frame gocv.Mat, f track.Frame) {
	img := toBGR(frame)
	defer img.Close()
	DrawKeypoints(&img, f, p.res)
	fps := p.fps.Tick(time.Now())
	gocv.PutText(&img, strconv.Itoa(int(fps)), image.Pt(50, 100), gocv.FontHersheySimplex, 2, green, 3)
	p.window(TrackedWindow).IMShow(img)
}

// ShowCorners shows the thresholded frame with the detected quad.
func (p *Preview) ShowCorners(binary gocv.Mat, quad []image.Point) {
	if len(quad) == 0 {
		return
	}
	img := toBGR(binary)
	defer img.Close()
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{quad})
	defer pv.Close()
	gocv.DrawContours(&img, pv, 0, red, 2)
	p.window(MeshWindow).IMShow(img)
}

// Hide closes the frame windows and keeps the control window.
func (p *Preview) Hide() {
	for name, w := range p.windows {
		w.Close()
		delete(p.windows, name)
	}
}

// Poll pumps the window events and reports whether q or ESC was pressed.
func (p *Preview) Poll() bool {
	key := p.control.WaitKey(1) & 0xFF
	return key == keyEsc || key == keyQ
}

func (p *Preview) Close() error {
	p.Hide()
	return p.control.Close()
}

// FPS is an exponential moving average of the frame rate.
type FPS struct {
	Alpha   float64
	Average float64
	last    time.Time
}

// Tick records a frame at now and returns the smoothed rate.
func (f *FPS) Tick(now time.Time) float64 {
	alpha := f.Alpha
	if alpha == 0 {
		alpha = 0.9
	}
	if !f.last.IsZero() {
		var fps float64
		if dt := now.Sub(f.last).Seconds(); dt > 0 {
			fps = 1 / dt
		}
		f.Average = alpha*f.Average + (1-alpha)*fps
	}
	f.last = now
	return f.Average
}

// ControlBackground is the black panel with the stop hint.
func ControlBackground() gocv.Mat {
	bg := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 200, gocv.MatTypeCV8UC3)
	text := "Press q to stop"
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.7, 1)
	org := image.Pt((bg.Cols()-size.X)/2, (bg.Rows()+size.Y)/2)
	gocv.PutTextWithParams(&bg, text, org, gocv.FontHersheySimplex, 0.7, white, 1, gocv.LineAA, false)
	return bg
}

// DrawMesh marks the four corners and the quad edges.
func DrawMesh(img *gocv.Mat, m mesh.Mesh) {
	for _, pt := range m {
		gocv.Circle(img, pt, 4, blue, -1)
	}
	for _, e := range mesh.Edges {
		gocv.Line(img, m[e[0]], m[e[1]], blue, 2)
	}
}

// DrawKeypoints plots f in pixel coordinates of res with y flipped back
// to image orientation. Slots never seen are skipped.
func DrawKeypoints(img *gocv.Mat, f track.Frame, res config.Resolution) {
	pts := make([]image.Point, len(f.X))
	for i := range f.X {
		if track.Unseen(f, i) {
			continue
		}
		pts[i] = image.Pt(int(f.X[i]*float64(res.W)), int(float64(res.H)-f.Y[i]*float64(res.H)))
		gocv.Circle(img, pts[i], 3, green, -1)
	}
	joints := pose.BodyJoints(len(pts))
	if joints == nil {
		return
	}
	for _, limb := range pose.Skeleton {
		a, b := joints[limb[0]], joints[limb[1]]
		if track.Unseen(f, a) || track.Unseen(f, b) {
			continue
		}
		gocv.Line(img, pts[a], pts[b], green, 2)
	}
}

func toBGR(frame gocv.Mat) gocv.Mat {
	img := gocv.NewMat()
	if frame.Channels() == 1 {
		gocv.CvtColor(frame, &img, gocv.ColorGrayToBGR)
	} else {
		frame.CopyTo(&img)
	}
	return img
}
