// Package pipeline runs the frame loop: capture, warp, estimate, track,
// publish, and act on the OSC controls between frames.
package pipeline

import (
	"context"
	"errors"
	"image"

	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/capture"
	"github.com/osmundi/posebridge/internal/config"
	"github.com/osmundi/posebridge/internal/corners"
	"github.com/osmundi/posebridge/internal/mesh"
	"github.com/osmundi/posebridge/internal/monitoring"
	"github.com/osmundi/posebridge/internal/oscio"
	"github.com/osmundi/posebridge/internal/pose"
	"github.com/osmundi/posebridge/internal/track"
)

// OpenFunc opens the capture device. capture.Open satisfies it.
type OpenFunc func(device string, res config.Resolution, fps int) (capture.Source, error)

// Publisher sends the tracked keypoints.
type Publisher interface {
	Publish(f track.Frame) error
}

// FrameSink receives the warped output frame.
type FrameSink interface {
	Publish(frame gocv.Mat) error
}

// Recorder persists sessions and mesh changes.
type Recorder interface {
	StartSession(device, model string) (string, error)
	EndSession(id string, frames int, meanScore float64) error
	RecordMesh(device string, m mesh.Mesh, reason string) error
}

// Display shows the calibration windows.
type Display interface {
	ShowSource(frame gocv.Mat, m mesh.Mesh, keypoints []image.Point)
	ShowTracked(frame gocv.Mat, f track.Frame)
	ShowCorners(binary gocv.Mat, quad []image.Point)
	Hide()
	Poll() bool
}

// Runner wires the stages together. Stream, Store and Preview are
// optional.
type Runner struct {
	Config    *config.Config
	Controls  *oscio.Controls
	Open      OpenFunc
	Estimator pose.Estimator
	Tracker   *track.Tracker
	Sender    Publisher
	Stream    FrameSink
	Store     Recorder
	Preview   Display

	colorizer *capture.Colorizer
	inverse   mesh.Homography
	sessionID string
	shown     bool

	// applyCorners restarts the device once the startup corner detection
	// has set the mesh.
	applyCorners bool
}

// Run restarts the device whenever the mesh is applied and returns when
// ctx is cancelled, a stop is requested or the source runs out.
func (r *Runner) Run(ctx context.Context) error {
	if r.Config.Depth {
		c, err := capture.NewColorizer(r.Config.MaxDisparity)
		if err != nil {
			return err
		}
		defer c.Close()
		r.colorizer = c
	}
	r.applyCorners = r.Config.FindCorners

	for {
		if ctx.Err() != nil || r.Controls.Stopped() {
			return nil
		}
		again, err := r.runDevice(ctx)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

func (r *Runner) perspective() (gocv.Mat, error) {
	res := r.Config.Res()
	m := r.Controls.WarpPos()
	h, err := mesh.Perspective(m, res)
	if errors.Is(err, mesh.ErrDegenerate) {
		monitoring.Logf("Mesh %v is degenerate, using the full frame", m)
		r.Controls.SetWarpPos(mesh.Default(res))
		h = mesh.Identity
	} else if err != nil {
		return gocv.Mat{}, err
	}
	if r.inverse, err = h.Inverse(); err != nil {
		return gocv.Mat{}, err
	}

	warp := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			warp.SetDoubleAt(row, col, h[row*3+col])
		}
	}
	return warp, nil
}

// runDevice is one device session. again is true when the loop should
// restart with the current mesh.
func (r *Runner) runDevice(ctx context.Context) (again bool, err error) {
	cfg := r.Config
	res := cfg.Res()

	monitoring.Logf("Starting device %s", cfg.Device)
	warp, err := r.perspective()
	if err != nil {
		return false, err
	}
	defer warp.Close()

	src, err := r.Open(cfg.Device, res, cfg.FPS)
	if err != nil {
		return false, err
	}
	defer src.Close()

	if r.Tracker != nil {
		r.Tracker.Reset()
	}
	defer r.endSession()
	monitoring.Logf("Device started")

	frame := gocv.NewMat()
	defer frame.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	scaled := gocv.NewMat()
	defer scaled.Close()
	warped := gocv.NewMat()
	defer warped.Close()
	depth := gocv.NewMat()
	defer depth.Close()

	var tracked track.Frame
	for {
		if ctx.Err() != nil || r.Controls.Stopped() {
			return false, nil
		}

		if err := src.Read(&frame); err != nil {
			if errors.Is(err, capture.ErrClosed) {
				monitoring.Logf("Device closed: %v", cfg.Device)
				return false, nil
			}
			return false, err
		}
		if frame.Empty() {
			continue
		}
		if frame.Channels() > 1 {
			gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
		} else {
			frame.CopyTo(&gray)
		}
		// Mesh coordinates are pixels of the output resolution.
		if gray.Cols() != res.W || gray.Rows() != res.H {
			gocv.Resize(gray, &scaled, image.Pt(res.W, res.H), 0, 0, gocv.InterpolationLinear)
			scaled.CopyTo(&gray)
		}

		gocv.WarpPerspective(gray, &warped, warp, image.Pt(res.W, res.H))
		out := warped
		if r.colorizer != nil {
			r.colorizer.Apply(warped, &depth)
			out = depth
		}

		if cfg.Tracking && r.Tracker != nil {
			tracked = r.track(out)
		}

		r.show(gray, out, tracked)

		if r.Controls.TakeFindCorners() {
			r.findCorners(gray)
			if r.applyCorners {
				r.applyCorners = false
				r.Controls.RequestRestart()
			}
		}

		if r.Stream != nil {
			if err := r.Stream.Publish(out); err != nil {
				monitoring.Debugf("stream: %v", err)
			}
		}

		if r.Controls.TakeSave() {
			r.saveMesh()
		}

		if r.Controls.TakeRestart() {
			monitoring.Logf("Mesh changed, restarting...")
			return true, nil
		}

		if r.Preview != nil && r.Preview.Poll() {
			r.Controls.Stop()
		}
	}
}

func (r *Runner) track(frame gocv.Mat) track.Frame {
	p, err := r.Estimator.Estimate(frame)
	if err != nil {
		monitoring.Logf("pose estimation failed: %v", err)
		p = pose.Pose{}
	}

	u := r.Tracker.Update(p)
	switch u.Transition {
	case track.Found:
		monitoring.Debugf("Person found")
		r.startSession()
	case track.Lost:
		monitoring.Debugf("Person lost after %d frames", u.Session.Frames)
		r.closeSession(u.Session)
	}

	if u.Send {
		if err := r.Sender.Publish(u.Frame); err != nil {
			monitoring.Debugf("osc send: %v", err)
		}
	}
	return u.Frame
}

func (r *Runner) show(source, out gocv.Mat, tracked track.Frame) {
	if r.Preview == nil {
		return
	}
	if !r.Controls.ShowFrame() {
		if r.shown {
			r.Preview.Hide()
			r.shown = false
		}
		return
	}
	r.Preview.ShowSource(source, r.Controls.WarpPos(), r.sourcePoints(tracked))
	r.Preview.ShowTracked(out, tracked)
	r.shown = true
}

// sourcePoints maps the tracked keypoints back into source pixels.
func (r *Runner) sourcePoints(f track.Frame) []image.Point {
	res := r.Config.Res()
	pts := make([]image.Point, 0, len(f.X))
	for i := range f.X {
		if track.Unseen(f, i) {
			continue
		}
		if pt, ok := mesh.ToSource(r.inverse, f.X[i], 1-f.Y[i], res); ok {
			pts = append(pts, pt)
		}
	}
	return pts
}

func (r *Runner) findCorners(gray gocv.Mat) {
	min, max := r.Controls.CornerThresholds()
	res := corners.Find(gray, min, max)
	defer res.Binary.Close()

	if res.Quad == nil {
		monitoring.Logf("No corners found, using the full frame")
	} else {
		monitoring.Logf("Corners found: %v", res.Mesh)
	}
	r.Controls.SetWarpPos(res.Mesh)
	if r.Preview != nil && r.Controls.ShowFrame() {
		r.Preview.ShowCorners(res.Binary, res.Quad)
	}
	r.recordMesh(res.Mesh, "corners")
}

func (r *Runner) saveMesh() {
	m := r.Controls.WarpPos()
	if err := mesh.Save(r.Config.MeshPath, m); err != nil {
		monitoring.Logf("failed to save mesh: %v", err)
		return
	}
	monitoring.Logf("Mesh saved to: %s %.3f", r.Config.MeshPath, m.Normalized(r.Config.Res()))
	r.recordMesh(m, "save")
}

func (r *Runner) recordMesh(m mesh.Mesh, reason string) {
	if r.Store == nil {
		return
	}
	if err := r.Store.RecordMesh(r.Config.Device, m, reason); err != nil {
		monitoring.Logf("failed to record mesh: %v", err)
	}
}

func (r *Runner) startSession() {
	if r.Store == nil {
		return
	}
	id, err := r.Store.StartSession(r.Config.Device, r.Config.PoseModel().Name)
	if err != nil {
		monitoring.Logf("failed to start session: %v", err)
		return
	}
	r.sessionID = id
}

func (r *Runner) closeSession(s track.Session) {
	if r.Store == nil || r.sessionID == "" {
		return
	}
	if err := r.Store.EndSession(r.sessionID, s.Frames, s.MeanScore); err != nil {
		monitoring.Logf("failed to end session: %v", err)
	}
	r.sessionID = ""
}

// endSession closes a session left open when the device stops.
func (r *Runner) endSession() {
	if r.Tracker == nil || !r.Tracker.Tracking() {
		return
	}
	r.closeSession(r.Tracker.Current())
}
