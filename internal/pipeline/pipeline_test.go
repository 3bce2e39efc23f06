package pipeline

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/capture"
	"github.com/osmundi/posebridge/internal/config"
	"github.com/osmundi/posebridge/internal/mesh"
	"github.com/osmundi/posebridge/internal/monitoring"
	"github.com/osmundi/posebridge/internal/oscio"
	"github.com/osmundi/posebridge/internal/pose"
	"github.com/osmundi/posebridge/internal/track"
)

// fakeSource yields gray frames of size res with a bright rectangle in
// the middle, then reports the end of the video.
type fakeSource struct {
	res    config.Resolution
	frames int
	reads  int
	onRead func(i int)
	closed bool
}

func (s *fakeSource) Read(dst *gocv.Mat) error {
	if s.reads >= s.frames {
		return capture.ErrClosed
	}
	if s.onRead != nil {
		s.onRead(s.reads)
	}
	s.reads++
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), s.res.H, s.res.W, gocv.MatTypeCV8U)
	defer img.Close()
	rect := img.Region(image.Rect(s.res.W/4, s.res.H/4, 3*s.res.W/4, 3*s.res.H/4))
	rect.SetTo(gocv.NewScalar(255, 0, 0, 0))
	rect.Close()
	img.CopyTo(dst)
	return nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeEstimator struct {
	calls int
	pose  func(i int) pose.Pose
}

func (e *fakeEstimator) Estimate(frame gocv.Mat) (pose.Pose, error) {
	i := e.calls
	e.calls++
	return e.pose(i), nil
}

func (e *fakeEstimator) Close() error { return nil }

type fakeSender struct {
	frames []track.Frame
}

func (s *fakeSender) Publish(f track.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

type fakeSink struct {
	frames int
	size   image.Point
}

func (s *fakeSink) Publish(frame gocv.Mat) error {
	s.frames++
	s.size = image.Pt(frame.Cols(), frame.Rows())
	return nil
}

type meshRecord struct {
	mesh   mesh.Mesh
	reason string
}

type fakeStore struct {
	started int
	ended   []track.Session
	meshes  []meshRecord
}

func (s *fakeStore) StartSession(device, model string) (string, error) {
	s.started++
	return "session", nil
}

func (s *fakeStore) EndSession(id string, frames int, meanScore float64) error {
	s.ended = append(s.ended, track.Session{Frames: frames, MeanScore: meanScore})
	return nil
}

func (s *fakeStore) RecordMesh(device string, m mesh.Mesh, reason string) error {
	s.meshes = append(s.meshes, meshRecord{m, reason})
	return nil
}

type fakeDisplay struct {
	sources, tracked, corners, hides, polls int
	stopAt                                  int
	keypoints                               []image.Point
}

func (d *fakeDisplay) ShowSource(frame gocv.Mat, m mesh.Mesh, keypoints []image.Point) {
	d.sources++
	d.keypoints = keypoints
}
func (d *fakeDisplay) ShowTracked(frame gocv.Mat, f track.Frame)       { d.tracked++ }
func (d *fakeDisplay) ShowCorners(binary gocv.Mat, quad []image.Point) { d.corners++ }
func (d *fakeDisplay) Hide()                                           { d.hides++ }
func (d *fakeDisplay) Poll() bool {
	d.polls++
	return d.stopAt > 0 && d.polls >= d.stopAt
}

func person(score float64) pose.Pose {
	kps := make([]pose.Keypoint, 17)
	for i := range kps {
		kps[i] = pose.Keypoint{X: 0.4, Y: 0.6, Score: score}
	}
	return pose.Pose{Keypoints: kps}
}

type harness struct {
	cfg       *config.Config
	controls  *oscio.Controls
	sources   []*fakeSource
	estimator *fakeEstimator
	sender    *fakeSender
	sink      *fakeSink
	store     *fakeStore
	runner    *Runner
}

func newHarness(t *testing.T, frames ...int) *harness {
	t.Helper()
	monitoring.SetLogger(nil)

	cfg := config.Default()
	cfg.Resolution = "400"
	cfg.MeshPath = filepath.Join(t.TempDir(), "mesh.json")

	h := &harness{
		cfg:       cfg,
		controls:  oscio.NewControls(cfg, mesh.Default(cfg.Res())),
		estimator: &fakeEstimator{pose: func(int) pose.Pose { return person(0.9) }},
		sender:    &fakeSender{},
		sink:      &fakeSink{},
		store:     &fakeStore{},
	}
	for _, n := range frames {
		h.sources = append(h.sources, &fakeSource{res: cfg.Res(), frames: n})
	}

	opened := 0
	h.runner = &Runner{
		Config:   cfg,
		Controls: h.controls,
		Open: func(device string, res config.Resolution, fps int) (capture.Source, error) {
			require.Less(t, opened, len(h.sources), "unexpected reopen")
			s := h.sources[opened]
			opened++
			return s, nil
		},
		Estimator: h.estimator,
		Tracker:   track.New(track.OptionsFromConfig(cfg)),
		Sender:    h.sender,
		Stream:    h.sink,
		Store:     h.store,
	}
	return h
}

func TestRunUntilSourceEnds(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.runner.Run(context.Background()))

	assert.True(t, h.sources[0].closed)
	assert.Equal(t, 5, h.estimator.calls)
	require.Len(t, h.sender.frames, 5)
	assert.InDelta(t, 0.4, h.sender.frames[0].X[0], 1e-9)
	assert.InDelta(t, 0.4, h.sender.frames[0].Y[0], 1e-9, "y is flipped")

	assert.Equal(t, 5, h.sink.frames)
	assert.Equal(t, image.Pt(640, 400), h.sink.size)

	// The session still open at the end of the video is closed.
	assert.Equal(t, 1, h.store.started)
	require.Len(t, h.store.ended, 1)
	assert.Equal(t, 5, h.store.ended[0].Frames)
}

func TestSessionsFollowDetections(t *testing.T) {
	h := newHarness(t, 6)
	h.estimator.pose = func(i int) pose.Pose {
		if i < 3 {
			return person(0.8)
		}
		return pose.Pose{}
	}
	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, 1, h.store.started)
	require.Len(t, h.store.ended, 1)
	assert.Equal(t, 3, h.store.ended[0].Frames)
	assert.InDelta(t, 0.8, h.store.ended[0].MeanScore, 1e-9)

	// Hold keeps sending the last values after the person is gone.
	require.Len(t, h.sender.frames, 6)
	assert.InDelta(t, 0.4, h.sender.frames[5].X[3], 1e-9)
}

func TestRestartOnWarpGo(t *testing.T) {
	h := newHarness(t, 10, 2)
	moved := mesh.Mesh{image.Pt(10, 10), image.Pt(600, 20), image.Pt(15, 390), image.Pt(630, 380)}
	h.sources[0].onRead = func(i int) {
		if i == 1 {
			h.controls.SetWarpPos(moved)
			h.controls.RequestRestart()
		}
	}
	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, 2, h.sources[0].reads, "first session stops after the restart request")
	assert.True(t, h.sources[0].closed)
	assert.Equal(t, 2, h.sources[1].reads)
	assert.Equal(t, moved, h.controls.WarpPos())
	assert.Len(t, h.store.ended, 2, "each device session closes its tracking session")
}

func TestSaveMesh(t *testing.T) {
	h := newHarness(t, 2)
	h.sources[0].onRead = func(i int) {
		if i == 0 {
			h.controls.RequestSave()
		}
	}
	require.NoError(t, h.runner.Run(context.Background()))

	saved, err := mesh.Load(h.cfg.MeshPath)
	require.NoError(t, err)
	assert.Equal(t, mesh.Default(h.cfg.Res()), saved)
	require.Len(t, h.store.meshes, 1)
	assert.Equal(t, "save", h.store.meshes[0].reason)
}

func TestFindCorners(t *testing.T) {
	h := newHarness(t, 2)
	h.controls.RequestFindCorners()
	h.controls.SetCornerThresholds(127, 255)
	require.NoError(t, h.runner.Run(context.Background()))

	got := h.controls.WarpPos()
	assert.InDelta(t, 160, got[mesh.TopLeft].X, 2)
	assert.InDelta(t, 100, got[mesh.TopLeft].Y, 2)
	assert.InDelta(t, 480, got[mesh.BottomRight].X, 2)
	assert.InDelta(t, 300, got[mesh.BottomRight].Y, 2)
	require.Len(t, h.store.meshes, 1)
	assert.Equal(t, "corners", h.store.meshes[0].reason)
}

func TestDegenerateMeshFallsBack(t *testing.T) {
	h := newHarness(t, 1)
	p := image.Pt(5, 5)
	h.controls.SetWarpPos(mesh.Mesh{p, p, p, p})
	require.NoError(t, h.runner.Run(context.Background()))
	assert.Equal(t, mesh.Default(h.cfg.Res()), h.controls.WarpPos())
}

func TestPreview(t *testing.T) {
	h := newHarness(t, 10)
	d := &fakeDisplay{stopAt: 4}
	h.runner.Preview = d
	h.controls.SetShowFrame(true)
	h.sources[0].onRead = func(i int) {
		if i == 2 {
			h.controls.SetShowFrame(false)
		}
	}
	require.NoError(t, h.runner.Run(context.Background()))

	assert.True(t, h.controls.Stopped(), "q stops the bridge")
	assert.Equal(t, 4, h.sources[0].reads)
	assert.Equal(t, 2, d.sources)
	assert.Equal(t, 2, d.tracked)
	assert.Equal(t, 1, d.hides)
}

func TestPreviewKeypointsInSource(t *testing.T) {
	h := newHarness(t, 1)
	// The mesh covers the right half of the source frame.
	h.controls.SetWarpPos(mesh.Mesh{image.Pt(320, 0), image.Pt(640, 0), image.Pt(320, 400), image.Pt(640, 400)})
	h.controls.SetShowFrame(true)
	d := &fakeDisplay{}
	h.runner.Preview = d
	require.NoError(t, h.runner.Run(context.Background()))

	require.Len(t, d.keypoints, 17)
	// x 0.4 of the warped frame is 320 + 0.4*320 in the source, y 0.6 is 240.
	assert.InDelta(t, 448, d.keypoints[0].X, 1)
	assert.InDelta(t, 240, d.keypoints[0].Y, 1)
}

func TestTrackingDisabled(t *testing.T) {
	h := newHarness(t, 3)
	h.cfg.Tracking = false
	require.NoError(t, h.runner.Run(context.Background()))
	assert.Zero(t, h.estimator.calls)
	assert.Empty(t, h.sender.frames)
	assert.Equal(t, 3, h.sink.frames)
}

func TestDepthMode(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.Depth = true
	require.NoError(t, h.runner.Run(context.Background()))
	assert.Equal(t, 1, h.sink.frames)
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.runner.Run(ctx))
}

func TestSourceScaledToResolution(t *testing.T) {
	h := newHarness(t, 2)
	h.sources[0].res = config.Resolution{W: 320, H: 200}
	h.controls.RequestFindCorners()
	h.controls.SetCornerThresholds(127, 255)
	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, image.Pt(640, 400), h.sink.size)

	// The rectangle spans the middle half of the frame at any source size.
	got := h.controls.WarpPos()
	assert.InDelta(t, 160, got[mesh.TopLeft].X, 3)
	assert.InDelta(t, 100, got[mesh.TopLeft].Y, 3)
	assert.InDelta(t, 480, got[mesh.BottomRight].X, 3)
	assert.InDelta(t, 300, got[mesh.BottomRight].Y, 3)
}

func TestStartupCornersRestartDevice(t *testing.T) {
	h := newHarness(t, 3, 1)
	h.cfg.FindCorners = true
	h.controls.RequestFindCorners()
	h.controls.SetCornerThresholds(127, 255)
	require.NoError(t, h.runner.Run(context.Background()))

	assert.Equal(t, 1, h.sources[0].reads, "detection on the first frame restarts the device")
	assert.Equal(t, 1, h.sources[1].reads)
	assert.InDelta(t, 160, h.controls.WarpPos()[mesh.TopLeft].X, 2)
	assert.False(t, h.controls.TakeRestart())
}

func TestLaterCornersDoNotRestart(t *testing.T) {
	h := newHarness(t, 3)
	h.sources[0].onRead = func(i int) {
		if i == 1 {
			h.controls.RequestFindCorners()
		}
	}
	require.NoError(t, h.runner.Run(context.Background()))
	assert.Equal(t, 3, h.sources[0].reads)
}

func TestPreviewSkipsUnseenKeypoints(t *testing.T) {
	h := newHarness(t, 1)
	h.estimator.pose = func(int) pose.Pose {
		p := person(0.9)
		// Out of range, so the slot is never filled.
		p.Keypoints[5].X = 0
		return p
	}
	h.controls.SetShowFrame(true)
	d := &fakeDisplay{}
	h.runner.Preview = d
	require.NoError(t, h.runner.Run(context.Background()))

	assert.Len(t, d.keypoints, 16)
}
