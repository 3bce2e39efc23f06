// Package track turns a stream of poses into the keypoint vectors sent to
// the visualization, holding the last good value of every joint.
package track

import (
	"github.com/osmundi/posebridge/internal/config"
	"github.com/osmundi/posebridge/internal/pose"
)

// Frame is one OSC payload: the nose position and the x and y vectors with
// one slot per keypoint. y grows upwards.
type Frame struct {
	Nose []float64
	X    []float64
	Y    []float64
}

// Transition marks a change between tracking and not tracking.
type Transition int

const (
	None Transition = iota
	Found
	Lost
)

// Options configures a Tracker.
type Options struct {
	Keypoints            int
	HasDepth             bool
	MinPoseScore         float64
	MinKeypointScore     float64
	CheckConsistency     bool
	ConsistencyThreshold float64
	LostPolicy           string
	RangeFilter          bool
}

// OptionsFromConfig builds tracker options for the configured model.
func OptionsFromConfig(cfg *config.Config) Options {
	m := cfg.PoseModel()
	return Options{
		Keypoints:            m.Keypoints,
		HasDepth:             m.HasDepth,
		MinPoseScore:         cfg.MinPoseScore,
		MinKeypointScore:     cfg.MinKeypointScore,
		CheckConsistency:     cfg.CheckConsistency,
		ConsistencyThreshold: cfg.ConsistencyThreshold,
		LostPolicy:           cfg.LostPolicy,
		RangeFilter:          cfg.RangeFilter,
	}
}

// Update is the outcome of feeding one pose to the tracker.
type Update struct {
	Frame      Frame
	Send       bool
	Detected   bool
	Transition Transition
	// Session is filled on Lost with the statistics of the ended session.
	Session Session
}

// Session summarizes a continuous run of detections.
type Session struct {
	Frames    int
	MeanScore float64
}

// Tracker is not safe for concurrent use.
type Tracker struct {
	opts     Options
	held     Frame
	detected bool
	frames   int
	scoreSum float64
}

// New returns a tracker with all slots at zero.
func New(opts Options) *Tracker {
	t := &Tracker{opts: opts}
	t.Reset()
	return t
}

// Reset clears the held values, as after a device restart.
func (t *Tracker) Reset() {
	t.held = t.zero()
	t.detected = false
	t.frames = 0
	t.scoreSum = 0
}

func (t *Tracker) zero() Frame {
	nose := 2
	if t.opts.HasDepth {
		nose = 3
	}
	return Frame{
		Nose: make([]float64, nose),
		X:    make([]float64, t.opts.Keypoints),
		Y:    make([]float64, t.opts.Keypoints),
	}
}

func (t *Tracker) accept(p pose.Pose) bool {
	if len(p.Keypoints) != t.opts.Keypoints {
		return false
	}
	if p.MeanScore() < t.opts.MinPoseScore {
		return false
	}
	if t.opts.CheckConsistency && !pose.Consistent(p, t.opts.ConsistencyThreshold) {
		return false
	}
	return true
}

func (t *Tracker) valid(k pose.Keypoint, x, y float64) bool {
	if k.Score < t.opts.MinKeypointScore {
		return false
	}
	if !t.opts.RangeFilter {
		return true
	}
	return x > 0 && x < 1 && y > 0 && y < 1
}

// Update folds p into the held values and decides what to send.
func (t *Tracker) Update(p pose.Pose) Update {
	detected := t.accept(p)

	var u Update
	u.Detected = detected
	switch {
	case detected && !t.detected:
		u.Transition = Found
		t.frames, t.scoreSum = 0, 0
	case !detected && t.detected:
		u.Transition = Lost
		u.Session = t.session()
	}

	if detected {
		t.frames++
		t.scoreSum += p.MeanScore()
		for i, k := range p.Keypoints {
			x, y := k.X, 1-k.Y
			if !t.valid(k, x, y) {
				continue
			}
			t.held.X[i] = x
			t.held.Y[i] = y
			if i == pose.Nose {
				t.held.Nose[0], t.held.Nose[1] = x, y
				if t.opts.HasDepth {
					t.held.Nose[2] = k.Z + 1
				}
			}
		}
	}

	switch {
	case t.opts.LostPolicy != config.LostClear:
		u.Frame, u.Send = t.held.clone(), true
	case detected:
		u.Frame, u.Send = t.held.clone(), true
	case u.Transition == Lost:
		u.Frame, u.Send = t.zero(), true
	}

	t.detected = detected
	return u
}

// Tracking reports whether the last pose was detected.
func (t *Tracker) Tracking() bool {
	return t.detected
}

func (t *Tracker) session() Session {
	s := Session{Frames: t.frames}
	if t.frames > 0 {
		s.MeanScore = t.scoreSum / float64(t.frames)
	}
	return s
}

// Current returns the statistics of the running session.
func (t *Tracker) Current() Session {
	return t.session()
}

// Unseen reports whether slot i has never held a detected keypoint.
func Unseen(f Frame, i int) bool {
	return f.X[i] == 0 && f.Y[i] == 0
}

func (f Frame) clone() Frame {
	return Frame{
		Nose: append([]float64(nil), f.Nose...),
		X:    append([]float64(nil), f.X...),
		Y:    append([]float64(nil), f.Y...),
	}
}
