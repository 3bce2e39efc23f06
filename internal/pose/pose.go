// Package pose runs a single-person pose network over a frame and exposes
// the keypoints normalized to the frame.
package pose

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Keypoint is a joint position as a fraction of the input frame. Z is only
// set by models that estimate depth.
type Keypoint struct {
	X, Y, Z float64
	Score   float64
}

// Pose is the skeleton of one person. An empty pose means nothing was seen.
type Pose struct {
	Keypoints []Keypoint
}

// Detected reports whether the pose carries any keypoints.
func (p Pose) Detected() bool {
	return len(p.Keypoints) > 0
}

// MeanScore is the average keypoint confidence.
func (p Pose) MeanScore() float64 {
	if len(p.Keypoints) == 0 {
		return 0
	}
	scores := make([]float64, len(p.Keypoints))
	for i, k := range p.Keypoints {
		scores[i] = k.Score
	}
	return stat.Mean(scores, nil)
}

// Body joints in the 17 point layout.
const (
	Nose = iota
	LeftEye
	RightEye
	LeftEar
	RightEar
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
)

// fromLandmarks picks the 17 body joints out of the 33 landmark layout.
var fromLandmarks = [17]int{0, 2, 5, 7, 8, 11, 12, 13, 14, 15, 16, 23, 24, 25, 26, 27, 28}

// Body returns the 17 joint skeleton regardless of the model layout. It
// returns nil when the layout is unknown.
func (p Pose) Body() []Keypoint {
	idx := BodyJoints(len(p.Keypoints))
	if idx == nil {
		return nil
	}
	body := make([]Keypoint, len(idx))
	for i, j := range idx {
		body[i] = p.Keypoints[j]
	}
	return body
}

// BodyJoints maps each of the 17 body joints to its slot in an n keypoint
// layout, nil when the layout is unknown.
func BodyJoints(n int) []int {
	switch n {
	case 17:
		idx := make([]int, 17)
		for i := range idx {
			idx[i] = i
		}
		return idx
	case 33:
		return fromLandmarks[:]
	}
	return nil
}

// Skeleton lists the joint pairs drawn as limbs.
var Skeleton = [][2]int{
	{RightAnkle, RightKnee}, {RightKnee, RightHip}, {LeftAnkle, LeftKnee}, {LeftKnee, LeftHip},
	{RightHip, LeftHip}, {LeftShoulder, LeftHip}, {RightShoulder, RightHip}, {LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow}, {RightShoulder, RightElbow}, {LeftElbow, LeftWrist}, {RightElbow, RightWrist},
	{LeftEye, RightEye}, {Nose, LeftEye}, {Nose, RightEye}, {LeftEye, LeftEar},
	{RightEye, RightEar}, {LeftEar, LeftShoulder}, {RightEar, RightShoulder},
}

// consistencyPairs are the joints expected to stay close together.
var consistencyPairs = [][2]int{
	{Nose, LeftEye}, {LeftEye, RightEye}, {RightEye, LeftEar},
	{LeftEar, RightEar}, {LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow}, {RightShoulder, RightElbow},
	{LeftElbow, LeftWrist}, {RightElbow, RightWrist},
	{LeftShoulder, LeftHip}, {RightShoulder, RightHip},
	{LeftHip, LeftKnee}, {RightHip, RightKnee},
	{LeftKnee, LeftAnkle}, {RightKnee, RightAnkle},
}

// Consistent checks that neighbouring joints are no further apart than
// threshold scaled by the mean confidence. Low confidence poses therefore
// get a tighter bound.
func Consistent(p Pose, threshold float64) bool {
	body := p.Body()
	if body == nil {
		return false
	}
	limit := Pose{Keypoints: body}.MeanScore() * threshold
	for _, pair := range consistencyPairs {
		a, b := body[pair[0]], body[pair[1]]
		if math.Hypot(a.X-b.X, a.Y-b.Y) > limit {
			return false
		}
	}
	return true
}
