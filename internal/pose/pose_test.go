package pose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMoveNet(t *testing.T) {
	data := make([]float32, 17*3)
	// nose at y=0.25, x=0.5
	data[0], data[1], data[2] = 0.25, 0.5, 0.9
	data[3*LeftWrist], data[3*LeftWrist+1], data[3*LeftWrist+2] = 0.6, 0.3, 0.4

	p, err := DecodeMoveNet(data, 17)
	require.NoError(t, err)
	require.Len(t, p.Keypoints, 17)

	assert.InDelta(t, 0.5, p.Keypoints[Nose].X, 1e-6)
	assert.InDelta(t, 0.25, p.Keypoints[Nose].Y, 1e-6)
	assert.InDelta(t, 0.9, p.Keypoints[Nose].Score, 1e-6)
	assert.InDelta(t, 0.3, p.Keypoints[LeftWrist].X, 1e-6)
	assert.Zero(t, p.Keypoints[Nose].Z)

	_, err = DecodeMoveNet(data[:10], 17)
	assert.ErrorIs(t, err, ErrOutputShape)
}

func TestDecodeLandmarks(t *testing.T) {
	data := make([]float32, 39*landmarkStride)
	data[0], data[1], data[2], data[3] = 128, 64, -32, 0

	p, err := DecodeLandmarks(data, 33, 256)
	require.NoError(t, err)
	require.Len(t, p.Keypoints, 33)

	nose := p.Keypoints[0]
	assert.InDelta(t, 0.5, nose.X, 1e-9)
	assert.InDelta(t, 0.25, nose.Y, 1e-9)
	assert.InDelta(t, -0.125, nose.Z, 1e-9)
	assert.InDelta(t, 0.5, nose.Score, 1e-9)

	_, err = DecodeLandmarks(data[:100], 33, 256)
	assert.ErrorIs(t, err, ErrOutputShape)
}

func TestBody(t *testing.T) {
	lm := make([]Keypoint, 33)
	for i := range lm {
		lm[i].X = float64(i)
	}
	body := Pose{Keypoints: lm}.Body()
	require.Len(t, body, 17)
	assert.Equal(t, 11.0, body[LeftShoulder].X)
	assert.Equal(t, 28.0, body[RightAnkle].X)

	assert.Nil(t, Pose{Keypoints: make([]Keypoint, 5)}.Body())
}

func TestBodyJoints(t *testing.T) {
	assert.Equal(t, 16, BodyJoints(17)[RightAnkle])
	assert.Equal(t, 13, BodyJoints(33)[LeftElbow])
	assert.Nil(t, BodyJoints(21))
}

func standing(score float64) Pose {
	kps := make([]Keypoint, 17)
	place := func(j int, x, y float64) { kps[j] = Keypoint{X: x, Y: y, Score: score} }
	place(Nose, 0.5, 0.10)
	place(LeftEye, 0.52, 0.08)
	place(RightEye, 0.48, 0.08)
	place(LeftEar, 0.54, 0.09)
	place(RightEar, 0.46, 0.09)
	place(LeftShoulder, 0.58, 0.2)
	place(RightShoulder, 0.42, 0.2)
	place(LeftElbow, 0.62, 0.32)
	place(RightElbow, 0.38, 0.32)
	place(LeftWrist, 0.64, 0.44)
	place(RightWrist, 0.36, 0.44)
	place(LeftHip, 0.55, 0.5)
	place(RightHip, 0.45, 0.5)
	place(LeftKnee, 0.56, 0.7)
	place(RightKnee, 0.44, 0.7)
	place(LeftAnkle, 0.56, 0.9)
	place(RightAnkle, 0.44, 0.9)
	return Pose{Keypoints: kps}
}

func TestConsistent(t *testing.T) {
	p := standing(0.8)
	assert.True(t, Consistent(p, 1.0))
	assert.InDelta(t, 0.8, p.MeanScore(), 1e-9)

	// A wrist thrown across the frame breaks the elbow-wrist pair.
	p.Keypoints[LeftWrist].X = 0.05
	p.Keypoints[LeftWrist].Y = 0.95
	assert.False(t, Consistent(p, 0.5))

	// Low confidence shrinks the allowed distance.
	assert.False(t, Consistent(standing(0.1), 1.0))

	assert.False(t, Consistent(Pose{}, 2.2))
}

func TestDetected(t *testing.T) {
	assert.False(t, Pose{}.Detected())
	assert.Zero(t, Pose{}.MeanScore())
	assert.True(t, standing(1).Detected())
}
