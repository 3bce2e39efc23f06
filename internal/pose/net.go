package pose

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/config"
)

// ErrOutputShape is returned when the network output does not match the
// configured model.
var ErrOutputShape = errors.New("unexpected network output size")

// Estimator finds the pose of one person in a frame.
type Estimator interface {
	Estimate(frame gocv.Mat) (Pose, error)
	Close() error
}

// NetEstimator runs an ONNX pose network through OpenCV DNN.
type NetEstimator struct {
	net   gocv.Net
	model config.Model
	scale float64
}

// NewNetEstimator loads the model file and selects the backend and target,
// named the way gocv.ParseNetBackend and gocv.ParseNetTarget expect.
func NewNetEstimator(model config.Model, backend, target string) (*NetEstimator, error) {
	net := gocv.ReadNetFromONNX(model.Path)
	if net.Empty() {
		return nil, fmt.Errorf("error reading network model from: %v", model.Path)
	}
	if err := net.SetPreferableBackend(gocv.ParseNetBackend(backend)); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set backend %s: %w", backend, err)
	}
	if err := net.SetPreferableTarget(gocv.ParseNetTarget(target)); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set target %s: %w", target, err)
	}

	// MoveNet takes raw 0..255 pixels, the landmark model takes 0..1.
	scale := 1.0
	if model.HasDepth {
		scale = 1.0 / 255.0
	}
	return &NetEstimator{net: net, model: model, scale: scale}, nil
}

// Estimate runs a forward pass. Grayscale frames are expanded to three
// channels first.
func (e *NetEstimator) Estimate(frame gocv.Mat) (Pose, error) {
	if frame.Empty() {
		return Pose{}, nil
	}

	src := frame
	if frame.Channels() == 1 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(frame, &bgr, gocv.ColorGrayToBGR)
		src = bgr
	}

	size := image.Pt(e.model.Input, e.model.Input)
	blob := gocv.BlobFromImage(src, e.scale, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return Pose{}, fmt.Errorf("failed to read network output: %w", err)
	}

	if e.model.HasDepth {
		return DecodeLandmarks(data, e.model.Keypoints, e.model.Input)
	}
	return DecodeMoveNet(data, e.model.Keypoints)
}

// Close releases the network.
func (e *NetEstimator) Close() error {
	return e.net.Close()
}

// DecodeMoveNet reads n rows of (y, x, score) already normalized to the
// input frame.
func DecodeMoveNet(data []float32, n int) (Pose, error) {
	if len(data) < n*3 {
		return Pose{}, fmt.Errorf("%w: got %d values, need %d", ErrOutputShape, len(data), n*3)
	}
	kps := make([]Keypoint, n)
	for i := range kps {
		row := data[i*3 : i*3+3]
		kps[i] = Keypoint{
			X:     float64(row[1]),
			Y:     float64(row[0]),
			Score: float64(row[2]),
		}
	}
	return Pose{Keypoints: kps}, nil
}

// landmarkStride is (x, y, z, visibility, presence) per landmark.
const landmarkStride = 5

// DecodeLandmarks reads the first n landmark rows given in input pixels.
// Visibility is a logit.
func DecodeLandmarks(data []float32, n, input int) (Pose, error) {
	if len(data) < n*landmarkStride {
		return Pose{}, fmt.Errorf("%w: got %d values, need %d", ErrOutputShape, len(data), n*landmarkStride)
	}
	size := float64(input)
	kps := make([]Keypoint, n)
	for i := range kps {
		row := data[i*landmarkStride : (i+1)*landmarkStride]
		kps[i] = Keypoint{
			X:     float64(row[0]) / size,
			Y:     float64(row[1]) / size,
			Z:     float64(row[2]) / size,
			Score: sigmoid(float64(row[3])),
		}
	}
	return Pose{Keypoints: kps}, nil
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
