// Package capture opens the video source the bridge tracks on.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/config"
	"github.com/osmundi/posebridge/internal/monitoring"
)

//go:generate go run golang.org/x/tools/cmd/stringer -type=SourceKind
type SourceKind int

const (
	Unknown SourceKind = iota
	Image
	Video
	Stream
)

// ErrClosed is returned by Read once a video file has ended or the device
// went away.
var ErrClosed = errors.New("capture device closed")

// ErrUnknownSource is returned for device ids that match no source kind.
var ErrUnknownSource = errors.New("unknown source type")

// captureFFMPEG is cv::CAP_FFMPEG.
const captureFFMPEG = 1900

// Kind classifies a device id: stills by extension, videos and webcam
// indices, and rtsp streams.
func Kind(deviceID string) SourceKind {
	lower := strings.ToLower(deviceID)
	switch {
	case strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".png"):
		return Image
	case strings.HasSuffix(lower, ".mp4"):
		return Video
	case strings.HasPrefix(lower, "rtsp://"):
		return Stream
	}
	if _, err := strconv.Atoi(deviceID); err == nil {
		return Video
	}
	return Unknown
}

// Source yields frames into dst.
type Source interface {
	Read(dst *gocv.Mat) error
	Close() error
}

// Open returns a source for deviceID. Webcams are asked for the configured
// resolution and frame rate.
func Open(deviceID string, res config.Resolution, fps int) (Source, error) {
	kind := Kind(deviceID)
	switch kind {
	case Image:
		img := gocv.IMRead(deviceID, gocv.IMReadGrayScale)
		if img.Empty() {
			return nil, fmt.Errorf("error reading image from: %v", deviceID)
		}
		return &stillSource{img: img}, nil

	case Video:
		webcam, err := gocv.OpenVideoCapture(deviceID)
		if err != nil {
			return nil, fmt.Errorf("error opening video capture device %v: %w", deviceID, err)
		}
		if _, err := strconv.Atoi(deviceID); err == nil {
			webcam.Set(gocv.VideoCaptureFrameWidth, float64(res.W))
			webcam.Set(gocv.VideoCaptureFrameHeight, float64(res.H))
			webcam.Set(gocv.VideoCaptureFPS, float64(fps))
		}
		monitoring.Debugf("capture %v: %.0fx%.0f @ %.0f fps", deviceID,
			webcam.Get(gocv.VideoCaptureFrameWidth), webcam.Get(gocv.VideoCaptureFrameHeight), webcam.Get(gocv.VideoCaptureFPS))
		return &videoSource{id: deviceID, cap: webcam}, nil

	case Stream:
		webcam, err := gocv.OpenVideoCaptureWithAPI(deviceID, captureFFMPEG)
		if err != nil {
			return nil, fmt.Errorf("error opening video stream device %v: %w", deviceID, err)
		}
		return &videoSource{id: deviceID, cap: webcam, live: true}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownSource, deviceID)
}

type videoSource struct {
	id   string
	cap  *gocv.VideoCapture
	live bool
}

func (s *videoSource) Read(dst *gocv.Mat) error {
	if s.live {
		// Skip to the most recent frame of the stream.
		s.cap.Set(gocv.VideoCapturePosFrames, 0)
	}
	if ok := s.cap.Read(dst); !ok {
		return fmt.Errorf("%w: %v", ErrClosed, s.id)
	}
	if dst.Empty() {
		return fmt.Errorf("cannot read image from video/stream %v", s.id)
	}
	return nil
}

func (s *videoSource) Close() error {
	return s.cap.Close()
}

// stillSource replays one image for every read.
type stillSource struct {
	img gocv.Mat
}

func (s *stillSource) Read(dst *gocv.Mat) error {
	s.img.CopyTo(dst)
	return nil
}

func (s *stillSource) Close() error {
	return s.img.Close()
}
