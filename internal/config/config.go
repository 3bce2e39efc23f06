package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Resolution is the output frame size used by the warp and the OSC
// coordinate scaling.
type Resolution struct {
	W, H int
}

// Resolutions maps the mono sensor presets to frame sizes.
var Resolutions = map[string]Resolution{
	"800": {W: 1280, H: 800},
	"720": {W: 1280, H: 720},
	"400": {W: 640, H: 400},
}

// Model describes a pose network and the shape of its output.
type Model struct {
	Name      string
	Path      string
	Input     int
	Keypoints int
	HasDepth  bool
}

// Models are the networks known to the estimator.
var Models = map[string]Model{
	"lightning": {Name: "lightning", Path: "utils/movenet_singlepose_lightning.onnx", Input: 192, Keypoints: 17},
	"thunder":   {Name: "thunder", Path: "utils/movenet_singlepose_thunder.onnx", Input: 256, Keypoints: 17},
	"blazepose": {Name: "blazepose", Path: "utils/pose_landmark_full.onnx", Input: 256, Keypoints: 33, HasDepth: true},
}

const (
	LostHold  = "hold"
	LostClear = "clear"
)

// Config holds every runtime parameter of the bridge.
type Config struct {
	// OSC
	OSCReceiveIP   string
	OSCReceivePort int
	OSCSendIP      string
	OSCSendPort    int

	// Camera
	Device     string
	Resolution string
	FPS        int
	ShowFrame  bool
	Depth      bool
	// MaxDisparity is the largest raw disparity of the depth source. Frames
	// are scaled by 255/MaxDisparity; use 255 for sources already in 0..255.
	MaxDisparity float64

	// Tracking
	Tracking             bool
	Model                string
	ModelPath            string
	Backend              string
	Target               string
	MinPoseScore         float64
	MinKeypointScore     float64
	CheckConsistency     bool
	ConsistencyThreshold float64
	LostPolicy           string
	RangeFilter          bool

	// Mesh
	MeshPath    string
	CornersMin  int
	CornersMax  int
	FindCorners bool

	// Outputs
	StreamAddr  string
	DatabaseURL string

	LogFile string
	Verbose bool
	RunEnv  string
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		OSCReceiveIP:         "0.0.0.0",
		OSCReceivePort:       2223,
		OSCSendIP:            "127.0.0.1",
		OSCSendPort:          2222,
		Device:               "0",
		Resolution:           "720",
		FPS:                  30,
		MaxDisparity:         95,
		Tracking:             true,
		Model:                "lightning",
		Backend:              "opencv",
		Target:               "cpu",
		MinPoseScore:         0.3,
		ConsistencyThreshold: 2.2,
		LostPolicy:           LostHold,
		RangeFilter:          true,
		MeshPath:             "utils/mesh.json",
		CornersMin:           0,
		CornersMax:           255,
		RunEnv:               "dev",
	}
}

// Load reads the optional dotenv file at path into the process environment
// and returns the defaults overlaid with the environment.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load environment file %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("OSC_RECEIVE_IP", &c.OSCReceiveIP)
	num("OSC_RECEIVE_PORT", &c.OSCReceivePort)
	str("OSC_SEND_IP", &c.OSCSendIP)
	num("OSC_SEND_PORT", &c.OSCSendPort)
	str("DEVICE", &c.Device)
	str("RESOLUTION", &c.Resolution)
	num("FPS", &c.FPS)
	boolean("SHOW_FRAME", &c.ShowFrame)
	boolean("DEPTH", &c.Depth)
	float("MAX_DISPARITY", &c.MaxDisparity)
	boolean("TRACKING", &c.Tracking)
	str("MODEL", &c.Model)
	str("MODEL_PATH", &c.ModelPath)
	str("DNN_BACKEND", &c.Backend)
	str("DNN_TARGET", &c.Target)
	float("MIN_POSE_SCORE", &c.MinPoseScore)
	float("MIN_KEYPOINT_SCORE", &c.MinKeypointScore)
	boolean("CHECK_CONSISTENCY", &c.CheckConsistency)
	float("CONSISTENCY_THRESHOLD", &c.ConsistencyThreshold)
	str("LOST_POLICY", &c.LostPolicy)
	boolean("RANGE_FILTER", &c.RangeFilter)
	str("MESH_PATH", &c.MeshPath)
	num("CORNERS_MIN", &c.CornersMin)
	num("CORNERS_MAX", &c.CornersMax)
	boolean("FIND_CORNERS", &c.FindCorners)
	str("STREAM_ADDR", &c.StreamAddr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("LOG_FILE", &c.LogFile)
	boolean("VERBOSE", &c.Verbose)
	str("RUN_ENV", &c.RunEnv)

	return errors.Join(errs...)
}

// RegisterFlags binds command line flags to c. Values already loaded from
// the environment become the flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Device, "d", c.Device, "Video source: webcam index, *.mp4, *.jpg/*.png or rtsp:// address")
	fs.StringVar(&c.OSCSendIP, "ip", c.OSCSendIP, "OSC destination address")
	fs.IntVar(&c.OSCSendPort, "port", c.OSCSendPort, "OSC destination port")
	fs.IntVar(&c.OSCReceivePort, "listen", c.OSCReceivePort, "OSC control port")
	fs.StringVar(&c.Resolution, "res", c.Resolution, "Resolution (800/720/400)")
	fs.IntVar(&c.FPS, "fps", c.FPS, "Capture frames per second")
	fs.StringVar(&c.Model, "m", c.Model, "Pose model (lightning/thunder/blazepose)")
	fs.StringVar(&c.ModelPath, "model-path", c.ModelPath, "Override the model file")
	fs.StringVar(&c.Backend, "backend", c.Backend, "Pose nets backend (opencv/openvino)")
	fs.StringVar(&c.Target, "target", c.Target, "Will the model be run on CPU or GPU (check gocv.ParseNetTarget for possible targets)")
	fs.BoolVar(&c.ShowFrame, "show", c.ShowFrame, "Show the source and tracked frames")
	fs.BoolVar(&c.Depth, "depth", c.Depth, "Track on a disparity source")
	fs.Float64Var(&c.MaxDisparity, "max-disparity", c.MaxDisparity, "Largest raw disparity of the depth source (255 for 0..255 sources)")
	fs.BoolVar(&c.Tracking, "tracking", c.Tracking, "Run pose tracking")
	fs.StringVar(&c.LostPolicy, "lost", c.LostPolicy, "What to send once the pose is lost (hold/clear)")
	fs.StringVar(&c.MeshPath, "mesh", c.MeshPath, "Warp mesh file")
	fs.BoolVar(&c.FindCorners, "corners", c.FindCorners, "Detect the projection surface on the first frame and apply it")
	fs.StringVar(&c.StreamAddr, "stream", c.StreamAddr, "Serve the warped frame as MJPEG on this address")
	fs.StringVar(&c.DatabaseURL, "db", c.DatabaseURL, "Session database (postgres://... or sqlite://path)")
	fs.BoolVar(&c.Verbose, "v", c.Verbose, "Verbose logging")
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if _, ok := Resolutions[c.Resolution]; !ok {
		return fmt.Errorf("unknown resolution %q (use 800, 720 or 400)", c.Resolution)
	}
	if _, ok := Models[c.Model]; !ok {
		return fmt.Errorf("unknown model %q", c.Model)
	}
	if c.LostPolicy != LostHold && c.LostPolicy != LostClear {
		return fmt.Errorf("lost policy must be %q or %q, got %q", LostHold, LostClear, c.LostPolicy)
	}
	for name, port := range map[string]int{"osc receive port": c.OSCReceivePort, "osc send port": c.OSCSendPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.MinPoseScore < 0 || c.MinPoseScore > 1 {
		return fmt.Errorf("min pose score must be between 0 and 1, got %f", c.MinPoseScore)
	}
	if c.MinKeypointScore < 0 || c.MinKeypointScore > 1 {
		return fmt.Errorf("min keypoint score must be between 0 and 1, got %f", c.MinKeypointScore)
	}
	if c.CornersMin < 0 || c.CornersMax > 255 || c.CornersMin > c.CornersMax {
		return fmt.Errorf("corner thresholds must satisfy 0 <= min <= max <= 255, got %d..%d", c.CornersMin, c.CornersMax)
	}
	if c.Depth && c.MaxDisparity <= 0 {
		return fmt.Errorf("max disparity must be positive in depth mode, got %f", c.MaxDisparity)
	}
	if c.DatabaseURL != "" && !hasAnyPrefix(c.DatabaseURL, "postgres://", "postgresql://", "sqlite://") {
		return fmt.Errorf("database url must start with postgres:// or sqlite://, got %q", c.DatabaseURL)
	}
	return nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Res returns the output resolution. Validate must have succeeded.
func (c *Config) Res() Resolution {
	return Resolutions[c.Resolution]
}

// PoseModel returns the selected model with ModelPath applied.
func (c *Config) PoseModel() Model {
	m := Models[c.Model]
	if c.ModelPath != "" {
		m.Path = c.ModelPath
	}
	return m
}

// Prod reports whether the bridge runs headless.
func (c *Config) Prod() bool {
	return c.RunEnv == "prod"
}

// Summary lists the configuration for the startup log.
func (c *Config) Summary() map[string]string {
	return map[string]string{
		"device":     c.Device,
		"resolution": c.Resolution,
		"fps":        strconv.Itoa(c.FPS),
		"model":      c.Model,
		"backend":    c.Backend,
		"target":     c.Target,
		"osc out":    fmt.Sprintf("%s:%d", c.OSCSendIP, c.OSCSendPort),
		"osc in":     fmt.Sprintf("%s:%d", c.OSCReceiveIP, c.OSCReceivePort),
		"lost":       c.LostPolicy,
		"mesh":       c.MeshPath,
	}
}
