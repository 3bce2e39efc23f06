package oscio

import (
	"sync"

	"github.com/hypebeast/go-osc/osc"

	"github.com/osmundi/posebridge/internal/config"
	"github.com/osmundi/posebridge/internal/mesh"
	"github.com/osmundi/posebridge/internal/monitoring"
)

// Control addresses understood by the bridge.
const (
	AddrShowFrame     = "/show_frame"
	AddrWarpPos       = "/warp_pos"
	AddrWarpGo        = "/warp_go"
	AddrWarpSave      = "/warp_save"
	AddrCornersFind   = "/corners_find"
	AddrCornersThresh = "/corners_thresh"
)

// Controls is the state shared between the OSC server and the frame loop.
// Requests (restart, save, find corners) are consumed by the Take methods so
// each one is acted on once.
type Controls struct {
	mu sync.Mutex

	res         config.Resolution
	showFrame   bool
	warpPos     mesh.Mesh
	restart     bool
	save        bool
	findCorners bool
	cornersMin  int
	cornersMax  int
	stopped     bool
}

// NewControls seeds the control state from the configuration and the
// loaded mesh.
func NewControls(cfg *config.Config, m mesh.Mesh) *Controls {
	return &Controls{
		res:         cfg.Res(),
		showFrame:   cfg.ShowFrame,
		warpPos:     m,
		findCorners: cfg.FindCorners,
		cornersMin:  cfg.CornersMin,
		cornersMax:  cfg.CornersMax,
	}
}

func (c *Controls) ShowFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showFrame
}

func (c *Controls) SetShowFrame(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showFrame = on
}

// WarpPos is the mesh that the next restart will apply.
func (c *Controls) WarpPos() mesh.Mesh {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warpPos
}

func (c *Controls) SetWarpPos(m mesh.Mesh) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warpPos = m
}

func (c *Controls) RequestRestart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restart = true
}

// TakeRestart reports and clears a pending restart.
func (c *Controls) TakeRestart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.restart
	c.restart = false
	return r
}

func (c *Controls) RequestSave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.save = true
}

// TakeSave reports and clears a pending mesh save.
func (c *Controls) TakeSave() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.save
	c.save = false
	return s
}

func (c *Controls) RequestFindCorners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findCorners = true
}

// TakeFindCorners reports and clears a pending corner detection.
func (c *Controls) TakeFindCorners() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.findCorners
	c.findCorners = false
	return f
}

// CornerThresholds returns the binary threshold and max value.
func (c *Controls) CornerThresholds() (min, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cornersMin, c.cornersMax
}

// SetCornerThresholds ignores values outside 0..255 or with min > max.
func (c *Controls) SetCornerThresholds(min, max int) bool {
	if min < 0 || max > 255 || min > max {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cornersMin, c.cornersMax = min, max
	return true
}

// Stop ends the frame loop after the current frame.
func (c *Controls) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *Controls) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// handlers maps control addresses to the functions updating c.
func (c *Controls) handlers() map[string]osc.HandlerFunc {
	return map[string]osc.HandlerFunc{
		AddrShowFrame: func(msg *osc.Message) {
			if len(msg.Arguments) < 1 {
				return
			}
			on, ok := toBool(msg.Arguments[0])
			if !ok {
				monitoring.Logf("%s: unsupported argument %v", msg.Address, msg.Arguments[0])
				return
			}
			c.SetShowFrame(on)
		},
		AddrWarpPos: func(msg *osc.Message) {
			values, ok := toFloats(msg.Arguments)
			if !ok {
				monitoring.Logf("%s: arguments must be numbers", msg.Address)
				return
			}
			m, err := mesh.FromNormalized(values, c.res)
			if err != nil {
				monitoring.Logf("%s: %v", msg.Address, err)
				return
			}
			c.SetWarpPos(m)
		},
		AddrWarpGo: func(*osc.Message) {
			c.RequestRestart()
		},
		AddrWarpSave: func(*osc.Message) {
			c.RequestSave()
		},
		AddrCornersFind: func(*osc.Message) {
			c.RequestFindCorners()
		},
		AddrCornersThresh: func(msg *osc.Message) {
			values, ok := toFloats(msg.Arguments)
			if !ok || len(values) < 2 {
				monitoring.Logf("%s: need min and max", msg.Address)
				return
			}
			if !c.SetCornerThresholds(int(values[0]), int(values[1])) {
				monitoring.Logf("%s: thresholds out of range: %v", msg.Address, values)
			}
		},
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toFloats(args []interface{}) ([]float64, bool) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, ok := toFloat(a)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func toBool(v interface{}) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	f, ok := toFloat(v)
	return f != 0, ok
}
