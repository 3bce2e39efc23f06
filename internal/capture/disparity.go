package capture

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Colorizer maps disparity frames onto the bone colormap with zero
// disparity (no match) shown black.
type Colorizer struct {
	maxDisparity float64
	lut          gocv.Mat
}

// NewColorizer builds the lookup table for frames carrying raw disparity
// in 0..maxDisparity. A maxDisparity of 255 leaves frames that are already
// normalized to 0..255 unscaled.
func NewColorizer(maxDisparity float64) (*Colorizer, error) {
	if maxDisparity <= 0 {
		return nil, fmt.Errorf("max disparity must be positive, got %f", maxDisparity)
	}

	ramp := gocv.NewMatWithSize(256, 1, gocv.MatTypeCV8U)
	defer ramp.Close()
	for i := 0; i < 256; i++ {
		ramp.SetUCharAt(i, 0, uint8(i))
	}

	bone := gocv.NewMat()
	defer bone.Close()
	gocv.ApplyColorMap(ramp, &bone, gocv.ColormapBone)

	data := bone.ToBytes()
	data[0], data[1], data[2] = 0, 0, 0

	view, err := gocv.NewMatFromBytes(256, 1, gocv.MatTypeCV8UC3, data)
	if err != nil {
		return nil, fmt.Errorf("failed to build colormap: %w", err)
	}
	defer view.Close()

	// view borrows data; the clone owns its pixels.
	return &Colorizer{maxDisparity: maxDisparity, lut: view.Clone()}, nil
}

// Apply scales src to 0..255 and colorizes it into dst.
func (c *Colorizer) Apply(src gocv.Mat, dst *gocv.Mat) {
	scaled := gocv.NewMat()
	defer scaled.Close()
	src.ConvertToWithParams(&scaled, gocv.MatTypeCV8U, float32(255.0/c.maxDisparity), 0)
	if scaled.Channels() > 1 {
		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(scaled, &gray, gocv.ColorBGRToGray)
		gocv.ApplyCustomColorMap(gray, dst, c.lut)
		return
	}
	gocv.ApplyCustomColorMap(scaled, dst, c.lut)
}

func (c *Colorizer) Close() error {
	return c.lut.Close()
}
