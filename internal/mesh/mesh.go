// Package mesh holds the 2x2 warp mesh that selects the tracked region of
// the source frame, and the projective transform between the two frames.
package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/osmundi/posebridge/internal/config"
)

// ErrNotExist is returned by Load when no mesh has been saved yet.
var ErrNotExist = errors.New("mesh file does not exist")

// Mesh is the warp quad in source pixels ordered top-left, top-right,
// bottom-left, bottom-right.
type Mesh [4]image.Point

const (
	TopLeft = iota
	TopRight
	BottomLeft
	BottomRight
)

// Default covers the whole frame.
func Default(res config.Resolution) Mesh {
	var m Mesh
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			m[i*2+j] = image.Pt(j*res.W, i*res.H)
		}
	}
	return m
}

// FromNormalized builds a mesh from x0 y0 x1 y1 x2 y2 x3 y3 given as
// fractions of the frame size.
func FromNormalized(v []float64, res config.Resolution) (Mesh, error) {
	var m Mesh
	if len(v) < 8 {
		return m, fmt.Errorf("need 8 values for a mesh, got %d", len(v))
	}
	for i := range m {
		m[i] = image.Pt(int(v[i*2]*float64(res.W)), int(v[i*2+1]*float64(res.H)))
	}
	return m, nil
}

// Normalized is the inverse of FromNormalized, up to truncation.
func (m Mesh) Normalized(res config.Resolution) []float64 {
	out := make([]float64, 0, 8)
	for _, p := range m {
		out = append(out, float64(p.X)/float64(res.W), float64(p.Y)/float64(res.H))
	}
	return out
}

// Polygon returns the corners in drawing order around the quad.
func (m Mesh) Polygon() []image.Point {
	return []image.Point{m[TopLeft], m[TopRight], m[BottomRight], m[BottomLeft]}
}

// Edges lists the corner index pairs joined when the mesh is drawn.
var Edges = [4][2]int{
	{TopLeft, TopRight},
	{BottomLeft, BottomRight},
	{TopLeft, BottomLeft},
	{TopRight, BottomRight},
}

// MarshalJSON writes the mesh as four [x, y] pairs.
func (m Mesh) MarshalJSON() ([]byte, error) {
	pairs := make([][2]int, len(m))
	for i, p := range m {
		pairs[i] = [2]int{p.X, p.Y}
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON accepts four [x, y] pairs or a flat list of eight values.
func (m *Mesh) UnmarshalJSON(data []byte) error {
	var pairs [][2]float64
	if err := json.Unmarshal(data, &pairs); err == nil {
		if len(pairs) != 4 {
			return fmt.Errorf("mesh needs 4 points, got %d", len(pairs))
		}
		for i, p := range pairs {
			m[i] = image.Pt(int(p[0]), int(p[1]))
		}
		return nil
	}

	var flat []float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("mesh must be a list of [x, y] pairs: %w", err)
	}
	if len(flat) != 8 {
		return fmt.Errorf("mesh needs 8 values, got %d", len(flat))
	}
	for i := range m {
		m[i] = image.Pt(int(flat[i*2]), int(flat[i*2+1]))
	}
	return nil
}

// Load reads a mesh saved by Save.
func Load(path string) (Mesh, error) {
	var m Mesh
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return m, ErrNotExist
	}
	if err != nil {
		return m, fmt.Errorf("failed to read mesh: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse mesh %s: %w", path, err)
	}
	return m, nil
}

// LoadOrDefault returns the saved mesh, or the full frame when there is none.
func LoadOrDefault(path string, res config.Resolution) (Mesh, bool, error) {
	m, err := Load(path)
	if errors.Is(err, ErrNotExist) {
		return Default(res), false, nil
	}
	if err != nil {
		return Default(res), false, err
	}
	return m, true, nil
}

// Save writes the mesh as JSON, creating the parent directory if needed.
func Save(path string, m Mesh) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create mesh directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write mesh: %w", err)
	}
	return nil
}
