package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Resolution{W: 1280, H: 720}, cfg.Res())
	assert.Equal(t, 17, cfg.PoseModel().Keypoints)
	assert.Equal(t, 2223, cfg.OSCReceivePort)
	assert.Equal(t, 2222, cfg.OSCSendPort)
	assert.False(t, cfg.Prod())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	env := "OSC_SEND_IP=192.168.3.1\nRESOLUTION=400\nMODEL=blazepose\nSHOW_FRAME=true\nLOST_POLICY=clear\n"
	require.NoError(t, os.WriteFile(path, []byte(env), 0644))

	// godotenv does not override variables that are already set, so clear
	// anything a previous test left behind.
	for _, k := range []string{"OSC_SEND_IP", "RESOLUTION", "MODEL", "SHOW_FRAME", "LOST_POLICY"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "192.168.3.1", cfg.OSCSendIP)
	assert.Equal(t, Resolution{W: 640, H: 400}, cfg.Res())
	assert.True(t, cfg.PoseModel().HasDepth)
	assert.True(t, cfg.ShowFrame)
	assert.Equal(t, LostClear, cfg.LostPolicy)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestApplyEnvErrors(t *testing.T) {
	env := map[string]string{"FPS": "fast", "DEPTH": "maybe"}
	cfg := Default()
	err := cfg.applyEnv(func(k string) string { return env[k] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FPS")
	assert.Contains(t, err.Error(), "DEPTH")
}

func TestFlagsOverride(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-m", "thunder", "-port", "9000", "-model-path", "/tmp/net.onnx", "-max-disparity", "255"}))

	assert.Equal(t, 9000, cfg.OSCSendPort)
	assert.Equal(t, 255.0, cfg.MaxDisparity)
	m := cfg.PoseModel()
	assert.Equal(t, 256, m.Input)
	assert.Equal(t, "/tmp/net.onnx", m.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"resolution", func(c *Config) { c.Resolution = "1080" }},
		{"model", func(c *Config) { c.Model = "heavy" }},
		{"lost policy", func(c *Config) { c.LostPolicy = "drop" }},
		{"send port", func(c *Config) { c.OSCSendPort = 0 }},
		{"receive port", func(c *Config) { c.OSCReceivePort = 70000 }},
		{"fps", func(c *Config) { c.FPS = 0 }},
		{"pose score", func(c *Config) { c.MinPoseScore = 1.5 }},
		{"keypoint score", func(c *Config) { c.MinKeypointScore = -0.1 }},
		{"corners order", func(c *Config) { c.CornersMin, c.CornersMax = 200, 100 }},
		{"corners max", func(c *Config) { c.CornersMax = 300 }},
		{"disparity", func(c *Config) { c.Depth, c.MaxDisparity = true, 0 }},
		{"database", func(c *Config) { c.DatabaseURL = "mysql://x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnvMesh(t *testing.T) {
	env := map[string]string{
		"FIND_CORNERS": "1",
		"CORNERS_MIN":  "40",
		"CORNERS_MAX":  "220",
		"DATABASE_URL": "postgresql://bridge@localhost/posebridge",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.FindCorners)
	assert.Equal(t, 40, cfg.CornersMin)
	assert.Equal(t, 220, cfg.CornersMax)
}
