package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/getcharzp/go-cutout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Quota, cfg.Quota)
	assert.Equal(t, def.Fetch, cfg.Fetch)
	assert.Equal(t, 60*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 50, cfg.Server.MaxFeatherRadius)
	assert.Equal(t, int64(268402689), cfg.Fetch.MaxPixels)
	assert.Equal(t, "./sam2_weights/sam2_decoder.onnx", cfg.SAM2.DecoderURL)
	assert.Equal(t, []string{"basic", "starter", "professional"}, cfg.Quota.PaidPlans)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  addr: ":9090"
  mode: release
  request_timeout: 15s
  max_feather_radius: 10
quota:
  free_monthly_limit: 5
onnx:
  providers: [cpu]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("CUTOUT_REDIS_ADDR", "redis:6380")
	t.Setenv("CUTOUT_FETCH_MAX_PIXELS", "1000000")
	t.Setenv("SAM2_DECODER_URL", "https://models.example.com/decoder.onnx")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 5, cfg.Quota.FreeMonthlyLimit)
	assert.Equal(t, 10, cfg.Server.MaxFeatherRadius)
	assert.Equal(t, int64(1000000), cfg.Fetch.MaxPixels)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "https://models.example.com/decoder.onnx", cfg.SAM2.DecoderURL)

	dc := cfg.DecoderConfig()
	assert.Equal(t, []cutout.Provider{cutout.ProviderCPU}, dc.Providers)
	assert.Equal(t, cfg.SAM2.DecoderURL, dc.ModelURL)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("onnx:\n  providers: [tpu]\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_OnnxConfig(t *testing.T) {
	cfg := Default()
	cfg.ONNX.OnnxRuntimeLibPath = "/opt/onnxruntime.so"
	cfg.ONNX.NumThreads = 4

	oc, err := cfg.OnnxConfig()
	require.NoError(t, err)
	assert.Equal(t, "/opt/onnxruntime.so", oc.OnnxRuntimeLibPath)
	assert.Equal(t, 4, oc.NumThreads)
}

func TestConfig_EncoderConfig(t *testing.T) {
	cfg := Default()
	_, ok := cfg.EncoderConfig()
	assert.False(t, ok)

	cfg.SAM2.EncoderURL = "./sam2_weights/sam2_encoder.onnx"
	ec, ok := cfg.EncoderConfig()
	require.True(t, ok)
	assert.Equal(t, cfg.SAM2.EncoderURL, ec.ModelURL)
	assert.Equal(t, cfg.SAM2.EmbeddingRoles, ec.Roles.Embedding)
}
