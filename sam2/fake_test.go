package sam2

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/getcharzp/go-cutout"
)

// fakeSession 记录收到的输入, 输出由 run 生成
type fakeSession struct {
	inputs  []string
	outputs []string
	run     func(feeds map[string]cutout.Tensor) (map[string]cutout.Tensor, error)

	mu        sync.Mutex
	feeds     []map[string]cutout.Tensor
	destroyed int
}

func (s *fakeSession) InputNames() []string  { return s.inputs }
func (s *fakeSession) OutputNames() []string { return s.outputs }

func (s *fakeSession) Run(feeds map[string]cutout.Tensor) (map[string]cutout.Tensor, error) {
	s.mu.Lock()
	s.feeds = append(s.feeds, feeds)
	s.mu.Unlock()
	return s.run(feeds)
}

func (s *fakeSession) Destroy() error {
	s.mu.Lock()
	s.destroyed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) lastFeeds(t *testing.T) map[string]cutout.Tensor {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.feeds) == 0 {
		t.Fatal("会话没有被调用")
	}
	return s.feeds[len(s.feeds)-1]
}

// fakeRuntime 按后端返回预设错误
type fakeRuntime struct {
	session *fakeSession
	fail    map[cutout.Provider]error

	mu      sync.Mutex
	tried   []cutout.Provider
	created int
}

func (r *fakeRuntime) NewSession(model []byte, p cutout.Provider) (cutout.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tried = append(r.tried, p)
	if err := r.fail[p]; err != nil {
		return nil, err
	}
	r.created++
	return r.session, nil
}

var errNoDevice = errors.New("device not available")

// gpuless 模拟没有任何 GPU 的主机
func gpuless() map[cutout.Provider]error {
	return map[cutout.Provider]error{
		cutout.ProviderCUDA:     errNoDevice,
		cutout.ProviderCoreML:   errNoDevice,
		cutout.ProviderDirectML: errNoDevice,
	}
}

// writeModel 写一个占位模型文件
func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decoder.onnx")
	if err := os.WriteFile(path, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// gradientRun 生成 4x4 的 logit: 第 i 个像素为 x坐标 - 64*i, 可由提示点推导
func gradientRun(feeds map[string]cutout.Tensor) (map[string]cutout.Tensor, error) {
	x := feeds[inputPointCoords].Data[0]
	mask := make([]float32, 16)
	for i := range mask {
		mask[i] = x - float32(64*i)
	}
	return map[string]cutout.Tensor{
		"iou_predictions": {Shape: []int64{1, 1}, Data: []float32{0.77}},
		"low_res_masks":   {Shape: []int64{1, 1, 4, 4}, Data: mask},
	}, nil
}

func newTestDecoder(t *testing.T, session *fakeSession, fail map[cutout.Provider]error) (*Decoder, *fakeRuntime) {
	t.Helper()
	rt := &fakeRuntime{session: session, fail: fail}
	cfg := DefaultDecoderConfig()
	cfg.ModelURL = writeModel(t)
	return NewDecoder(rt, cfg), rt
}

func testEmbeddings() *Embeddings {
	data := make([]float32, 2*4*4)
	for i := range data {
		data[i] = float32(i) / 10
	}
	return NewEmbeddings(data, []int64{1, 2, 4, 4}, Size{Width: 640, Height: 480})
}

func decoderSession(outputs []string, run func(map[string]cutout.Tensor) (map[string]cutout.Tensor, error)) *fakeSession {
	return &fakeSession{
		inputs: []string{
			inputImageEmbeddings, inputPointCoords, inputPointLabels,
			inputMaskInput, inputHasMaskInput, inputOrigImSize,
		},
		outputs: outputs,
		run:     run,
	}
}
