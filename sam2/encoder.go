package sam2

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/getcharzp/go-cutout"
	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/sync/singleflight"
)

// Encoder 图片特征提取, 每张图片只需编码一次
type Encoder struct {
	rt    Runtime
	cfg   EncoderConfig
	group singleflight.Group

	mu       sync.Mutex
	session  cutout.Session
	input    string
	output   string
	provider cutout.Provider
}

// NewEncoder 创建编码器, 需调用 Initialize 后才能使用
func NewEncoder(rt Runtime, cfg EncoderConfig) *Encoder {
	if cfg.ModelURL == "" {
		cfg.ModelURL = DefaultEncoderConfig().ModelURL
	}
	if len(cfg.Roles.Embedding) == 0 {
		cfg.Roles = DefaultOutputRoles()
	}
	return &Encoder{rt: rt, cfg: cfg}
}

// Ready 是否已完成初始化
func (e *Encoder) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Initialize 加载编码模型, 语义与 Decoder.Initialize 一致
func (e *Encoder) Initialize(ctx context.Context) error {
	if e.Ready() {
		return nil
	}
	_, err, _ := e.group.Do("initialize", func() (any, error) {
		if e.Ready() {
			return nil, nil
		}
		model, err := loadModel(ctx, e.cfg.HTTPClient, e.cfg.ModelURL)
		if err != nil {
			return nil, &ModelLoadError{URL: e.cfg.ModelURL, Err: err}
		}
		session, provider, err := openSession(e.rt, model, e.cfg.Providers)
		if err != nil {
			return nil, &ModelLoadError{URL: e.cfg.ModelURL, Err: err}
		}
		inputs := session.InputNames()
		if len(inputs) != 1 {
			session.Destroy()
			return nil, &ModelLoadError{URL: e.cfg.ModelURL, Err: fmt.Errorf("编码模型应只有一个输入, 实际 %v", inputs)}
		}
		output, err := ResolveEmbedding(session.OutputNames(), e.cfg.Roles)
		if err != nil {
			session.Destroy()
			return nil, &ModelLoadError{URL: e.cfg.ModelURL, Err: err}
		}

		e.mu.Lock()
		e.session = session
		e.input = inputs[0]
		e.output = output
		e.provider = provider
		e.mu.Unlock()
		return nil, nil
	})
	return err
}

// Encode 图像特征提取
//
// 图片被拉伸到 1024x1024, 与解码器 "归一化坐标 x 1024" 的约定保持一致.
func (e *Encoder) Encode(ctx context.Context, img image.Image) (*Embeddings, error) {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW == 0 || origH == 0 {
		return nil, fmt.Errorf("图片尺寸为空")
	}

	// 预处理
	resized := imageutil.Resize(img, InputSize, InputSize)
	tensorData := normalizeAndPad(resized, InputSize, InputSize)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrInferenceNotReady
	}

	outputs, err := e.session.Run(map[string]cutout.Tensor{
		e.input: {Shape: []int64{1, 3, InputSize, InputSize}, Data: tensorData},
	})
	if err != nil {
		return nil, fmt.Errorf("encoder 推理失败: %w", err)
	}
	out, ok := outputs[e.output]
	if !ok {
		return nil, fmt.Errorf("encoder 输出中缺少 %s", e.output)
	}

	return NewEmbeddings(out.Data, out.Shape, Size{Width: origW, Height: origH}), nil
}

// Dispose 释放会话资源
func (e *Encoder) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}
