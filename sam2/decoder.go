package sam2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getcharzp/go-cutout"
	"golang.org/x/sync/singleflight"
)

// Decoder 持有 SAM2 Mask 解码会话, 把提示点转换为 Mask
//
// 解码器在两次调用之间不保留任何状态, 每次都需要传入完整的提示点列表.
// 同一个 Decoder 可以被多个编辑会话共享, 推理调用会被串行执行.
type Decoder struct {
	rt    Runtime
	cfg   DecoderConfig
	group singleflight.Group

	// runMu 串行化推理与释放, 先于 mu 获取; mu 只保护下面的字段
	runMu    sync.Mutex
	mu       sync.Mutex
	session  cutout.Session
	binding  OutputBinding
	provider cutout.Provider
}

// NewDecoder 创建解码器, 需调用 Initialize 后才能使用
func NewDecoder(rt Runtime, cfg DecoderConfig) *Decoder {
	if cfg.ModelURL == "" {
		cfg.ModelURL = DefaultDecoderConfig().ModelURL
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = cutout.DefaultProviders()
	}
	if len(cfg.Roles.Mask) == 0 && len(cfg.Roles.Score) == 0 {
		cfg.Roles = DefaultOutputRoles()
	}
	return &Decoder{rt: rt, cfg: cfg}
}

// Ready 是否已完成初始化
func (d *Decoder) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

// Provider 实际使用的执行后端
func (d *Decoder) Provider() cutout.Provider {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.provider
}

// Initialize 加载解码模型并创建会话
//
// 成功后重复调用不做任何事; 并发调用只会触发一次加载. 失败返回 *ModelLoadError, 不自动重试.
func (d *Decoder) Initialize(ctx context.Context) error {
	if d.Ready() {
		return nil
	}
	_, err, _ := d.group.Do("initialize", func() (any, error) {
		if d.Ready() {
			return nil, nil
		}

		model, err := loadModel(ctx, d.cfg.HTTPClient, d.cfg.ModelURL)
		if err != nil {
			return nil, &ModelLoadError{URL: d.cfg.ModelURL, Err: err}
		}
		session, provider, err := openSession(d.rt, model, d.cfg.Providers)
		if err != nil {
			return nil, &ModelLoadError{URL: d.cfg.ModelURL, Err: err}
		}
		binding, err := ResolveOutputs(session.OutputNames(), d.cfg.Roles)
		if err != nil {
			session.Destroy()
			return nil, &ModelLoadError{URL: d.cfg.ModelURL, Err: err}
		}

		d.mu.Lock()
		d.session = session
		d.binding = binding
		d.provider = provider
		d.mu.Unlock()
		return nil, nil
	})
	return err
}

// Predict 根据提示点生成输出尺寸的 Mask
//
// # Params:
//
//	ctx: 上下文, 仅在推理开始前检查
//	embeddings: 图片特征
//	points: 全部提示点, 为空时等价于中心前景点 (自动分割)
//	width, height: 输出尺寸
func (d *Decoder) Predict(ctx context.Context, embeddings *Embeddings, points []PointPrompt, width, height int) (*MaskOutput, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("输出尺寸非法: %dx%d", width, height)
	}
	if !d.Ready() {
		return nil, ErrInferenceNotReady
	}
	embTensor, err := embeddings.Tensor()
	if err != nil {
		return nil, err
	}
	feeds := promptFeeds(embTensor, points)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.mu.Lock()
	session, binding, provider := d.session, d.binding, d.provider
	d.mu.Unlock()
	if session == nil {
		return nil, ErrInferenceNotReady
	}

	start := time.Now()
	outputs, err := session.Run(feeds)
	if err != nil {
		return nil, fmt.Errorf("decoder 推理失败: %w", err)
	}

	maskTensor, ok := outputs[binding.Mask]
	if !ok {
		return nil, fmt.Errorf("decoder 输出中缺少 %s", binding.Mask)
	}
	var scores []float32
	if binding.Score != "" {
		scores = outputs[binding.Score].Data
	}

	plane, maskW, maskH, idx := maskPlane(maskTensor, scores)
	if plane == nil {
		return nil, fmt.Errorf("decoder 输出 Mask 形状非法: %v", maskTensor.Shape)
	}

	score := float32(defaultScore)
	if idx < len(scores) {
		score = scores[idx]
	}

	return &MaskOutput{
		Mask:     upscaleMaskLogits(plane, maskW, maskH, width, height),
		Score:    score,
		Width:    width,
		Height:   height,
		Fallback: binding.Fallback,
		Provider: provider,
		Elapsed:  time.Since(start),
	}, nil
}

// AutoSegment 使用中心前景点自动分割
func (d *Decoder) AutoSegment(ctx context.Context, embeddings *Embeddings, width, height int) (*MaskOutput, error) {
	return d.Predict(ctx, embeddings, nil, width, height)
}

// Dispose 释放会话资源, 可重复调用, 未初始化时调用也是安全的
func (d *Decoder) Dispose() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	d.binding = OutputBinding{}
}
