package sam2

import (
	"context"
	"fmt"
	"sync"
)

// Predictor Editor 依赖的解码能力, *Decoder 实现了该接口
type Predictor interface {
	Predict(ctx context.Context, embeddings *Embeddings, points []PointPrompt, width, height int) (*MaskOutput, error)
}

// Mode 点击工具模式
type Mode int

const (
	ModeKeep   Mode = iota // 保留, 产生前景点
	ModeRemove             // 移除, 产生背景点
)

func (m Mode) label() Label {
	if m == ModeRemove {
		return LabelBackground
	}
	return LabelForeground
}

// Editor 单张图片的交互式编辑会话
//
// 每次点击追加一个提示点并重新提交完整列表. 每个预测请求携带单调递增的序号,
// 只有序号仍是最新的结果才会被采用, 先发后至的旧结果返回 ErrStaleResult.
type Editor struct {
	dec        Predictor
	embeddings *Embeddings
	width      int
	height     int

	mu          sync.Mutex
	mode        Mode
	points      []PointPrompt
	history     [][]PointPrompt
	seq         uint64
	applied     uint64
	mask        *MaskOutput
	autoStarted bool
}

// NewEditor 创建编辑会话
//
// # Params:
//
//	dec: 解码器
//	embeddings: 该图片的特征, 整个会话内复用
//	width, height: 画布尺寸, 也是输出 Mask 的尺寸
func NewEditor(dec Predictor, embeddings *Embeddings, width, height int) (*Editor, error) {
	if dec == nil || embeddings == nil {
		return nil, fmt.Errorf("解码器与特征不能为空")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("画布尺寸非法: %dx%d", width, height)
	}
	return &Editor{dec: dec, embeddings: embeddings, width: width, height: height}, nil
}

// SetMode 切换点击模式
func (e *Editor) SetMode(m Mode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

// Mode 当前点击模式
func (e *Editor) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Start 载入图片后的自动分割, 之后 Clear 会回到这个默认结果
func (e *Editor) Start(ctx context.Context) (*MaskOutput, error) {
	e.mu.Lock()
	e.autoStarted = true
	e.points = nil
	e.history = nil
	seq := e.next()
	e.mu.Unlock()
	return e.run(ctx, seq, nil)
}

// Click 在画布像素坐标处追加一个提示点
func (e *Editor) Click(ctx context.Context, px, py int) (*MaskOutput, error) {
	x := float32(px) / float32(e.width)
	y := float32(py) / float32(e.height)
	return e.ClickNormalized(ctx, x, y)
}

// ClickNormalized 以归一化坐标追加一个提示点
func (e *Editor) ClickNormalized(ctx context.Context, x, y float32) (*MaskOutput, error) {
	e.mu.Lock()
	pt := PointPrompt{X: clamp01(x), Y: clamp01(y), Label: e.mode.label()}
	e.history = append(e.history, clonePoints(e.points))
	e.points = append(clonePoints(e.points), pt)
	points := clonePoints(e.points)
	seq := e.next()
	e.mu.Unlock()
	return e.run(ctx, seq, points)
}

// Undo 撤销最后一次点击; 没有可撤销的操作时返回当前结果
func (e *Editor) Undo(ctx context.Context) (*MaskOutput, error) {
	e.mu.Lock()
	if len(e.history) == 0 {
		mask := e.mask
		e.mu.Unlock()
		return mask, nil
	}
	e.points = e.history[len(e.history)-1]
	e.history = e.history[:len(e.history)-1]
	points := clonePoints(e.points)
	seq := e.next()
	if len(points) == 0 && !e.autoStarted {
		e.mask = nil
		e.applied = seq
		e.mu.Unlock()
		return nil, nil
	}
	e.mu.Unlock()
	return e.run(ctx, seq, points)
}

// Clear 清空提示点, 预览回到点击之前的状态 (自动分割结果或无 Mask)
func (e *Editor) Clear(ctx context.Context) (*MaskOutput, error) {
	e.mu.Lock()
	e.points = nil
	e.history = nil
	seq := e.next()
	if !e.autoStarted {
		e.mask = nil
		e.applied = seq
		e.mu.Unlock()
		return nil, nil
	}
	e.mu.Unlock()
	return e.run(ctx, seq, nil)
}

// Points 当前提示点的副本
func (e *Editor) Points() []PointPrompt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePoints(e.points)
}

// Mask 最近一次被采用的结果
func (e *Editor) Mask() *MaskOutput {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mask
}

// Seq 最新发出的请求序号与已采用结果的序号
func (e *Editor) Seq() (issued, applied uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq, e.applied
}

// next 调用方需持有锁
func (e *Editor) next() uint64 {
	e.seq++
	return e.seq
}

func (e *Editor) run(ctx context.Context, seq uint64, points []PointPrompt) (*MaskOutput, error) {
	out, err := e.dec.Predict(ctx, e.embeddings, points, e.width, e.height)

	e.mu.Lock()
	defer e.mu.Unlock()
	if seq != e.seq {
		return nil, ErrStaleResult
	}
	if err != nil {
		return nil, err
	}
	e.mask = out
	e.applied = seq
	return out, nil
}

func clonePoints(points []PointPrompt) []PointPrompt {
	if len(points) == 0 {
		return nil
	}
	return append([]PointPrompt(nil), points...)
}

func clamp01(v float32) float32 {
	return max(0, min(1, v))
}
