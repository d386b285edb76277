package sam2

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/getcharzp/go-cutout"
)

// Size 图片尺寸
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Embeddings 单张图片的编码器输出, 创建后不可修改, 一个编辑会话内反复使用
type Embeddings struct {
	Data      string  `json:"data"` // base64 编码的 little-endian float32
	Shape     []int64 `json:"shape"`
	ImageSize Size    `json:"imageSize"`
}

// NewEmbeddings 从 float32 张量构造 Embeddings
func NewEmbeddings(data []float32, shape []int64, size Size) *Embeddings {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return &Embeddings{
		Data:      base64.StdEncoding.EncodeToString(buf),
		Shape:     append([]int64(nil), shape...),
		ImageSize: size,
	}
}

// Tensor 解码 base64 数据并按 Shape 校验元素个数
func (e *Embeddings) Tensor() (cutout.Tensor, error) {
	if e == nil {
		return cutout.Tensor{}, fmt.Errorf("embeddings 为空")
	}
	raw, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return cutout.Tensor{}, fmt.Errorf("embeddings base64 解码失败: %w", err)
	}
	if len(raw)%4 != 0 {
		return cutout.Tensor{}, fmt.Errorf("embeddings 字节数 %d 不是 4 的倍数", len(raw))
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	if len(e.Shape) == 0 {
		return cutout.Tensor{}, fmt.Errorf("embeddings shape 为空")
	}
	elements := int64(1)
	for _, d := range e.Shape {
		if d <= 0 {
			return cutout.Tensor{}, fmt.Errorf("embeddings shape 非法: %v", e.Shape)
		}
		elements *= d
	}
	if elements != int64(len(data)) {
		return cutout.Tensor{}, fmt.Errorf("embeddings shape %v 需要 %d 个元素, 实际 %d", e.Shape, elements, len(data))
	}

	return cutout.Tensor{Shape: append([]int64(nil), e.Shape...), Data: data}, nil
}

// PointPrompt 用户提示点, 坐标为相对显示图片的归一化值 [0,1]
type PointPrompt struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Label Label   `json:"label"`
}

// MaskOutput 解码结果
type MaskOutput struct {
	// Mask 输出尺寸的像素缓冲, Alpha 255 为前景, 0 为背景, RGB 恒为白色
	Mask   *image.NRGBA
	Score  float32
	Width  int
	Height int

	// Fallback 模型输出中没有名称匹配 mask 的项, 使用了第一个输出
	Fallback bool
	Provider cutout.Provider
	Elapsed  time.Duration
}
