package compositor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// DefaultDPI 输出 PNG 声明的分辨率
const DefaultDPI = 300

// FeatherSigmaRatio 羽化半径到高斯 sigma 的换算系数
const FeatherSigmaRatio = 0.75

// DefaultMaxPixels 解码前允许的最大像素数 (16383 x 16383)
const DefaultMaxPixels = 268402689

// ErrEmptyResult Mask 全部为背景, 裁剪后没有任何像素
var ErrEmptyResult = errors.New("mask 不包含任何前景像素")

// TooLargeError 图片头部声明的像素数超过上限
type TooLargeError struct {
	Width, Height int
	MaxPixels     int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("图片尺寸 %dx%d 超过 %d 像素上限", e.Width, e.Height, e.MaxPixels)
}

// CheckPixels 只解析图片头部, 像素数超过 maxPixels 时返回 *TooLargeError
//
// maxPixels <= 0 表示不限制.
func CheckPixels(src []byte, maxPixels int64) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return cfg, fmt.Errorf("解码原图失败: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return cfg, &TooLargeError{Width: cfg.Width, Height: cfg.Height, MaxPixels: maxPixels}
	}
	return cfg, nil
}

// MaskSpec 客户端提交的 Mask, 每像素 1 字节 (alpha)
type MaskSpec struct {
	Alpha         []byte
	Width         int
	Height        int
	FeatherRadius int
}

// Result 合成结果
type Result struct {
	PNG          []byte
	Width        int // 裁剪后尺寸
	Height       int
	SourceWidth  int // 原图真实尺寸
	SourceHeight int
	Bounds       image.Rectangle // 裁剪区域, 原图坐标
}

// StageObserver 记录各阶段耗时
type StageObserver func(stage string, elapsed time.Duration)

// Compositor Mask 合成流水线: 解码 -> 缩放 -> 羽化 -> 合成 -> 裁剪 -> 编码
type Compositor struct {
	DPI       float64
	MaxPixels int64 // 原图像素上限, <= 0 不限制
	Observe   StageObserver
}

// New 创建默认 300 DPI 的合成器
func New(observe StageObserver) *Compositor {
	return &Compositor{DPI: DefaultDPI, MaxPixels: DefaultMaxPixels, Observe: observe}
}

// Composite 把 Mask 应用到原图并输出裁剪后的透明 PNG
//
// # Params:
//
//	ctx: 在各阶段之间检查, 超时后返回 ctx.Err(); 单个阶段开始后不会被打断
//	src: 原图字节 (png/jpeg/gif/webp)
//	spec: Mask 数据与尺寸, 只有 Mask 尺寸来自调用方
func (c *Compositor) Composite(ctx context.Context, src []byte, spec MaskSpec) (*Result, error) {
	var (
		img  image.Image
		mask *image.Gray
		err  error
	)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"decode", func() error {
			if _, err := CheckPixels(src, c.MaxPixels); err != nil {
				return err
			}
			img, err = imaging.Decode(bytes.NewReader(src))
			if err != nil {
				return fmt.Errorf("解码原图失败: %w", err)
			}
			mask, err = DecodeMask(spec.Alpha, spec.Width, spec.Height)
			return err
		}},
		{"resize", func() error {
			b := img.Bounds()
			mask = ResizeMask(mask, b.Dx(), b.Dy())
			return nil
		}},
		{"feather", func() error {
			mask = Feather(mask, spec.FeatherRadius)
			return nil
		}},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if err := step.fn(); err != nil {
			return nil, err
		}
		c.observe(step.name, start)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	composited, err := ApplyAlpha(img, mask)
	if err != nil {
		return nil, err
	}
	trimmed, bounds, err := Trim(composited)
	if err != nil {
		return nil, err
	}
	c.observe("composite", start)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start = time.Now()
	data, err := EncodePNG(trimmed, c.DPI)
	if err != nil {
		return nil, err
	}
	c.observe("encode", start)

	sb := img.Bounds()
	return &Result{
		PNG:          data,
		Width:        trimmed.Bounds().Dx(),
		Height:       trimmed.Bounds().Dy(),
		SourceWidth:  sb.Dx(),
		SourceHeight: sb.Dy(),
		Bounds:       bounds,
	}, nil
}

func (c *Compositor) observe(stage string, start time.Time) {
	if c.Observe != nil {
		c.Observe(stage, time.Since(start))
	}
}

// DecodeMaskBase64 解码 base64 形式的单通道 Mask
func DecodeMaskBase64(encoded string, width, height int) (*image.Gray, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("mask base64 解码失败: %w", err)
	}
	return DecodeMask(raw, width, height)
}

// DecodeMask 以调用方给出的尺寸解释单通道数据
func DecodeMask(alpha []byte, width, height int) (*image.Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("mask 尺寸非法: %dx%d", width, height)
	}
	if len(alpha) != width*height {
		return nil, fmt.Errorf("mask 数据长度 %d 与尺寸 %dx%d 不匹配", len(alpha), width, height)
	}
	m := image.NewGray(image.Rect(0, 0, width, height))
	copy(m.Pix, alpha)
	return m, nil
}

// ResizeMask 最近邻缩放, 保持二值 Mask 的硬边缘
func ResizeMask(mask *image.Gray, width, height int) *image.Gray {
	b := mask.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return mask
	}
	return toGray(imaging.Resize(mask, width, height, imaging.NearestNeighbor))
}

// Feather 高斯模糊 Mask 边缘, sigma = radius * 0.75; 必须在缩放到原图尺寸之后调用
func Feather(mask *image.Gray, radius int) *image.Gray {
	if radius <= 0 {
		return mask
	}
	return toGray(imaging.Blur(mask, float64(radius)*FeatherSigmaRatio))
}

// ApplyAlpha 以 Mask 作为透明度合成 (dest-in): alpha = srcAlpha * mask / 255
func ApplyAlpha(src image.Image, mask *image.Gray) (*image.NRGBA, error) {
	dst := imaging.Clone(src)
	b := dst.Bounds()
	if mb := mask.Bounds(); mb.Dx() != b.Dx() || mb.Dy() != b.Dy() {
		return nil, fmt.Errorf("mask 尺寸 %dx%d 与原图 %dx%d 不一致", mb.Dx(), mb.Dy(), b.Dx(), b.Dy())
	}
	for y := 0; y < b.Dy(); y++ {
		row := dst.Pix[y*dst.Stride:]
		mrow := mask.Pix[y*mask.Stride:]
		for x := 0; x < b.Dx(); x++ {
			i := x*4 + 3
			row[i] = uint8((uint32(row[i])*uint32(mrow[x]) + 127) / 255)
		}
	}
	return dst, nil
}

// Trim 裁掉 alpha 为 0 的边框, 返回裁剪结果与裁剪区域
//
// 已经紧贴主体的图片原样返回.
func Trim(img *image.NRGBA) (*image.NRGBA, image.Rectangle, error) {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			if row[x*4+3] == 0 {
				continue
			}
			px := b.Min.X + x
			minX, maxX = min(minX, px), max(maxX, px)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return nil, image.Rectangle{}, ErrEmptyResult
	}
	rect := image.Rect(minX, minY, maxX+1, maxY+1)
	if rect == b {
		return img, rect, nil
	}
	return imaging.Crop(img, rect), rect, nil
}

// EncodePNG 以 zlib 默认级别 (6) 编码并写入 DPI
func EncodePNG(img image.Image, dpi float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
		return nil, fmt.Errorf("PNG 编码失败: %w", err)
	}
	if dpi <= 0 {
		return buf.Bytes(), nil
	}
	return SetDPI(buf.Bytes(), dpi)
}

// toGray 取 R 通道, imaging 输出的灰度图 RGB 相同
func toGray(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		grow := g.Pix[y*g.Stride:]
		for x := 0; x < b.Dx(); x++ {
			grow[x] = row[x*4]
		}
	}
	return g
}
