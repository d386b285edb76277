package sam2

import (
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
)

// overlayTint 背景区域的预览色
var overlayTint = color.NRGBA{R: 255, A: 80}

// SerializeMask 提取 Alpha 通道, 每像素 1 字节, 用于提交给服务端
func SerializeMask(m *image.NRGBA) []byte {
	b := m.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := m.Pix[m.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, row[x*4+3])
		}
	}
	return out
}

// MaskToBase64 序列化 Mask 并进行 base64 编码
func MaskToBase64(m *image.NRGBA) string {
	return base64.StdEncoding.EncodeToString(SerializeMask(m))
}

// MaskFromAlpha 由单通道 Alpha 数据还原预览 Mask
func MaskFromAlpha(alpha []byte, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 || len(alpha) != width*height {
		return nil, fmt.Errorf("mask 数据长度 %d 与尺寸 %dx%d 不匹配", len(alpha), width, height)
	}
	m := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, a := range alpha {
		m.Pix[i*4] = 255
		m.Pix[i*4+1] = 255
		m.Pix[i*4+2] = 255
		m.Pix[i*4+3] = a
	}
	return m, nil
}

// RenderOverlay 在原图上把背景区域染成半透明红色
//
// # Params:
//
//	src: 与 Mask 同尺寸的原图
//	mask: 解码结果
func RenderOverlay(src image.Image, mask *image.NRGBA) *image.RGBA {
	b := mask.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, src.Bounds().Min, draw.Src)

	tint := image.NewNRGBA(b)
	for i := 0; i < len(mask.Pix); i += 4 {
		if mask.Pix[i+3] == 0 {
			tint.Pix[i] = overlayTint.R
			tint.Pix[i+1] = overlayTint.G
			tint.Pix[i+2] = overlayTint.B
			tint.Pix[i+3] = overlayTint.A
		}
	}
	draw.Draw(dst, b, tint, b.Min, draw.Over)
	return dst
}

// RenderMaskedPreview 使用 Mask 的 Alpha 作为原图的透明度
func RenderMaskedPreview(src image.Image, mask *image.NRGBA) *image.NRGBA {
	b := mask.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, src, src.Bounds().Min, draw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = mask.Pix[i]
	}
	return dst
}

// FeatherPreview 三次盒式模糊近似高斯, 仅用于客户端预览
func FeatherPreview(mask *image.NRGBA, radius int) *image.NRGBA {
	if radius <= 0 {
		return mask
	}
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()

	cur := make([]float64, w*h)
	for i := range cur {
		cur[i] = float64(mask.Pix[i*4+3])
	}
	for pass := 0; pass < 3; pass++ {
		cur = boxBlur(cur, w, h, radius)
	}

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, v := range cur {
		out.Pix[i*4] = 255
		out.Pix[i*4+1] = 255
		out.Pix[i*4+2] = 255
		out.Pix[i*4+3] = uint8(math.Round(v))
	}
	return out
}

// boxBlur 边界处只统计图内像素
func boxBlur(src []float64, w, h, r int) []float64 {
	next := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, count := 0.0, 0
			for dy := -r; dy <= r; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -r; dx <= r; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					sum += src[ny*w+nx]
					count++
				}
			}
			next[y*w+x] = sum / float64(count)
		}
	}
	return next
}

// Checkerboard 透明背景预览用的棋盘格
func Checkerboard(width, height, cell int) *image.RGBA {
	if cell <= 0 {
		cell = 10
	}
	light := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	dark := color.RGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := dark
			if (x/cell+y/cell)%2 == 0 {
				c = light
			}
			dst.SetRGBA(x, y, c)
		}
	}
	return dst
}
