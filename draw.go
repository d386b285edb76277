package cutout

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var (
	// KeepColor 保留点标记颜色
	KeepColor = color.RGBA{G: 200, A: 255}
	// RemoveColor 移除点标记颜色
	RemoveColor = color.RGBA{R: 220, A: 255}
)

// Marker 预览图上的提示点标记
type Marker struct {
	At    image.Point
	Color color.Color
}

// DrawMarkers 在预览图上绘制提示点, 白色描边便于在任意背景上辨认
//
// # Params:
//
//	dst: 预览图
//	markers: 标记列表
//	radius: 标记半径
func DrawMarkers(dst *image.RGBA, markers []Marker, radius int) {
	if radius <= 0 {
		radius = 6
	}
	for _, m := range markers {
		imageutil.DrawFilledCircle(dst, m.At, radius+2, color.White)
		imageutil.DrawFilledCircle(dst, m.At, radius, m.Color)
	}
}

// TextDrawer 文本绘制工具, 用于在预览图上标注置信度与后端
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}
	return NewTextDrawerFromBytes(fontBytes)
}

// NewTextDrawerFromBytes 从字体数据创建文本绘制工具
func NewTextDrawerFromBytes(fontBytes []byte) (*TextDrawer, error) {
	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(14); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawLabel 在左上角绘制带半透明底色的标签
//
// # Params:
//
//	img: 被绘制的图像
//	text: 绘制的文本
//	x, y: 标签左上角
func (d *TextDrawer) DrawLabel(img draw.Image, text string, x, y int) {
	metrics := d.face.Metrics()
	width := font.MeasureString(d.face, text).Ceil()
	height := (metrics.Ascent + metrics.Descent).Ceil()

	const pad = 4
	bg := image.Rect(x, y, x+width+2*pad, y+height+2*pad)
	draw.Draw(img, bg, image.NewUniform(color.NRGBA{A: 160}), image.Point{}, draw.Over)

	baseline := y + pad + metrics.Ascent.Ceil()
	d.DrawText(img, text, x+pad, baseline, color.White)
}

// DrawText 在基线位置绘制文本
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	drawer.DrawString(text)
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}
