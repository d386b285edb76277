package sam2

import (
	"image"

	"github.com/getcharzp/go-cutout"
)

// normalizeAndPad 归一化 (ImageNet 均值方差) 并填充到目标尺寸, 输出 CHW
func normalizeAndPad(src image.Image, targetW, targetH int) []float32 {
	bounds := src.Bounds()
	w, h := min(bounds.Dx(), targetW), min(bounds.Dy(), targetH)
	data := make([]float32, 3*targetW*targetH)
	plane := targetW * targetH

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// RGBA returns 0-65535
			rf := (float32(r)/65535.0 - MeanR) / StdR
			gf := (float32(g)/65535.0 - MeanG) / StdG
			bf := (float32(b)/65535.0 - MeanB) / StdB

			idx := y*targetW + x
			data[idx] = rf
			data[plane+idx] = gf
			data[2*plane+idx] = bf
		}
	}
	return data
}

// promptFeeds 构造解码器输入
//
// 归一化坐标缩放到 1024x1024 工作空间; 没有提示点时使用中心前景点.
// 本流程不做多轮迭代, has_mask_input 恒为 0 并附带全零的 256x256 占位 Mask.
func promptFeeds(embeddings cutout.Tensor, points []PointPrompt) map[string]cutout.Tensor {
	if len(points) == 0 {
		points = []PointPrompt{{X: 0.5, Y: 0.5, Label: LabelForeground}}
	}

	n := len(points)
	coords := make([]float32, 0, n*2)
	labels := make([]float32, 0, n)
	for _, pt := range points {
		coords = append(coords, pt.X*InputSize, pt.Y*InputSize)
		labels = append(labels, float32(pt.Label))
	}

	return map[string]cutout.Tensor{
		inputImageEmbeddings: embeddings,
		inputPointCoords:     {Shape: []int64{1, int64(n), 2}, Data: coords},
		inputPointLabels:     {Shape: []int64{1, int64(n)}, Data: labels},
		inputMaskInput: {
			Shape: []int64{1, 1, LowResMaskSize, LowResMaskSize},
			Data:  make([]float32, LowResMaskSize*LowResMaskSize),
		},
		inputHasMaskInput: {Shape: []int64{1}, Data: []float32{0}},
		inputOrigImSize:   {Shape: []int64{2}, Data: []float32{InputSize, InputSize}},
	}
}

// maskPlane 从 [.., K, H, W] 的输出中取出一个 Mask 平面
//
// 多 Mask 输出时取 score 最高的一张, 返回平面数据与索引.
func maskPlane(mask cutout.Tensor, scores []float32) (plane []float32, maskW, maskH, idx int) {
	dims := mask.Shape
	maskH, maskW = LowResMaskSize, LowResMaskSize
	if len(dims) >= 2 {
		maskH, maskW = int(dims[len(dims)-2]), int(dims[len(dims)-1])
	}
	size := maskW * maskH
	if size <= 0 || len(mask.Data) < size {
		return nil, maskW, maskH, 0
	}

	count := len(mask.Data) / size
	if count > 1 && len(scores) >= count {
		for i := 1; i < count; i++ {
			if scores[i] > scores[idx] {
				idx = i
			}
		}
	}
	start := idx * size
	return mask.Data[start : start+size], maskW, maskH, idx
}

// upscaleMaskLogits 最近邻映射到输出尺寸并以 logit > 0 二值化
//
// # Params:
//
//	logits: 原生分辨率的 Mask logit
//	maskW, maskH: 原生分辨率
//	dstW, dstH: 输出尺寸
func upscaleMaskLogits(logits []float32, maskW, maskH, dstW, dstH int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		srcY := min(y*maskH/dstH, maskH-1)
		row := out.Pix[y*out.Stride:]
		for x := 0; x < dstW; x++ {
			srcX := min(x*maskW/dstW, maskW-1)

			var alpha uint8
			if v := logits[srcY*maskW+srcX]; v > maskThreshold {
				alpha = 255
			}
			i := x * 4
			row[i] = 255
			row[i+1] = 255
			row[i+2] = 255
			row[i+3] = alpha
		}
	}
	return out
}
