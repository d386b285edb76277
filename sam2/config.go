package sam2

import (
	"net/http"

	"github.com/getcharzp/go-cutout"
)

type Label int

const (
	LabelBackground Label = 0 // 背景/排除
	LabelForeground Label = 1 // 前景/保留
)

// 均值和方差常量
const (
	MeanR = 0.485
	MeanG = 0.456
	MeanB = 0.406

	StdR = 0.229
	StdG = 0.224
	StdB = 0.225
)

const (
	// InputSize 模型工作空间的边长, 提示点坐标按此缩放
	InputSize = 1024
	// LowResMaskSize 模型原生 Mask 分辨率
	LowResMaskSize = 256
	// maskThreshold logit 阈值
	maskThreshold = 0.0
	// defaultScore 模型没有置信度输出时使用
	defaultScore = 0.9
)

// 解码器输入名称
const (
	inputImageEmbeddings = "image_embeddings"
	inputPointCoords     = "point_coords"
	inputPointLabels     = "point_labels"
	inputMaskInput       = "mask_input"
	inputHasMaskInput    = "has_mask_input"
	inputOrigImSize      = "orig_im_size"
)

// DecoderConfig 解码器配置
type DecoderConfig struct {
	// ModelURL 解码模型地址, 支持 http(s)://, file:// 与本地路径
	ModelURL string
	// Providers 按顺序尝试的执行后端, 为空时使用 cutout.DefaultProviders
	Providers []cutout.Provider
	// Roles 输出名称与逻辑角色的映射
	Roles OutputRoles
	// HTTPClient (可选) 下载模型使用的客户端
	HTTPClient *http.Client
}

// DefaultDecoderConfig 返回默认配置
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		ModelURL:  "./sam2_weights/sam2_decoder.onnx",
		Providers: cutout.DefaultProviders(),
		Roles:     DefaultOutputRoles(),
	}
}

// EncoderConfig 图片特征提取模型配置
type EncoderConfig struct {
	ModelURL   string
	Providers  []cutout.Provider
	Roles      OutputRoles
	HTTPClient *http.Client
}

// DefaultEncoderConfig 返回默认配置
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		ModelURL:  "./sam2_weights/sam2_encoder.onnx",
		Providers: cutout.DefaultProviders(),
		Roles:     DefaultOutputRoles(),
	}
}
