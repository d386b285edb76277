package sam2

import (
	"fmt"
	"strings"
)

// OutputRoles 模型输出名称到逻辑角色的映射表
//
// 每个角色是按优先级排列的子串列表 (不区分大小写), 更换模型文件只需修改这里.
type OutputRoles struct {
	Mask      []string
	Score     []string
	Embedding []string
}

// DefaultOutputRoles 常见 SAM2 导出模型的输出命名
func DefaultOutputRoles() OutputRoles {
	return OutputRoles{
		Mask:      []string{"low_res_masks", "masks", "mask"},
		Score:     []string{"iou_predictions", "iou_scores", "scores", "score"},
		Embedding: []string{"image_embeddings", "image_embed", "embeddings", "embed"},
	}
}

// OutputBinding 解析后的输出名称
type OutputBinding struct {
	Mask     string
	Score    string // 可能为空
	Fallback bool   // Mask 未匹配到任何名称, 取了第一个非 Score 输出
}

// ResolveOutputs 根据角色表定位 mask 与 score 输出
//
// # Params:
//
//	names: 模型声明的输出名称
//	roles: 角色表
func ResolveOutputs(names []string, roles OutputRoles) (OutputBinding, error) {
	if len(names) == 0 {
		return OutputBinding{}, fmt.Errorf("模型没有任何输出")
	}

	var b OutputBinding
	b.Score = matchRole(names, roles.Score, "")
	b.Mask = matchRole(names, roles.Mask, b.Score)
	if b.Mask == "" {
		for _, name := range names {
			if name != b.Score {
				b.Mask = name
				b.Fallback = true
				break
			}
		}
	}
	if b.Mask == "" {
		return OutputBinding{}, fmt.Errorf("模型输出 %v 中找不到 mask", names)
	}
	return b, nil
}

// ResolveEmbedding 定位编码器的特征输出, 未匹配时取第一个输出
func ResolveEmbedding(names []string, roles OutputRoles) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("模型没有任何输出")
	}
	if name := matchRole(names, roles.Embedding, ""); name != "" {
		return name, nil
	}
	return names[0], nil
}

func matchRole(names, patterns []string, exclude string) string {
	for _, pattern := range patterns {
		p := strings.ToLower(pattern)
		for _, name := range names {
			if name == exclude {
				continue
			}
			if strings.Contains(strings.ToLower(name), p) {
				return name
			}
		}
	}
	return ""
}
