package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/getcharzp/go-cutout"
	"github.com/getcharzp/go-cutout/sam2"
	"github.com/up-zero/gotool/imageutil"
)

// openRuntime 按配置初始化 ONNX Runtime, 调用方负责 Destroy
func openRuntime() (*cutout.Runtime, error) {
	oc, err := cfg.OnnxConfig()
	if err != nil {
		return nil, err
	}
	return cutout.NewRuntime(oc)
}

// loadEncoder 初始化编码器, 未配置 sam2.encoder_url 时报错
func loadEncoder(ctx context.Context, rt *cutout.Runtime) (*sam2.Encoder, error) {
	ec, ok := cfg.EncoderConfig()
	if !ok {
		return nil, fmt.Errorf("sam2.encoder_url is not configured")
	}
	enc := sam2.NewEncoder(rt, ec)
	if err := enc.Initialize(ctx); err != nil {
		return nil, err
	}
	return enc, nil
}

// embeddingsFor 优先读取已有的特征文件, 否则用本地编码器计算
func embeddingsFor(ctx context.Context, rt *cutout.Runtime, img image.Image, path string) (*sam2.Embeddings, error) {
	if path != "" {
		return readEmbeddings(path)
	}
	enc, err := loadEncoder(ctx, rt)
	if err != nil {
		return nil, err
	}
	defer enc.Dispose()
	return enc.Encode(ctx, img)
}

func readEmbeddings(path string) (*sam2.Embeddings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}
	var emb sam2.Embeddings
	if err := json.Unmarshal(data, &emb); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings: %w", err)
	}
	if _, err := emb.Tensor(); err != nil {
		return nil, err
	}
	return &emb, nil
}

func openImage(path string) (image.Image, error) {
	img, err := imageutil.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return img, nil
}
