package sam2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/getcharzp/go-cutout"
)

// Runtime 创建推理会话, *cutout.Runtime 是默认实现, 测试中可替换
type Runtime interface {
	NewSession(model []byte, p cutout.Provider) (cutout.Session, error)
}

// maxModelBytes 模型文件大小上限
const maxModelBytes = 512 << 20

// loadModel 读取模型文件内容
//
// # Params:
//
//	ctx: 下载使用的上下文
//	client: http 客户端, 为空时使用 http.DefaultClient
//	url: http(s)://, file:// 或本地路径
func loadModel(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("模型地址不能为空")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
		if err != nil {
			return nil, fmt.Errorf("读取模型文件失败: %w", err)
		}
		return data, nil
	}

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载模型失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载模型失败: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModelBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取模型数据失败: %w", err)
	}
	if len(data) > maxModelBytes {
		return nil, fmt.Errorf("模型文件超过 %d 字节", maxModelBytes)
	}
	return data, nil
}

// openSession 按顺序尝试执行后端, 返回第一个创建成功的会话
func openSession(rt Runtime, model []byte, providers []cutout.Provider) (cutout.Session, cutout.Provider, error) {
	if rt == nil {
		return nil, cutout.ProviderCPU, fmt.Errorf("Runtime 不能为空")
	}
	if len(providers) == 0 {
		providers = cutout.DefaultProviders()
	}

	var errs []error
	for _, p := range providers {
		session, err := rt.NewSession(model, p)
		if err == nil {
			return session, p, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
	}
	return nil, cutout.ProviderCPU, fmt.Errorf("所有执行后端均不可用: %w", errors.Join(errs...))
}
