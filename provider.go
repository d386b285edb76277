package cutout

import (
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Provider 推理执行后端
type Provider int

const (
	ProviderCPU      Provider = iota // CPU, 总是可用
	ProviderCUDA                     // NVIDIA CUDA
	ProviderCoreML                   // Apple CoreML
	ProviderDirectML                 // Windows DirectML
)

var providerNames = map[Provider]string{
	ProviderCPU:      "cpu",
	ProviderCUDA:     "cuda",
	ProviderCoreML:   "coreml",
	ProviderDirectML: "directml",
}

func (p Provider) String() string {
	if name, ok := providerNames[p]; ok {
		return name
	}
	return fmt.Sprintf("provider(%d)", int(p))
}

// ParseProvider 解析后端名称 (不区分大小写)
func ParseProvider(name string) (Provider, error) {
	for p, n := range providerNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return p, nil
		}
	}
	return ProviderCPU, fmt.Errorf("未知的执行后端: %q", name)
}

// ParseProviders 按顺序解析后端列表, 空列表返回 DefaultProviders
func ParseProviders(names []string) ([]Provider, error) {
	if len(names) == 0 {
		return DefaultProviders(), nil
	}
	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		p, err := ParseProvider(name)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// DefaultProviders GPU 优先, 最后回退到 CPU
func DefaultProviders() []Provider {
	return []Provider{ProviderCUDA, ProviderCoreML, ProviderDirectML, ProviderCPU}
}

// appendTo 将后端追加到会话选项
func (p Provider) appendTo(options *ort.SessionOptions) error {
	switch p {
	case ProviderCPU:
		return nil
	case ProviderCUDA:
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
		}
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fmt.Errorf("添加 CoreML 执行提供者失败: %w", err)
		}
	case ProviderDirectML:
		if err := options.AppendExecutionProviderDirectML(0); err != nil {
			return fmt.Errorf("添加 DirectML 执行提供者失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的执行后端: %s", p)
	}
	return nil
}
