package cutout

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxConfig ONNX Runtime 环境配置
type OnnxConfig struct {
	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	NumThreads int // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// Tensor 与具体推理库无关的 float32 张量
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Session 推理会话, 输入输出均按名称索引
type Session interface {
	InputNames() []string
	OutputNames() []string
	Run(feeds map[string]Tensor) (map[string]Tensor, error)
	Destroy() error
}

// ErrRuntimeDestroyed 运行时已销毁
var ErrRuntimeDestroyed = errors.New("ONNX Runtime 已销毁")

// Runtime 由调用方持有的 ONNX Runtime 句柄
//
// onnxruntime 的环境是进程级的, 同一时刻只允许存在一个 Runtime,
// 启动时创建一次, 退出时 Destroy.
type Runtime struct {
	cfg       OnnxConfig
	mu        sync.Mutex
	destroyed bool
}

// NewRuntime 初始化 ONNX 环境
func NewRuntime(cfg OnnxConfig) (*Runtime, error) {
	if cfg.OnnxRuntimeLibPath == "" {
		return nil, fmt.Errorf("OnnxRuntimeLibPath 不能为空")
	}
	if ort.IsInitialized() {
		return nil, fmt.Errorf("ONNX Runtime 环境已被其他句柄初始化")
	}
	ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", err)
	}
	return &Runtime{cfg: cfg}, nil
}

// Destroy 释放 ONNX 环境, 可重复调用
func (r *Runtime) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil
	}
	r.destroyed = true
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("销毁 ONNX Runtime 环境失败: %w", err)
	}
	return nil
}

// NewSession 使用指定的执行后端从模型数据创建会话
//
// # Params:
//
//	model: ONNX 模型文件内容
//	p: 执行后端
func (r *Runtime) NewSession(model []byte, p Provider) (Session, error) {
	r.mu.Lock()
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		return nil, ErrRuntimeDestroyed
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("读取模型输入输出失败: %w", err)
	}
	inputs := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputs[i] = info.Name
	}
	outputs := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputs[i] = info.Name
	}

	options, err := r.sessionOptions(p)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(model, inputs, outputs, options)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败 (%s): %w", p, err)
	}

	return &onnxSession{
		session: session,
		inputs:  inputs,
		outputs: outputs,
	}, nil
}

// sessionOptions 创建会话选项 (设置线程与执行后端)
func (r *Runtime) sessionOptions(p Provider) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("创建 SessionOptions 失败: %w", err)
	}
	if r.cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(r.cfg.NumThreads); err != nil {
			options.Destroy()
			return nil, err
		}
	}
	if err := p.appendTo(options); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

// onnxSession 基于 DynamicAdvancedSession 的会话实现
type onnxSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func (s *onnxSession) InputNames() []string  { return s.inputs }
func (s *onnxSession) OutputNames() []string { return s.outputs }

// Run 执行推理, 输出数据会被复制, 调用方无需释放
func (s *onnxSession) Run(feeds map[string]Tensor) (map[string]Tensor, error) {
	inputs := make([]ort.Value, len(s.inputs))
	defer func() {
		for _, v := range inputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, name := range s.inputs {
		t, ok := feeds[name]
		if !ok {
			return nil, fmt.Errorf("缺少模型输入: %s", name)
		}
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("创建输入 Tensor %s 失败: %w", name, err)
		}
		inputs[i] = v
	}

	outputs := make([]ort.Value, len(s.outputs))
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("推理失败: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	result := make(map[string]Tensor, len(outputs))
	for i, o := range outputs {
		ft, ok := o.(*ort.Tensor[float32])
		if !ok {
			// 非 float32 输出 (如 int64 索引) 不参与后处理
			continue
		}
		data := make([]float32, len(ft.GetData()))
		copy(data, ft.GetData())
		result[s.outputs[i]] = Tensor{
			Shape: []int64(ft.GetShape().Clone()),
			Data:  data,
		}
	}
	return result, nil
}

// Destroy 释放会话
func (s *onnxSession) Destroy() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
func DefaultLibraryPath() string {
	baseDir := "./lib/"
	libName := "onnxruntime"

	// windows onnxruntime.dll
	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	// linux darwin ext
	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so" // 默认返回 linux amd64
	}

	// 拼接完整路径: ./lib/onnxruntime + _ + amd64/arm64 + . + so/dylib
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
