package sam2

import (
	"errors"
	"fmt"
)

var (
	// ErrInferenceNotReady Initialize 成功之前调用了 Predict
	ErrInferenceNotReady = errors.New("解码器未初始化, 请先调用 Initialize")
	// ErrStaleResult 结果已被更新的请求取代
	ErrStaleResult = errors.New("预测结果已过期")
)

// ModelLoadError 模型下载或会话创建失败
type ModelLoadError struct {
	URL string
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("加载模型 %s 失败: %v", e.URL, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
