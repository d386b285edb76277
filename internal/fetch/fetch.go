package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Error 原图下载失败, 通常意味着链接过期或不可访问
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("下载原图失败: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("下载原图失败: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher 原图下载
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New 创建下载器
//
// # Params:
//
//	timeout: 单次下载超时, 0 表示只受 ctx 约束
//	maxBytes: 最大字节数, 0 表示不限制
func New(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// NewWithClient 使用指定的 http 客户端
func NewWithClient(client *http.Client, maxBytes int64) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch 下载 http(s) 地址的内容, 所有失败都返回 *Error
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &Error{URL: rawURL, Err: fmt.Errorf("不支持的地址: %q", rawURL)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, &Error{URL: rawURL, Err: fmt.Errorf("原图超过 %d 字节", f.maxBytes)}
	}
	return data, nil
}
