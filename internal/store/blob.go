package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrExists 目标路径已存在
var ErrExists = errors.New("object already exists")

// LocalBlobStore 以本地目录保存处理结果
type LocalBlobStore struct {
	root    string
	baseURL string
}

// NewLocalBlobStore 创建本地存储
//
// # Params:
//
//	root: 存储根目录
//	baseURL: 对外访问前缀, 例如 /files
func NewLocalBlobStore(root, baseURL string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &LocalBlobStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root 存储根目录
func (s *LocalBlobStore) Root() string {
	return s.root
}

// Put 写入对象, 不覆盖已有文件
func (s *LocalBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", key, ErrExists)
		}
		return fmt.Errorf("创建文件失败: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(full)
		return fmt.Errorf("写入文件失败: %w", err)
	}
	return f.Close()
}

// Get 读取对象
func (s *LocalBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// URL 对象的访问地址
func (s *LocalBlobStore) URL(key string) string {
	return s.baseURL + "/" + path.Clean(key)
}

// resolve 拒绝跳出根目录的路径
func (s *LocalBlobStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("非法的存储路径: %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}
