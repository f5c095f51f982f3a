// Package blobstore 提供公众号网关本地缓存（access_token、回调 IP 白名单）所用的文件级 blob 存储。
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotFound 表示指定 key 对应的 blob 不存在。
var ErrNotFound = errors.New("blobstore: blob 不存在")

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Store 将 key 映射为目录下的单个文件。写入为“临时文件 + rename”的原子写，
// 并发读取方不会观察到半写状态。
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blobstore: dir 不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: 创建目录失败: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("blobstore: key 不合法: %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

func (s *Store) Get(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: 读取失败: %w", err)
	}
	return b, nil
}

// Put 先写入同目录下的临时文件再 rename，保证读取方要么看到旧内容要么看到新内容。
func (s *Store) Put(key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("blobstore: 创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore: 写入失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore: 关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore: rename 失败: %w", err)
	}
	return nil
}

// Delete 删除指定 key；key 不存在时不视为错误。
func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: 删除失败: %w", err)
	}
	return nil
}
