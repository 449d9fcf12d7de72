package aot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// ErrNotFound 镜像不存在
var ErrNotFound = errors.New("aot: image not found")

var (
	imagePrefix = []byte("image:")
	imageUpper  = []byte("image;") // ':' 的下一个字符
)

func imageKey(name string) []byte {
	return append(append([]byte(nil), imagePrefix...), name...)
}

// Store 基于 pebble 的镜像存储
type Store struct {
	db     *pebble.DB
	logger *zap.Logger
}

// Open 打开（或创建）目录 path 下的镜像存储
func Open(path string, logger *zap.Logger) (*Store, error) {
	return open(path, &pebble.Options{}, logger)
}

// OpenInMemory 打开内存中的镜像存储
func OpenInMemory(logger *zap.Logger) (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, logger)
}

func open(path string, opts *pebble.Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("aot: open store %q: %w", path, err)
	}
	return &Store{db: db, logger: logger.Named("aot.store")}, nil
}

// Save 保存镜像
func (s *Store) Save(name string, img *Image) error {
	if name == "" {
		return fmt.Errorf("aot: empty image name")
	}
	data, err := img.Marshal()
	if err != nil {
		return err
	}
	if err := s.db.Set(imageKey(name), data, pebble.Sync); err != nil {
		return fmt.Errorf("aot: save %q: %w", name, err)
	}
	s.logger.Info("image saved",
		zap.String("name", name),
		zap.String("id", img.ID),
		zap.Int("entries", len(img.Entries)),
		zap.Int("bytes", len(data)))
	return nil
}

// Load 读取并校验镜像
func (s *Store) Load(name string) (*Image, error) {
	value, closer, err := s.db.Get(imageKey(name))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("aot: load %q: %w", name, err)
	}
	data := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("aot: load %q: %w", name, err)
	}
	img, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("aot: load %q: %w", name, err)
	}
	return img, nil
}

// List 按名称排序的所有镜像名
func (s *Store) List() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: imagePrefix,
		UpperBound: imageUpper,
	})
	if err != nil {
		return nil, fmt.Errorf("aot: list images: %w", err)
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, imagePrefix) {
			continue
		}
		names = append(names, string(key[len(imagePrefix):]))
	}
	return names, iter.Error()
}

// Delete 删除镜像，不存在时不报错
func (s *Store) Delete(name string) error {
	if err := s.db.Delete(imageKey(name), pebble.Sync); err != nil {
		return fmt.Errorf("aot: delete %q: %w", name, err)
	}
	return nil
}

// Close 关闭存储
func (s *Store) Close() error {
	return s.db.Close()
}
