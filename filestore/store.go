// Package filestore stores each beacon storage key as one file in a
// directory. Writes go to a temporary file that is renamed over the target,
// so a crash leaves either the old or the new value.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/velmie/beacon"
)

const fileSuffix = ".blob"

var (
	// ErrDirRequired is returned when Open is called without a directory.
	ErrDirRequired = errors.New("beacon filestore: directory is required")
	// ErrInvalidKey is returned for keys that are not plain file names.
	ErrInvalidKey = errors.New("beacon filestore: invalid key")
)

// zstdMagic starts every zstd frame; Load uses it to accept files written
// with or without compression.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Option configures a Store.
type Option func(*Store)

// WithCompression zstd-compresses values on Save.
func WithCompression() Option {
	return func(s *Store) {
		s.compress = true
	}
}

// Store implements beacon.Storage on a directory.
type Store struct {
	dir      string
	compress bool

	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ beacon.Storage = (*Store)(nil)

// Open creates dir when missing and returns a Store rooted at it.
func Open(dir string, opts ...Option) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrDirRequired
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("beacon filestore: create directory failed: %w", err)
	}

	s := &Store{dir: dir}
	for _, opt := range opts {
		opt(s)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("beacon filestore: zstd decoder: %w", err)
	}
	s.decoder = decoder
	if s.compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			decoder.Close()

			return nil, fmt.Errorf("beacon filestore: zstd encoder: %w", err)
		}
		s.encoder = encoder
	}

	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load implements beacon.Storage.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, beacon.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("beacon filestore: read %q failed: %w", key, err)
	}
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("beacon filestore: decompress %q failed: %w", key, err)
	}
	if plain == nil {
		plain = []byte{}
	}

	return plain, nil
}

// Save implements beacon.Storage.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := value
	if s.encoder != nil && len(value) > 0 {
		data = s.encoder.EncodeAll(value, make([]byte, 0, len(value)))
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("beacon filestore: create temp for %q failed: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("beacon filestore: write %q failed: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("beacon filestore: sync %q failed: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("beacon filestore: close %q failed: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("beacon filestore: rename %q failed: %w", key, err)
	}

	return nil
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encoder != nil {
		if err := s.encoder.Close(); err != nil {
			return err
		}
		s.encoder = nil
	}
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}

	return nil
}

func (s *Store) path(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, r := range key {
		if r == '_' || r == '-' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}

		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(s.dir, key+fileSuffix), nil
}
