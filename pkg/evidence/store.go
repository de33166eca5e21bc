// Package evidence assembles compliance proof bundles and archives them in
// content-addressed storage.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("evidence: object not found")

// Store is a content-addressed archive. Put returns "sha256:<hex>".
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

func contentRef(data []byte) (ref, hexHash string) {
	h := sha256.Sum256(data)
	hexHash = hex.EncodeToString(h[:])
	return "sha256:" + hexHash, hexHash
}

func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok || len(raw) != 64 {
		return "", fmt.Errorf("invalid evidence ref: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid evidence ref: %s", ref)
	}
	return raw, nil
}

// FileStore keeps bundles under a directory, one file per hash.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure evidence dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, hexHash := contentRef(data)
	path := filepath.Join(s.baseDir, hexHash+".json")
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	hexHash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.baseDir, hexHash+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	if got, _ := contentRef(data); got != ref {
		return nil, fmt.Errorf("evidence integrity failure for %s", ref)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	hexHash, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, hexHash+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Sink selects the archive backend.
type Sink string

const (
	SinkFile Sink = "file"
	SinkS3   Sink = "s3"
	SinkGCS  Sink = "gcs"
)

// Config configures NewStore.
type Config struct {
	Sink     Sink
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// NewStore builds the configured archive.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Sink {
	case "", SinkFile:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "evidence")
		}
		return NewFileStore(dir)
	case SinkS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("EVIDENCE_BUCKET is required for S3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "ap-southeast-2"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case SinkGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("EVIDENCE_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported evidence sink: %s", cfg.Sink)
	}
}
