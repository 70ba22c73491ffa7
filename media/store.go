package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrObjectNotFound is returned by Open for keys the store does not hold.
var ErrObjectNotFound = errors.New("stored object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Store defines the interface for writing and reading finalized image content.
// Keys are slash separated and relative to the store root.
type Store interface {
	// Save writes data under key and returns the key actually stored.
	// An existing object under the same key is replaced.
	Save(ctx context.Context, key string, data io.Reader, contentType string) (string, error)
	// Open returns a reader for the object.
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an object; missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// URL returns a stable location for key. It is not a signed link.
	URL(key string) string
}

// Presigner is implemented by stores that can hand out time limited direct
// download links.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// LocalStorage implements the Store interface using the local filesystem
type LocalStorage struct {
	basePath string // absolute path to the MEDIA_STORAGE_PATH
	baseURL  string
	logger   *zap.Logger
}

// NewLocalStorage creates a new local filesystem store. baseURL is used by URL
// and may be empty.
func NewLocalStorage(basePath, baseURL string, logger *zap.Logger) (*LocalStorage, error) {
	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base storage path '%s': %w", basePath, err)
	}

	if err := os.MkdirAll(absBasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory '%s': %w", absBasePath, err)
	}

	logger = logger.Named("media.store")
	logger.Info("initialized local storage", zap.String("path", absBasePath))
	return &LocalStorage{
		basePath: absBasePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}, nil
}

// Save writes to a temporary file next to the target, syncs it, then renames
// it into place so readers never observe a partial object.
func (ls *LocalStorage) Save(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	fullSavePath, err := ls.GetFullPath(key)
	if err != nil {
		return "", err
	}
	targetDir := filepath.Dir(fullSavePath)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory '%s': %w", targetDir, err)
	}

	tmp, err := os.CreateTemp(targetDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file in '%s': %w", targetDir, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: data}); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to write data to '%s': %w", fullSavePath, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to sync '%s': %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close '%s': %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, fullSavePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move '%s' into place: %w", fullSavePath, err)
	}

	ls.logger.Debug("saved object", zap.String("key", key), zap.String("content_type", contentType))
	return filepath.ToSlash(strings.TrimPrefix(key, "/")), nil
}

func (ls *LocalStorage) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	fullPath, err := ls.GetFullPath(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("asset '%s': %w", key, ErrObjectNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to open asset '%s': %w", key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat asset '%s': %w", key, err)
	}

	return file, ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (ls *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := ls.GetFullPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat asset '%s': %w", key, err)
	}
}

// Delete removes an asset file
func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := ls.GetFullPath(key)
	if err != nil {
		return err
	}

	err = os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) { // Ignore "not exist" errors
		return fmt.Errorf("failed to delete asset '%s': %w", key, err)
	}
	if err == nil {
		ls.logger.Info("deleted asset", zap.String("key", key))
	}
	return nil
}

func (ls *LocalStorage) URL(key string) string {
	return ls.baseURL + "/" + strings.TrimPrefix(key, "/")
}

// GetFullPath calculates the absolute path and performs security check
func (ls *LocalStorage) GetFullPath(relativePath string) (string, error) {
	// clean the relative path first to prevent simple traversal tricks
	cleanRelativePath := filepath.Clean(filepath.FromSlash(relativePath))

	fullPath := filepath.Join(ls.basePath, cleanRelativePath)

	absFullPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for '%s': %w", relativePath, err)
	}

	if absFullPath == ls.basePath || !strings.HasPrefix(absFullPath, ls.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: access denied for '%s'", relativePath)
	}

	return absFullPath, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
