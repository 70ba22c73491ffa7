package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrContentTooLarge is returned when a transfer runs past the declared size.
var ErrContentTooLarge = errors.New("content exceeds declared size")

// ErrUploadInterrupted wraps failures on the client side of a transfer. The
// bytes staged so far remain valid for resume.
var ErrUploadInterrupted = errors.New("upload interrupted")

const stagingSuffix = ".part"

// Staging holds partially transferred binaries on local disk, one part file
// per image id, until they are verified and promoted to the Store.
type Staging struct {
	dir string
}

// StagedFile describes a part file found on disk.
type StagedFile struct {
	ImageID string
	Size    int64
	ModTime time.Time
}

func NewStaging(dir string) (*Staging, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid staging path '%s': %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory '%s': %w", abs, err)
	}
	return &Staging{dir: abs}, nil
}

func (s *Staging) path(imageID string) (string, error) {
	if imageID == "" || imageID != filepath.Base(imageID) || strings.ContainsAny(imageID, `/\`) || imageID == "." || imageID == ".." {
		return "", fmt.Errorf("invalid staging id %q", imageID)
	}
	return filepath.Join(s.dir, imageID+stagingSuffix), nil
}

// Size returns the number of staged bytes, zero when nothing is staged.
func (s *Staging) Size(imageID string) (int64, error) {
	p, err := s.path(imageID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat staged file for %s: %w", imageID, err)
	}
	return info.Size(), nil
}

// Write truncates the part file to offset and appends src in chunks of
// chunkSize, syncing and calling progress after every chunk. At most limit
// bytes are accepted in total; anything beyond returns ErrContentTooLarge
// with the bytes up to limit still staged.
func (s *Staging) Write(ctx context.Context, imageID string, offset int64, src io.Reader, chunkSize int, limit int64, progress func(total int64) error) (int64, error) {
	p, err := s.path(imageID)
	if err != nil {
		return 0, err
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open staged file for %s: %w", imageID, err)
	}
	defer f.Close()

	if err := f.Truncate(offset); err != nil {
		return 0, fmt.Errorf("failed to truncate staged file for %s: %w", imageID, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek staged file for %s: %w", imageID, err)
	}

	total := offset
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("%w: %v", ErrUploadInterrupted, err)
		}
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			chunk := buf[:n]
			overflow := total+int64(n) > limit
			if overflow {
				chunk = chunk[:limit-total]
			}
			if len(chunk) > 0 {
				if _, err := f.Write(chunk); err != nil {
					return total, fmt.Errorf("failed to write staged chunk for %s: %w", imageID, err)
				}
				if err := f.Sync(); err != nil {
					return total, fmt.Errorf("failed to sync staged file for %s: %w", imageID, err)
				}
				total += int64(len(chunk))
				if progress != nil {
					if err := progress(total); err != nil {
						return total, err
					}
				}
			}
			if overflow {
				return total, ErrContentTooLarge
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("%w: failed to read upload content: %v", ErrUploadInterrupted, readErr)
		}
	}
}

// Checksum hashes the staged bytes and returns the hex digest and size.
func (s *Staging) Checksum(imageID string) (string, int64, error) {
	f, err := s.Open(imageID)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash staged file for %s: %w", imageID, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Open returns the staged file for reading.
func (s *Staging) Open(imageID string) (*os.File, error) {
	p, err := s.path(imageID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged file for %s: %w", imageID, err)
	}
	return f, nil
}

// Path returns the on-disk location of the part file.
func (s *Staging) Path(imageID string) (string, error) {
	return s.path(imageID)
}

// Discard removes the part file; a missing file is not an error.
func (s *Staging) Discard(imageID string) error {
	p, err := s.path(imageID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard staged file for %s: %w", imageID, err)
	}
	return nil
}

// List returns every part file currently staged.
func (s *Staging) List() ([]StagedFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}
	var out []StagedFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stagingSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, StagedFile{
			ImageID: strings.TrimSuffix(e.Name(), stagingSuffix),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}
