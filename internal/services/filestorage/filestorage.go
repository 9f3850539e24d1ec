package filestorage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/cozy-creator/classifier-server/internal/config"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidPath  = errors.New("invalid file path")
)

type FileInfo struct {
	Name      string
	Extension string
	Subfolder string
	Content   []byte
}

type FileStorage interface {
	Upload(ctx context.Context, file FileInfo) (string, error)
	GetFile(ctx context.Context, filepath string) (*FileInfo, error)
	ResolveFile(filename string, subfolder string) (string, error)
}

func NewFileInfo(name string, extension string, subfolder string, content []byte) FileInfo {
	return FileInfo{
		Name:      name,
		Extension: extension,
		Subfolder: subfolder,
		Content:   content,
	}
}

// Key is the slash separated location of the file relative to the storage root.
func (f FileInfo) Key() string {
	filename := f.Name + f.Extension
	if f.Subfolder == "" {
		return filename
	}
	return path.Join(f.Subfolder, filename)
}

func NewFileStorage(ctx context.Context, cfg *config.Config) (FileStorage, error) {
	switch strings.ToLower(cfg.FilesystemType) {
	case config.FilesystemLocal:
		return NewLocalFileStorage(cfg)
	case config.FilesystemS3:
		return NewS3FileStorage(ctx, cfg)
	}

	return nil, fmt.Errorf("invalid filesystem type %s", cfg.FilesystemType)
}

// cleanKey normalises a client supplied relative path and rejects anything
// that would escape the storage root.
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", ErrInvalidPath
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, key)
	}

	return cleaned, nil
}
