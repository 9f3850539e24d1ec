package filestorage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cozy-creator/classifier-server/internal/config"
)

type LocalFileStorage struct {
	assetsDir string
	publicURL string
}

func NewLocalFileStorage(cfg *config.Config) (*LocalFileStorage, error) {
	if !strings.EqualFold(cfg.FilesystemType, config.FilesystemLocal) {
		return nil, fmt.Errorf("filesystem is not local")
	}
	if cfg.AssetsDir == "" {
		return nil, fmt.Errorf("assets directory is not set")
	}

	return &LocalFileStorage{
		assetsDir: cfg.AssetsDir,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
	}, nil
}

func (u *LocalFileStorage) Upload(ctx context.Context, file FileInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := cleanKey(file.Key())
	if err != nil {
		return "", err
	}

	filedest := filepath.Join(u.assetsDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(filedest), os.ModePerm); err != nil {
		return "", err
	}

	// Writes go through a temp file so readers never see a partial upload.
	// Each writer gets its own temp name since equal content maps to one key.
	tmp, err := os.CreateTemp(filepath.Dir(filedest), filepath.Base(filedest)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	_, err = tmp.Write(file.Content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filedest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	return fmt.Sprintf("%s/file/%s", u.publicURL, key), nil
}

func (u *LocalFileStorage) GetFile(_ context.Context, filename string) (*FileInfo, error) {
	key, err := cleanKey(filename)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filepath.Join(u.assetsDir, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return nil, err
	}

	ext := path.Ext(key)
	return &FileInfo{
		Name:      strings.TrimSuffix(path.Base(key), ext),
		Extension: ext,
		Subfolder: subfolderOf(key),
		Content:   content,
	}, nil
}

func (u *LocalFileStorage) ResolveFile(filename string, subfolder string) (string, error) {
	key, err := cleanKey(path.Join(subfolder, filename))
	if err != nil {
		return "", err
	}

	resolved := filepath.Join(u.assetsDir, filepath.FromSlash(key))
	if _, err := os.Stat(resolved); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return "", err
	}

	return resolved, nil
}

func subfolderOf(key string) string {
	dir := path.Dir(key)
	if dir == "." {
		return ""
	}
	return dir
}
