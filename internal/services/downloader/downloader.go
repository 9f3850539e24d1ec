// Package downloader fetches model artifacts over HTTP with resume support.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cozy-creator/classifier-server/internal/utils/hashutil"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"go.uber.org/zap"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

type Downloader struct {
	client          *http.Client
	logger          *zap.Logger
	output          io.Writer
	maxElapsedTime  time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
}

type Option func(*Downloader)

func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) { d.client = client }
}

// WithProgressOutput redirects the progress bars; nil hides them.
func WithProgressOutput(w io.Writer) Option {
	return func(d *Downloader) {
		if w == nil {
			w = io.Discard
		}
		d.output = w
	}
}

func WithRetry(initial, max, maxElapsed time.Duration) Option {
	return func(d *Downloader) {
		d.initialInterval = initial
		d.maxInterval = max
		d.maxElapsedTime = maxElapsed
	}
}

func New(logger *zap.Logger, opts ...Option) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 60 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   60 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       60 * time.Second,
			},
		},
		logger:          logger,
		output:          os.Stderr,
		maxElapsedTime:  5 * time.Minute,
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
	}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches url into destPath. Partial downloads are kept in
// destPath + ".tmp" and resumed on the next attempt. When blake3Hex is not
// empty the finished file must match it.
func (d *Downloader) Download(ctx context.Context, url, destPath, blake3Hex string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), os.ModePerm); err != nil {
		return err
	}

	tmpPath := destPath + ".tmp"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.MaxInterval = d.maxInterval
	b.MaxElapsedTime = d.maxElapsedTime

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := d.downloadWithResume(ctx, url, destPath, tmpPath)
		if err != nil {
			d.logger.Warn("download attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return err
	}

	if blake3Hex == "" {
		return nil
	}

	digest, err := hashutil.Blake3File(destPath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(digest, blake3Hex) {
		os.Remove(destPath)
		return fmt.Errorf("%w: %s has blake3 %s, want %s", ErrChecksumMismatch, filepath.Base(destPath), digest, blake3Hex)
	}

	return nil
}

func (d *Downloader) downloadWithResume(ctx context.Context, url, destPath, tmpPath string) error {
	var initialSize int64
	if info, err := os.Stat(tmpPath); err == nil {
		initialSize = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if initialSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", initialSize))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var totalSize int64
	switch {
	case initialSize > 0 && resp.StatusCode == http.StatusPartialContent:
		totalSize = initialSize + resp.ContentLength
	case resp.StatusCode == http.StatusOK:
		if initialSize > 0 {
			d.logger.Warn("server doesn't support resume, starting download from beginning")
			initialSize = 0
		}
		totalSize = resp.ContentLength
	case initialSize > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The partial file is unusable; start over on the next attempt.
		os.Remove(tmpPath)
		return fmt.Errorf("resume failed with status %d", resp.StatusCode)
	default:
		err := fmt.Errorf("download failed with status %d", resp.StatusCode)
		if isPermanentStatus(resp.StatusCode) {
			return backoff.Permanent(err)
		}
		return err
	}

	flag := os.O_CREATE | os.O_WRONLY
	if initialSize > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(tmpPath, flag, 0644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open file: %w", err))
	}
	defer f.Close()

	progress := mpb.NewWithContext(ctx,
		mpb.WithOutput(d.output),
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)

	barTotal := totalSize
	if barTotal < 0 {
		barTotal = 0
	}
	bar := progress.AddBar(barTotal,
		mpb.PrependDecorators(
			decor.Name(filepath.Base(destPath), decor.WC{W: 30, C: decor.DidentRight}),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 90),
			decor.Name(" ] "),
			decor.EwmaSpeed(decor.UnitKiB, "% .2f", 60),
		),
	)
	if initialSize > 0 {
		bar.SetCurrent(initialSize)
	}

	written, copyErr := io.Copy(f, bar.ProxyReader(resp.Body))
	if copyErr != nil {
		bar.Abort(false)
	} else {
		bar.SetTotal(-1, true)
	}
	progress.Wait()

	if copyErr != nil {
		return fmt.Errorf("read failed: %w", copyErr)
	}

	downloaded := initialSize + written
	if totalSize > 0 && downloaded != totalSize {
		return fmt.Errorf("download size mismatch: expected %d, got %d", totalSize, downloaded)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to flush file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to move file: %w", err))
	}

	d.logger.Info("download complete", zap.String("path", destPath), zap.Int64("bytes", downloaded))
	return nil
}

func isPermanentStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
