package fileuploader

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cozy-creator/classifier-server/internal/services/filestorage"
	"github.com/cozy-creator/classifier-server/internal/utils/hashutil"
	"github.com/gammazero/workerpool"
)

var ErrUploaderStopped = errors.New("uploader is stopped")

type Result struct {
	URL string
	Err error
}

// Uploader runs storage writes on a bounded worker pool.
type Uploader struct {
	wp          *workerpool.WorkerPool
	filestorage filestorage.FileStorage

	// mu orders submissions against Stop; the pool panics on a late Submit.
	mu      sync.RWMutex
	stopped bool
}

func NewFileUploader(filestorage filestorage.FileStorage, maxWorkers int) *Uploader {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	return &Uploader{
		wp:          workerpool.New(maxWorkers),
		filestorage: filestorage,
	}
}

// Stop waits for queued uploads to finish.
func (w *Uploader) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.wp.StopWait()
}

// Upload queues file and delivers the outcome on response, which should be
// buffered.
func (w *Uploader) Upload(ctx context.Context, file filestorage.FileInfo, response chan<- Result) {
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		response <- Result{Err: ErrUploaderStopped}
		return
	}
	w.wp.Submit(func() {
		response <- w.upload(ctx, file)
	})
	w.mu.RUnlock()
}

// UploadBytes stores content under a name derived from its BLAKE3 digest and
// waits for the upload to finish.
func (w *Uploader) UploadBytes(ctx context.Context, content []byte, extension string, subfolder string) (string, error) {
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	file := filestorage.NewFileInfo(hashutil.Blake3Hash(content), strings.ToLower(extension), subfolder, content)
	response := make(chan Result, 1)
	w.Upload(ctx, file, response)

	select {
	case res := <-response:
		return res.URL, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *Uploader) upload(ctx context.Context, file filestorage.FileInfo) Result {
	if w.filestorage == nil {
		return Result{Err: errors.New("file storage is not configured")}
	}
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}

	url, err := w.filestorage.Upload(ctx, file)
	return Result{URL: url, Err: err}
}
