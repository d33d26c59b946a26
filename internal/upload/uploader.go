package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adityacheruku/kuchlu-sub000/internal/api"
	"github.com/adityacheruku/kuchlu-sub000/internal/store"
)

// Signer obtains per-task signed upload parameters. Implemented by the
// API client; parameters are fetched fresh for every attempt and never
// reused across restarts.
type Signer interface {
	SignedUploadParams(ctx context.Context, taskID, resourceKind string) (*api.SignedUpload, error)
}

// Uploader pushes one staged file to the object store. progress receives
// whole percentages in [0,100].
type Uploader interface {
	Upload(ctx context.Context, task *store.UploadTask, progress func(pct int)) (resultRef string, err error)
}

// HTTPUploader is the production uploader: a multipart POST against the
// signed URL, streaming the staged file with progress accounting.
type HTTPUploader struct {
	signer   Signer
	http     *http.Client
	maxBytes int64
}

// NewHTTPUploader creates an uploader. maxBytes rejects oversized files
// before any network traffic; zero means no limit.
func NewHTTPUploader(signer Signer, maxBytes int64) *HTTPUploader {
	return &HTTPUploader{
		signer:   signer,
		http:     &http.Client{Timeout: 10 * time.Minute},
		maxBytes: maxBytes,
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, task *store.UploadTask, progress func(pct int)) (string, error) {
	info, err := os.Stat(task.FilePath)
	if err != nil {
		return "", &Fault{Err: fmt.Errorf("staged file: %w", err), Retryable: false}
	}
	if u.maxBytes > 0 && info.Size() > u.maxBytes {
		return "", &Fault{
			Err:       fmt.Errorf("file is %d bytes, limit %d", info.Size(), u.maxBytes),
			Retryable: false,
		}
	}

	signed, err := u.signer.SignedUploadParams(ctx, task.ID, task.MediaKind)
	if err != nil {
		return "", classify(err)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, task.FilePath, info.Size(), signed.Fields, progress))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signed.URL, pr)
	if err != nil {
		return "", &Fault{Err: err, Retryable: false}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := u.http.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", classify(&api.StatusError{Code: resp.StatusCode, Body: string(body)})
	}
	progress(100)
	return signed.ResultRef, nil
}

// writeForm emits the signed fields first, then the file part, counting
// file bytes into progress. The object store requires fields before file.
func writeForm(form *multipart.Writer, path string, size int64, fields map[string]string, progress func(pct int)) error {
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	part, err := form.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	counter := &progressWriter{dst: part, total: size, progress: progress}
	if _, err := io.Copy(counter, f); err != nil {
		return err
	}
	return form.Close()
}

// progressWriter reports whole-percent milestones as bytes flow through.
type progressWriter struct {
	dst      io.Writer
	total    int64
	written  int64
	lastPct  int
	progress func(pct int)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.written += int64(n)
	if w.total > 0 && w.progress != nil {
		pct := int(w.written * 100 / w.total)
		if pct > 99 {
			pct = 99 // 100 is reserved for the server's accept
		}
		if pct > w.lastPct {
			w.lastPct = pct
			w.progress(pct)
		}
	}
	return n, err
}
