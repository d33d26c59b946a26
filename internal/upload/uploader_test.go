package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/adityacheruku/kuchlu-sub000/internal/api"
	"github.com/adityacheruku/kuchlu-sub000/internal/store"
)

type fakeSigner struct {
	signed *api.SignedUpload
	err    error
}

func (f *fakeSigner) SignedUploadParams(_ context.Context, _, _ string) (*api.SignedUpload, error) {
	return f.signed, f.err
}

func stagedFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.bin")
	if err := os.WriteFile(path, make([]byte, size), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadPostsMultipartForm(t *testing.T) {
	var gotKey, gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		gotKey = r.FormValue("key")
		if f, header, err := r.FormFile("file"); err == nil {
			gotFile = header.Filename
			_ = f.Close()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	signer := &fakeSigner{signed: &api.SignedUpload{
		URL:       srv.URL,
		Fields:    map[string]string{"key": "media/k1"},
		ResultRef: "media/k1",
	}}
	u := NewHTTPUploader(signer, 0)

	var lastPct int
	ref, err := u.Upload(context.Background(), &store.UploadTask{
		ID:        "t1",
		FilePath:  stagedFile(t, 256<<10),
		MediaKind: "image",
	}, func(pct int) { lastPct = pct })
	if err != nil {
		t.Fatal(err)
	}
	if ref != "media/k1" {
		t.Errorf("result ref = %q", ref)
	}
	if gotKey != "media/k1" {
		t.Errorf("signed field = %q", gotKey)
	}
	if gotFile != "staged.bin" {
		t.Errorf("file part = %q", gotFile)
	}
	if lastPct != 100 {
		t.Errorf("final progress = %d, want 100", lastPct)
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	u := NewHTTPUploader(&fakeSigner{}, 1<<10)

	_, err := u.Upload(context.Background(), &store.UploadTask{
		ID:       "t1",
		FilePath: stagedFile(t, 4<<10),
	}, func(int) {})

	var fault *Fault
	if !errors.As(err, &fault) || fault.Retryable {
		t.Fatalf("err = %v, want non-retryable fault", err)
	}
}

func TestUploadMissingFileIsNotRetryable(t *testing.T) {
	u := NewHTTPUploader(&fakeSigner{}, 0)

	_, err := u.Upload(context.Background(), &store.UploadTask{
		ID:       "t1",
		FilePath: filepath.Join(t.TempDir(), "gone.bin"),
	}, func(int) {})

	var fault *Fault
	if !errors.As(err, &fault) || fault.Retryable {
		t.Fatalf("err = %v, want non-retryable fault", err)
	}
}

func TestUploadServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	signer := &fakeSigner{signed: &api.SignedUpload{URL: srv.URL, ResultRef: "r"}}
	u := NewHTTPUploader(signer, 0)

	_, err := u.Upload(context.Background(), &store.UploadTask{
		ID:       "t1",
		FilePath: stagedFile(t, 1<<10),
	}, func(int) {})

	var fault *Fault
	if !errors.As(err, &fault) || !fault.Retryable {
		t.Fatalf("err = %v, want retryable fault", err)
	}
}

func TestUploadSignerAuthRejection(t *testing.T) {
	u := NewHTTPUploader(&fakeSigner{err: api.ErrAuthRejected}, 0)

	_, err := u.Upload(context.Background(), &store.UploadTask{
		ID:       "t1",
		FilePath: stagedFile(t, 1<<10),
	}, func(int) {})

	var fault *Fault
	if !errors.As(err, &fault) || fault.Retryable {
		t.Fatalf("err = %v, want non-retryable fault", err)
	}
}
