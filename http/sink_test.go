package http_test

import (
	"bytes"
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/zipkit"
	zhttp "github.com/meigma/zipkit/http"
)

func TestServeArchive(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	handler := nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		err := zhttp.ServeArchive(w, r, "report.zip", func(zw *zipkit.Writer) error {
			return zw.AddBytes("report.csv", []byte("a,b\n1,2\n"), time.Now())
		}, zipkit.WithTempDir(tmp), zipkit.WithRemoveDelay(0))
		if err != nil {
			t.Errorf("ServeArchive() error = %v", err)
		}
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/report.zip", nil))

	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.Bytes()
	if got := rec.Header().Get("Content-Type"); got != zipkit.ContentType {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != "attachment; filename=report.zip" {
		t.Fatalf("Content-Disposition = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Fatalf("Content-Length = %q, body is %d bytes", got, len(body))
	}
	if got, want := rec.Header().Get("ETag"), strconv.Quote(digest.FromBytes(body).String()); got != want {
		t.Fatalf("ETag = %q, want %q", got, want)
	}

	got, err := zipkit.NewReader(zipkit.NewBytesSource(body)).ReadFile("report.csv")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, []byte("a,b\n1,2\n")) {
		t.Fatalf("ReadFile() = %q", got)
	}
}

func TestServeArchiveBuildFailure(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	errBuild := errors.New("source vanished")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(nethttp.MethodGet, "/x.zip", nil)

	err := zhttp.ServeArchive(rec, req, "x.zip", func(*zipkit.Writer) error {
		return errBuild
	}, zipkit.WithTempDir(tmp))
	if !errors.Is(err, errBuild) {
		t.Fatalf("ServeArchive() error = %v, want %v", err, errBuild)
	}
	if rec.Code != nethttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	assertEmptyDir(t, tmp)
}

func TestServeArchiveCanceledRequest(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(nethttp.MethodGet, "/x.zip", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	err := zhttp.ServeArchive(rec, req, "x.zip", func(*zipkit.Writer) error {
		cancel()
		return nil
	}, zipkit.WithTempDir(tmp))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ServeArchive() error = %v, want context.Canceled", err)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body has %d bytes, want none", rec.Body.Len())
	}
	assertEmptyDir(t, tmp)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("%s has %d entries, want none", dir, len(entries))
	}
}
