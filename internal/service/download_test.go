package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bigkaa/download-engine/internal/domain/model"
	"github.com/bigkaa/download-engine/internal/storage/recordstore"
)

type fakeRecords map[string]*model.FileRecord

func (f fakeRecords) Get(_ context.Context, fileID string) (*model.FileRecord, error) {
	rec, ok := f[fileID]
	if !ok {
		return nil, recordstore.ErrNotFound
	}
	return rec, nil
}

type errRecords struct{}

func (errRecords) Get(context.Context, string) (*model.FileRecord, error) {
	return nil, &model.StorageError{Op: "get", Err: errors.New("нет связи")}
}

type dirOwner string

func (d dirOwner) Owns(p string) bool {
	return strings.HasPrefix(p, string(d)+string(filepath.Separator))
}

func TestDownloadService_Serve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	records := fakeRecords{
		"a":       {FileID: "a", Status: model.StatusDownloaded, LocalPath: path, Checksum: "abc", ContentType: "video/mp4"},
		"q":       {FileID: "q", Status: model.StatusQueued},
		"gone":    {FileID: "gone", Status: model.StatusDownloaded, LocalPath: filepath.Join(dir, "gone.mp4")},
		"outside": {FileID: "outside", Status: model.StatusDownloaded, LocalPath: "/etc/passwd"},
	}
	svc := NewDownloadService(records, dirOwner(dir), testLogger())

	tests := []struct {
		name     string
		fileID   string
		rangeHdr string
		wantCode int
		wantBody string
	}{
		{"целиком", "a", "", http.StatusOK, "0123456789"},
		{"диапазон", "a", "bytes=2-4", http.StatusPartialContent, "234"},
		{"нет записи", "x", "", http.StatusNotFound, ""},
		{"не скачан", "q", "", http.StatusConflict, ""},
		{"нет на диске", "gone", "", http.StatusNotFound, ""},
		{"вне директории", "outside", "", http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+tt.fileID+"/content", nil)
			if tt.rangeHdr != "" {
				r.Header.Set("Range", tt.rangeHdr)
			}
			w := httptest.NewRecorder()

			var code int
			if derr := svc.Serve(w, r, tt.fileID); derr != nil {
				code = derr.StatusCode
			} else {
				code = w.Code
			}
			if code != tt.wantCode {
				t.Fatalf("код ответа: хотели %d, получили %d", tt.wantCode, code)
			}
			if tt.wantBody != "" {
				body, _ := io.ReadAll(w.Body)
				if string(body) != tt.wantBody {
					t.Errorf("тело: хотели %q, получили %q", tt.wantBody, body)
				}
				if w.Header().Get("ETag") != `"abc"` {
					t.Errorf("ETag = %q", w.Header().Get("ETag"))
				}
				if w.Header().Get("Content-Type") != "video/mp4" {
					t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
				}
			}
		})
	}
}

func TestDownloadService_StorageError(t *testing.T) {
	svc := NewDownloadService(errRecords{}, dirOwner("/data"), testLogger())
	r := httptest.NewRequest(http.MethodGet, "/api/v1/files/a/content", nil)
	derr := svc.Serve(httptest.NewRecorder(), r, "a")
	if derr == nil || derr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("хотели 503, получили %+v", derr)
	}
}
