package notification

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// TestParse_Metadata проверяет разбор MetadataNotification.
func TestParse_Metadata(t *testing.T) {
	ev := Parse(map[string]any{
		"notificationType": "MetadataNotification",
		"file": map[string]any{
			"fileId":      "abc",
			"key":         "clip.mp4",
			"title":       "X",
			"authorName":  "Автор",
			"contentType": "video/mp4",
			"size":        float64(1024),
			"duration":    json.Number("61"),
			"viewCount":   "1500",
			"publishDate": "20250301",
			"unknownKey":  true,
		},
	})

	if ev.Kind != model.EventMetadataReady {
		t.Fatalf("Kind = %s, ожидался MetadataReady (reason=%s)", ev.Kind, ev.Reason)
	}
	if ev.FileID != "abc" {
		t.Errorf("FileID = %q", ev.FileID)
	}
	m := ev.Metadata
	if m.Title != "X" || m.AuthorName != "Автор" || m.Key != "clip.mp4" {
		t.Errorf("строковые поля разобраны неверно: %+v", m)
	}
	if m.Size == nil || *m.Size != 1024 {
		t.Errorf("Size = %v, ожидалось 1024", m.Size)
	}
	if m.Duration == nil || *m.Duration != 61 {
		t.Errorf("Duration = %v, ожидалось 61", m.Duration)
	}
	if m.ViewCount == nil || *m.ViewCount != 1500 {
		t.Errorf("ViewCount = %v, ожидалось 1500", m.ViewCount)
	}
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if m.PublishDate == nil || !m.PublishDate.Equal(want) {
		t.Errorf("PublishDate = %v, ожидалось %v", m.PublishDate, want)
	}
}

// TestParse_MetadataBadDate проверяет, что нераспознанная дата не ломает разбор.
func TestParse_MetadataBadDate(t *testing.T) {
	ev := Parse(map[string]any{
		"notificationType": TypeMetadata,
		"file":             map[string]any{"fileId": "a", "key": "k", "publishDate": "вчера"},
	})
	if ev.Kind != model.EventMetadataReady {
		t.Fatalf("Kind = %s, ожидался MetadataReady", ev.Kind)
	}
	if ev.Metadata.PublishDate != nil {
		t.Errorf("PublishDate должен отсутствовать, получено %v", ev.Metadata.PublishDate)
	}
}

// TestParse_DownloadReady проверяет разбор DownloadReadyNotification.
func TestParse_DownloadReady(t *testing.T) {
	ev := Parse(map[string]any{
		"notificationType": TypeDownloadReady,
		"file": map[string]any{
			"fileId": "abc",
			"key":    "clip.mp4",
			"url":    "https://cdn.example.com/abc.mp4?sig=1",
			"size":   2048,
		},
	})
	if ev.Kind != model.EventDownloadReady {
		t.Fatalf("Kind = %s, ожидался DownloadReady (reason=%s)", ev.Kind, ev.Reason)
	}
	if ev.URL != "https://cdn.example.com/abc.mp4?sig=1" || ev.Size != 2048 {
		t.Errorf("URL/Size разобраны неверно: %q %d", ev.URL, ev.Size)
	}
	if ev.Metadata == nil || ev.Metadata.Key != "clip.mp4" {
		t.Error("ключ должен передаваться в минимальных метаданных")
	}
}

// TestParse_Failure проверяет разбор FailureNotification.
func TestParse_Failure(t *testing.T) {
	ev := Parse(map[string]any{
		"notificationType": TypeFailure,
		"file": map[string]any{
			"fileId":        "abc",
			"title":         "Видео",
			"errorCategory": "transcode",
			"errorMessage":  "unsupported codec",
		},
	})
	if ev.Kind != model.EventFailed {
		t.Fatalf("Kind = %s, ожидался Failed", ev.Kind)
	}
	if ev.TransferID != "" {
		t.Error("серверная ошибка не должна нести TransferID")
	}
	if ev.Failure.Kind != model.FailurePermanent || ev.Failure.Reason != model.ReasonServerProcessing {
		t.Errorf("Failure = %+v", ev.Failure)
	}
	if ev.Failure.Message != "transcode: unsupported codec" {
		t.Errorf("Message = %q", ev.Failure.Message)
	}
	if ev.Metadata == nil || ev.Metadata.Title != "Видео" {
		t.Error("title должен сохраняться")
	}
}

func TestParse_Queued(t *testing.T) {
	ev := Parse(map[string]any{
		"notificationType": TypeQueued,
		"file":             map[string]any{"fileId": "q1"},
	})
	if ev.Kind != model.EventQueued || ev.FileID != "q1" {
		t.Errorf("ожидался Queued(q1), получено %s(%s)", ev.Kind, ev.FileID)
	}
}

// TestInterpret_Malformed проверяет, что некорректные payload дают Unknown
// и MalformedNotificationError, не вызывая панику.
func TestInterpret_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"nil", nil},
		{"пустой", map[string]any{}},
		{"без типа", map[string]any{"file": map[string]any{"fileId": "a"}}},
		{"тип не строка", map[string]any{"notificationType": 42, "file": map[string]any{}}},
		{"неизвестный тип", map[string]any{"notificationType": "Foo", "file": map[string]any{"fileId": "a"}}},
		{"file не объект", map[string]any{"notificationType": TypeMetadata, "file": "abc"}},
		{"metadata без key", map[string]any{"notificationType": TypeMetadata, "file": map[string]any{"fileId": "a"}}},
		{"metadata пустой fileId", map[string]any{"notificationType": TypeMetadata, "file": map[string]any{"fileId": "", "key": "k"}}},
		{"metadata title число", map[string]any{"notificationType": TypeMetadata, "file": map[string]any{"fileId": "a", "key": "k", "title": 5}}},
		{"metadata дробный size", map[string]any{"notificationType": TypeMetadata, "file": map[string]any{"fileId": "a", "key": "k", "size": 1.5}}},
		{"ready без url", map[string]any{"notificationType": TypeDownloadReady, "file": map[string]any{"fileId": "a", "key": "k", "size": 1}}},
		{"ready относительный url", map[string]any{"notificationType": TypeDownloadReady, "file": map[string]any{"fileId": "a", "key": "k", "url": "/a.mp4", "size": 1}}},
		{"ready ftp url", map[string]any{"notificationType": TypeDownloadReady, "file": map[string]any{"fileId": "a", "key": "k", "url": "ftp://h/a", "size": 1}}},
		{"ready size строка", map[string]any{"notificationType": TypeDownloadReady, "file": map[string]any{"fileId": "a", "key": "k", "url": "https://h/a", "size": "много"}}},
		{"ready отрицательный size", map[string]any{"notificationType": TypeDownloadReady, "file": map[string]any{"fileId": "a", "key": "k", "url": "https://h/a", "size": -1}}},
		{"failure без message", map[string]any{"notificationType": TypeFailure, "file": map[string]any{"fileId": "a", "errorCategory": "x"}}},
		{"несериализуемое значение", map[string]any{"notificationType": TypeQueued, "file": map[string]any{"fileId": "a", "ch": make(chan int)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Interpret(tt.payload)
			if ev.Kind != model.EventUnknown {
				t.Errorf("Kind = %s, ожидался Unknown", ev.Kind)
			}
			var merr *model.MalformedNotificationError
			if !errors.As(err, &merr) {
				t.Fatalf("ожидалась MalformedNotificationError, получено %v", err)
			}
			if !errors.Is(err, model.ErrMalformedNotification) {
				t.Error("ошибка должна соответствовать ErrMalformedNotification")
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	body := []byte(`{"notificationType":"DownloadReadyNotification","file":{"fileId":"j1","key":"k","url":"http://h/x","size":99}}`)
	ev := ParseJSON(body)
	if ev.Kind != model.EventDownloadReady || ev.Size != 99 {
		t.Errorf("ожидался DownloadReady(size=99), получено %s(%d)", ev.Kind, ev.Size)
	}

	for _, bad := range []string{``, `null`, `[1,2]`, `{"notificationType":`} {
		if ev := ParseJSON([]byte(bad)); ev.Kind != model.EventUnknown {
			t.Errorf("ParseJSON(%q): ожидался Unknown, получено %s", bad, ev.Kind)
		}
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"20240115", "2024-01-15"},
		{"2024-01-15", "2024-01-15"},
		{" 20240115 ", "2024-01-15"},
		{"2024/01/15", ""},
		{"20241315", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := ParseDate(tt.in)
		if tt.want == "" {
			if got != nil {
				t.Errorf("ParseDate(%q) = %v, ожидался nil", tt.in, got)
			}
			continue
		}
		if got == nil || got.Format("2006-01-02") != tt.want || got.Location() != time.UTC {
			t.Errorf("ParseDate(%q) = %v, ожидалось %s UTC", tt.in, got, tt.want)
		}
	}
}
