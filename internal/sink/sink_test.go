package sink

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSurface — поверхность с настраиваемым поведением.
type fakeSurface struct {
	name   string
	sendFn func(ctx context.Context, u Update) error

	mu  sync.Mutex
	got []Update
}

func (f *fakeSurface) Name() string { return f.name }

func (f *fakeSurface) Send(ctx context.Context, u Update) error {
	if f.sendFn != nil {
		if err := f.sendFn(ctx, u); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, u)
	return nil
}

func (f *fakeSurface) updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Update(nil), f.got...)
}

func (f *fakeSurface) waitCount(t *testing.T, n int) []Update {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.updates(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("поверхность %s: ожидалось %d обновлений, получено %d", f.name, n, len(f.updates()))
	return nil
}

func TestUpdate_Terminal(t *testing.T) {
	tests := []struct {
		status model.FileStatus
		want   bool
	}{
		{model.StatusQueued, false},
		{model.StatusDownloading, false},
		{model.StatusDownloaded, true},
		{model.StatusFailed, true},
	}
	for _, tt := range tests {
		if got := (Update{Status: tt.status}).Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, ожидалось %v", tt.status, got, tt.want)
		}
	}
}

func TestPublish_Delivered(t *testing.T) {
	surface := &fakeSurface{name: "fake"}
	s := New(Config{}, testLogger(), surface)
	defer s.Close()

	s.Publish(Update{FileID: "f1", Status: model.StatusQueued})
	got := surface.waitCount(t, 1)
	if got[0].FileID != "f1" || got[0].Status != model.StatusQueued {
		t.Errorf("получено %+v", got[0])
	}
}

// TestPublish_LatestWins проверяет вытеснение промежуточного прогресса
// и то, что терминальное обновление не вытесняется следующим.
func TestPublish_LatestWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	surface := &fakeSurface{name: "slow", sendFn: func(context.Context, Update) error {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-release
		}
		return nil
	}}
	s := New(Config{SendTimeout: time.Minute}, testLogger(), surface)
	defer s.Close()

	s.Publish(Update{FileID: "f1", Status: model.StatusDownloading})
	<-started

	// Пока поверхность занята, обновления копятся в слоте
	s.Publish(Update{FileID: "f1", Status: model.StatusDownloading, Percent: 10})
	s.Publish(Update{FileID: "f1", Status: model.StatusDownloading, Percent: 20})
	s.Publish(Update{FileID: "f1", Status: model.StatusDownloading, Percent: 30})
	s.Publish(Update{FileID: "f1", Status: model.StatusFailed, ErrorMessage: "сеть"})
	s.Publish(Update{FileID: "f1", Status: model.StatusDownloading, Percent: 5})
	s.Publish(Update{FileID: "f2", Status: model.StatusQueued})
	close(release)

	got := surface.waitCount(t, 4)
	want := []Update{
		{FileID: "f1", Status: model.StatusDownloading},
		{FileID: "f1", Status: model.StatusFailed, ErrorMessage: "сеть"},
		{FileID: "f1", Status: model.StatusDownloading, Percent: 5},
		{FileID: "f2", Status: model.StatusQueued},
	}
	if len(got) != len(want) {
		t.Fatalf("получено %d обновлений, ожидалось %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("обновление %d = %+v, ожидалось %+v", i, got[i], want[i])
		}
	}
}

// TestPublish_SurfaceFailureIsolated проверяет, что ошибка одной поверхности
// не мешает доставке на другие.
func TestPublish_SurfaceFailureIsolated(t *testing.T) {
	failing := &fakeSurface{name: "broken", sendFn: func(context.Context, Update) error {
		return errors.New("брокер недоступен")
	}}
	ok := &fakeSurface{name: "ok"}
	s := New(Config{}, testLogger(), failing, ok)
	defer s.Close()

	s.Publish(Update{FileID: "a", Status: model.StatusQueued})
	s.Publish(Update{FileID: "b", Status: model.StatusQueued})
	ok.waitCount(t, 2)
	if n := len(failing.updates()); n != 0 {
		t.Errorf("сломанная поверхность не должна фиксировать доставки, получено %d", n)
	}
}

func TestPublish_CacheFill(t *testing.T) {
	surface := &fakeSurface{name: "fake"}
	s := New(Config{CacheSize: 8, CacheTTL: time.Hour}, testLogger(), surface)
	defer s.Close()

	s.Publish(Update{FileID: "f1", Status: model.StatusQueued, Title: "Лекция", AuthorName: "Автор"})
	surface.waitCount(t, 1)
	s.Publish(Update{FileID: "f1", Status: model.StatusFailed, ErrorMessage: "x"})
	got := surface.waitCount(t, 2)
	if got[1].Title != "Лекция" || got[1].AuthorName != "Автор" {
		t.Errorf("поля не дополнены из кэша: %+v", got[1])
	}

	s.Remember("f2", "Только заголовок", "")
	s.Remember("f2", "", "Автор 2")
	s.Publish(Update{FileID: "f2", Status: model.StatusDownloading, Percent: 1})
	got = surface.waitCount(t, 3)
	if got[2].Title != "Только заголовок" || got[2].AuthorName != "Автор 2" {
		t.Errorf("Remember не объединил поля: %+v", got[2])
	}

	s.Forget("f2")
	s.Publish(Update{FileID: "f2", Status: model.StatusFailed})
	got = surface.waitCount(t, 4)
	if got[3].Title != "" {
		t.Errorf("после Forget заголовок не ожидался: %+v", got[3])
	}
}

func TestPublish_CacheTTL(t *testing.T) {
	surface := &fakeSurface{name: "fake"}
	s := New(Config{CacheSize: 8, CacheTTL: 20 * time.Millisecond}, testLogger(), surface)
	defer s.Close()

	s.Remember("f1", "Заголовок", "")
	time.Sleep(100 * time.Millisecond)
	s.Publish(Update{FileID: "f1", Status: model.StatusQueued})
	got := surface.waitCount(t, 1)
	if got[0].Title != "" {
		t.Errorf("запись кэша должна истечь по TTL: %+v", got[0])
	}
}

// TestClose_Drains проверяет доставку накопленного при Close.
func TestClose_Drains(t *testing.T) {
	surface := &fakeSurface{name: "fake"}
	s := New(Config{}, testLogger(), surface)

	for _, id := range []string{"a", "b", "c"} {
		s.Publish(Update{FileID: id, Status: model.StatusDownloaded, Percent: 100})
	}
	s.Close()
	if n := len(surface.updates()); n != 3 {
		t.Errorf("после Close доставлено %d, ожидалось 3", n)
	}

	// Публикация после Close не блокирует и не доставляется
	s.Publish(Update{FileID: "d", Status: model.StatusQueued})
	s.Close()
	if n := len(surface.updates()); n != 3 {
		t.Errorf("обновление после Close не должно доставляться, всего %d", n)
	}
}

func TestPublish_EmptyFileID(t *testing.T) {
	surface := &fakeSurface{name: "fake"}
	s := New(Config{}, testLogger(), surface)
	s.Publish(Update{Status: model.StatusQueued})
	s.Close()
	if n := len(surface.updates()); n != 0 {
		t.Errorf("обновление без fileId не должно доставляться, получено %d", n)
	}
}

func TestLogSurface(t *testing.T) {
	l := NewLogSurface(testLogger())
	if l.Name() != "log" {
		t.Errorf("Name() = %q", l.Name())
	}
	if err := l.Send(context.Background(), Update{FileID: "f", Status: model.StatusFailed, ErrorMessage: "e"}); err != nil {
		t.Errorf("Send: %v", err)
	}
}
