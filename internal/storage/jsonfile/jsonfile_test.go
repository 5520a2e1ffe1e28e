package jsonfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type doc struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// TestWriteAndRead проверяет запись и чтение документа.
func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "a.record.json")

	if err := Write(path, doc{ID: "a", Title: "Заголовок"}); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	var got doc
	if err := Read(path, &got); err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.ID != "a" || got.Title != "Заголовок" {
		t.Errorf("прочитано %+v", got)
	}

	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, fs.ErrNotExist) {
		t.Error("временный файл должен быть удалён после rename")
	}
}

// TestWrite_Overwrite проверяет перезапись существующего документа.
func TestWrite_Overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.json")
	if err := Write(path, doc{ID: "a", Title: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := Write(path, doc{ID: "a", Title: "2"}); err != nil {
		t.Fatal(err)
	}
	var got doc
	if err := Read(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "2" {
		t.Errorf("Title = %q, ожидался 2", got.Title)
	}
}

func TestWrite_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	err := Write(path, doc{ID: "x", Title: strings.Repeat("я", MaxDocumentSize)})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидалась ErrTooLarge, получено %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Error("файл не должен создаваться")
	}
}

func TestRead_Missing(t *testing.T) {
	var d doc
	err := Read(filepath.Join(t.TempDir(), "nope.json"), &d)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ожидалась fs.ErrNotExist, получено %v", err)
	}
}

func TestRead_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{не json"), 0o640); err != nil {
		t.Fatal(err)
	}
	var d doc
	if err := Read(path, &d); err == nil {
		t.Error("ожидалась ошибка десериализации")
	}
}

// TestDelete_Idempotent проверяет, что повторное удаление не ошибка.
func TestDelete_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.json")
	if err := Write(path, doc{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := Delete(path); err != nil {
		t.Fatalf("первое удаление: %v", err)
	}
	if err := Delete(path); err != nil {
		t.Fatalf("повторное удаление: %v", err)
	}
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.record.json", "b.record.json", "c.transfer.json"} {
		if err := Write(filepath.Join(dir, name), doc{ID: name}); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "d.record.json.tmp"), []byte("{}"), 0o640)

	paths, err := Glob(dir, ".record.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Errorf("найдено %d документов, ожидалось 2: %v", len(paths), paths)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		id, want string
	}{
		{"abc", "abc.record.json"},
		{"a/b", "a%2Fb.record.json"},
		{"..", "%2E..record.json"},
		{"../etc/passwd", "%2E.%2Fetc%2Fpasswd.record.json"},
	}
	for _, tt := range tests {
		got := FileName(tt.id, ".record.json")
		if got != tt.want {
			t.Errorf("FileName(%q) = %q, ожидалось %q", tt.id, got, tt.want)
		}
		if strings.Contains(got, "/") {
			t.Errorf("FileName(%q) содержит разделитель пути", tt.id)
		}
	}
}

func TestIDFromFileName(t *testing.T) {
	for _, id := range []string{"abc", "a/b", "..", "../etc/passwd", "файл 1"} {
		got, err := IDFromFileName(FileName(id, ".part"), ".part")
		if err != nil || got != id {
			t.Errorf("IDFromFileName(FileName(%q)) = %q, %v", id, got, err)
		}
	}
}
