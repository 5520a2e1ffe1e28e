// Пакет jsonfile — атомарная запись и чтение JSON-документов на диске.
// Используется файловым хранилищем записей и журналом передач.
// Запись: JSON → temp файл → fsync → atomic rename → fsync директории.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// MaxDocumentSize — максимальный размер документа (64 КБ).
// Описание файла может быть длинным, но не бесконечным.
const MaxDocumentSize = 64 << 10

// ErrTooLarge — документ превышает MaxDocumentSize.
var ErrTooLarge = errors.New("документ превышает допустимый размер")

// FileName возвращает безопасное имя файла для идентификатора:
// идентификатор экранируется, чтобы не выходить за пределы директории.
// Пример: ("a/b", ".record.json") → "a%2Fb.record.json"
func FileName(id, suffix string) string {
	name := url.PathEscape(id)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name + suffix
}

// IDFromFileName восстанавливает идентификатор из имени файла FileName.
func IDFromFileName(name, suffix string) (string, error) {
	return url.PathUnescape(strings.TrimSuffix(name, suffix))
}

// Write атомарно записывает v в path.
func Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}
	if len(data) > MaxDocumentSize {
		return fmt.Errorf("%w: %d байт, максимум %d", ErrTooLarge, len(data), MaxDocumentSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return SyncDir(dir)
}

// Read читает и десериализует документ из path.
// Отсутствующий файл возвращает ошибку, совместимую с fs.ErrNotExist.
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ошибка десериализации %s: %w", path, err)
	}
	return nil
}

// Delete удаляет документ. Отсутствие файла не является ошибкой.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления %s: %w", path, err)
	}
	return SyncDir(filepath.Dir(path))
}

// Glob возвращает пути всех документов с суффиксом suffix в dir.
// Не рекурсивный. Временные *.tmp файлы не попадают в результат.
func Glob(dir, suffix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}
	return matches, nil
}

// SyncDir выполняет fsync директории, фиксируя rename/unlink.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ошибка открытия директории %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync директории %s: %w", dir, err)
	}
	return nil
}
