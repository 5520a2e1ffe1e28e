// Пакет payload — физические файлы скачанных данных.
// Частичные данные пишутся в partial/{file_id}.part, после завершения
// передачи файл атомарно перемещается в постоянный путь
// {data_dir}/{file_id}{ext} с подсчётом SHA-256.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bigkaa/download-engine/internal/storage/jsonfile"
)

const (
	partialDirName = "partial"
	partialSuffix  = ".part"
	maxExtLen      = 10
)

// Store — управление файлами payload на диске.
type Store struct {
	// dataDir — корневая директория скачанных файлов
	dataDir string
	// partialDir — директория частично скачанных файлов
	partialDir string
}

// Result — результат перемещения payload в постоянный путь.
type Result struct {
	// Path — абсолютный путь файла
	Path string
	// Size — размер в байтах
	Size int64
	// Checksum — SHA-256 хэш содержимого
	Checksum string
}

// New создаёт Store. Проверяет и создаёт директории
// если они не существуют.
func New(dataDir string) (*Store, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("некорректный путь данных %s: %w", dataDir, err)
	}
	partial := filepath.Join(abs, partialDirName)
	if err := os.MkdirAll(partial, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", partial, err)
	}
	return &Store{dataDir: abs, partialDir: partial}, nil
}

// PartialPath возвращает путь к частичному файлу передачи.
func (s *Store) PartialPath(fileID string) string {
	return filepath.Join(s.partialDir, jsonfile.FileName(fileID, partialSuffix))
}

// FinalPath возвращает постоянный путь payload для file_id и расширения.
func (s *Store) FinalPath(fileID, ext string) string {
	return filepath.Join(s.dataDir, jsonfile.FileName(fileID, SanitizeExt(ext)))
}

// OpenPartial открывает частичный файл для дозаписи с позиции offset.
// offset == 0 — файл создаётся заново. Данные после offset отбрасываются.
func (s *Store) OpenPartial(fileID string, offset int64) (*os.File, error) {
	p := s.PartialPath(fileID)

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(p, flags, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия частичного файла %s: %w", p, err)
	}

	if offset > 0 {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, fmt.Errorf("ошибка усечения частичного файла %s: %w", p, err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("ошибка позиционирования в %s: %w", p, err)
		}
	}
	return f, nil
}

// PartialSize возвращает размер частичного файла (0 — файла нет).
func (s *Store) PartialSize(fileID string) int64 {
	info, err := os.Stat(s.PartialPath(fileID))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Finalize перемещает частичный файл в постоянный путь.
// Паттерн: fsync → SHA-256 → atomic rename → fsync директории.
func (s *Store) Finalize(fileID, ext string) (*Result, error) {
	src := s.PartialPath(fileID)
	dst := s.FinalPath(fileID, ext)

	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия частичного файла: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка вычисления checksum: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	if err := jsonfile.SyncDir(s.dataDir); err != nil {
		return nil, err
	}

	return &Result{
		Path:     dst,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// RemovePartial удаляет частичный файл. Отсутствие файла не является ошибкой.
func (s *Store) RemovePartial(fileID string) error {
	return removeIfExists(s.PartialPath(fileID))
}

// Remove удаляет payload по абсолютному пути, если он лежит в dataDir.
func (s *Store) Remove(fullPath string) error {
	if fullPath == "" {
		return nil
	}
	if !s.Owns(fullPath) {
		return fmt.Errorf("путь %s вне директории данных", fullPath)
	}
	return removeIfExists(fullPath)
}

// Owns проверяет, что путь находится внутри dataDir.
func (s *Store) Owns(fullPath string) bool {
	rel, err := filepath.Rel(s.dataDir, filepath.Clean(fullPath))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Exists проверяет существование обычного файла.
func (s *Store) Exists(fullPath string) bool {
	info, err := os.Stat(fullPath)
	return err == nil && info.Mode().IsRegular()
}

// ComputeChecksum вычисляет SHA-256 хэш существующего файла.
// Используется при reconciliation для проверки целостности.
func (s *Store) ComputeChecksum(fullPath string) (string, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", fullPath, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", fullPath, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Purge удаляет все payload и частичные файлы.
func (s *Store) Purge() (int, error) {
	removed := 0
	for _, dir := range []string{s.dataDir, s.partialDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if err := removeIfExists(filepath.Join(dir, e.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// ListPartials возвращает file_id всех частичных файлов.
func (s *Store) ListPartials() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.partialDir, "*"+partialSuffix))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id, err := jsonfile.IDFromFileName(filepath.Base(m), partialSuffix)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DataDir возвращает путь к директории данных.
func (s *Store) DataDir() string {
	return s.dataDir
}

// ExtFromName возвращает расширение имени файла или пути URL.
// Пример: "clip.mp4" → ".mp4", "https://h/a/b.webm?sig=1" → ".webm"
func ExtFromName(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return SanitizeExt(path.Ext(name))
}

// SanitizeExt оставляет в расширении только латинские буквы и цифры.
// Пустое или слишком длинное расширение даёт "".
func SanitizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || len(ext) > maxExtLen {
		return ""
	}
	var b strings.Builder
	b.WriteByte('.')
	for _, r := range ext {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			return ""
		}
	}
	return b.String()
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", p, err)
	}
	return nil
}
