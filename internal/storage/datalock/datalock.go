// Пакет datalock — эксклюзивная блокировка директории данных через flock().
//
// Движок владеет payload, журналом и файловыми записями в DE_DATA_DIR.
// Второй процесс на той же директории запускал бы параллельные передачи
// тех же file_id, поэтому при старте захватывается {dataDir}/.engine.lock,
// а в .engine.info записывается владелец (hostname, pid, время захвата).
package datalock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// lockFile — имя файла блокировки.
	lockFile = ".engine.lock"
	// infoFile — имя файла с описанием владельца.
	infoFile = ".engine.info"
)

// ErrLocked — директория данных занята другим процессом.
var ErrLocked = errors.New("директория данных занята другим процессом")

// Owner — владелец блокировки.
type Owner struct {
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockedError — блокировка занята, Owner прочитан из .engine.info (может быть nil).
type LockedError struct {
	Owner *Owner
}

func (e *LockedError) Error() string {
	if e.Owner == nil {
		return ErrLocked.Error()
	}
	return fmt.Sprintf("%s: %s (pid %d) с %s", ErrLocked.Error(),
		e.Owner.Hostname, e.Owner.PID, e.Owner.AcquiredAt.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// Lock — захваченная блокировка директории данных.
type Lock struct {
	dir    string
	file   *os.File
	logger *slog.Logger
}

// Acquire неблокирующе захватывает блокировку dataDir.
// Если блокировка занята — *LockedError (errors.Is(err, ErrLocked)).
func Acquire(dataDir string, logger *slog.Logger) (*Lock, error) {
	logger = logger.With(slog.String("component", "datalock"))
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	lockPath := filepath.Join(dataDir, lockFile)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть lock-файл %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &LockedError{Owner: readOwner(dataDir)}
		}
		return nil, fmt.Errorf("ошибка flock %s: %w", lockPath, err)
	}

	l := &Lock{dir: dataDir, file: f, logger: logger}
	owner := currentOwner()
	if err := l.writeOwner(owner); err != nil {
		// Блокировка действует и без .engine.info
		logger.Warn("Ошибка записи .engine.info", slog.String("error", err.Error()))
	}
	logger.Info("Директория данных заблокирована",
		slog.String("dir", dataDir),
		slog.Int("pid", owner.PID),
	)
	return l, nil
}

// Release снимает блокировку и удаляет .engine.info. Повторный вызов безопасен.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = os.Remove(filepath.Join(l.dir, infoFile))
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
	l.logger.Info("Блокировка директории данных снята")
}

// writeOwner атомарно записывает .engine.info (tmp + rename).
func (l *Lock) writeOwner(owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	tmp := filepath.Join(l.dir, infoFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(l.dir, infoFile))
}

// readOwner читает .engine.info. Ошибки чтения дают nil.
func readOwner(dataDir string) *Owner {
	data, err := os.ReadFile(filepath.Join(dataDir, infoFile))
	if err != nil {
		return nil
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil
	}
	return &owner
}

func currentOwner() Owner {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Owner{
		Hostname:   hostname,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
}
