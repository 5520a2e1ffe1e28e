// errors.go — закрытая таксономия ошибок движка.
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedNotification — payload не соответствует ни одной известной форме.
	ErrMalformedNotification = errors.New("некорректное push-уведомление")
	// ErrStorage — не удалось зафиксировать запись в хранилище.
	ErrStorage = errors.New("ошибка хранилища")
	// ErrTransferConflict — для файла уже есть активная передача.
	ErrTransferConflict = errors.New("передача уже активна")
	// ErrTransferFailed — передача завершилась ошибкой.
	ErrTransferFailed = errors.New("ошибка передачи")
	// ErrTimeoutExceeded — передача не получала данных дольше таймаута.
	ErrTimeoutExceeded = errors.New("превышен таймаут бездействия передачи")
)

// MalformedNotificationError — ошибка разбора push-уведомления.
type MalformedNotificationError struct {
	NotificationType string
	Reason           string
}

func (e *MalformedNotificationError) Error() string {
	if e.NotificationType == "" {
		return fmt.Sprintf("%s: %s", ErrMalformedNotification, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrMalformedNotification, e.NotificationType, e.Reason)
}

func (e *MalformedNotificationError) Is(target error) bool {
	return target == ErrMalformedNotification
}

// StorageError — ошибка фиксации записи в FileRecord Store.
type StorageError struct {
	Op     string
	FileID string
	Err    error
}

func (e *StorageError) Error() string {
	if e.FileID == "" {
		return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrStorage, e.Op, e.FileID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// TransferConflictError — попытка повторного старта активной передачи.
type TransferConflictError struct {
	FileID           string
	ActiveTransferID string
}

func (e *TransferConflictError) Error() string {
	return fmt.Sprintf("%s: file_id=%s transfer_id=%s", ErrTransferConflict, e.FileID, e.ActiveTransferID)
}

func (e *TransferConflictError) Is(target error) bool {
	return target == ErrTransferConflict
}

// TransferFailedError — ошибка передачи с классом transient/permanent.
// TimeoutExceeded — частный случай с причиной timeout.
type TransferFailedError struct {
	FileID  string
	Failure Failure
	Err     error
}

func (e *TransferFailedError) Error() string {
	msg := fmt.Sprintf("%s (%s/%s): file_id=%s", ErrTransferFailed, e.Failure.Kind, e.Failure.Reason, e.FileID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferFailedError) Unwrap() error { return e.Err }

func (e *TransferFailedError) Is(target error) bool {
	if target == ErrTransferFailed {
		return true
	}
	return target == ErrTimeoutExceeded && e.Failure.Reason == ReasonTimeout
}

// ErrorKind — класс ошибки для исчерпывающего сопоставления.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindMalformedNotification ErrorKind = "MALFORMED_NOTIFICATION"
	KindStorage               ErrorKind = "STORAGE_ERROR"
	KindTransferConflict      ErrorKind = "TRANSFER_CONFLICT"
	KindTransferTransient     ErrorKind = "TRANSFER_FAILED_TRANSIENT"
	KindTransferPermanent     ErrorKind = "TRANSFER_FAILED_PERMANENT"
	KindTimeoutExceeded       ErrorKind = "TIMEOUT_EXCEEDED"
	KindInternal              ErrorKind = "INTERNAL_ERROR"
)

// Classify сопоставляет ошибку с таксономией.
// Ошибки вне таксономии возвращают KindInternal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		malformed *MalformedNotificationError
		storage   *StorageError
		conflict  *TransferConflictError
		failed    *TransferFailedError
	)
	switch {
	case errors.As(err, &malformed):
		return KindMalformedNotification
	case errors.As(err, &storage):
		return KindStorage
	case errors.As(err, &conflict):
		return KindTransferConflict
	case errors.As(err, &failed):
		if failed.Failure.Reason == ReasonTimeout {
			return KindTimeoutExceeded
		}
		if failed.Failure.Kind == FailurePermanent {
			return KindTransferPermanent
		}
		return KindTransferTransient
	default:
		return KindInternal
	}
}
