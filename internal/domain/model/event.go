package model

import "time"

// EventKind — тип события жизненного цикла.
type EventKind string

const (
	// EventUnknown — нераспознанное или некорректное уведомление
	EventUnknown EventKind = "Unknown"
	// EventQueued — файл поставлен в очередь на сервере
	EventQueued EventKind = "Queued"
	// EventMetadataReady — получены описательные метаданные
	EventMetadataReady EventKind = "MetadataReady"
	// EventDownloadReady — готова ссылка для скачивания
	EventDownloadReady EventKind = "DownloadReady"
	// EventProgress — прогресс активной передачи
	EventProgress EventKind = "Progress"
	// EventCompleted — payload скачан и перемещён в постоянный путь
	EventCompleted EventKind = "Completed"
	// EventFailed — передача или серверная обработка завершились ошибкой
	EventFailed EventKind = "Failed"
)

// Metadata — описательные поля файла из push-уведомления.
// Пустая строка и nil означают «не передано».
type Metadata struct {
	Key          string
	Title        string
	AuthorName   string
	AuthorUser   string
	ContentType  string
	Description  string
	ThumbnailURL string
	UploadDate   string
	Size         *int64
	Duration     *int64
	ViewCount    *int64
	PublishDate  *time.Time
}

// Event — событие жизненного цикла (не персистится).
// Набор заполненных полей зависит от Kind.
type Event struct {
	Kind   EventKind
	FileID string

	// TransferID — идентификатор передачи-источника (только события
	// от Transfer Coordinator). Пустой для событий из уведомлений.
	TransferID string

	// Metadata — для MetadataReady и DownloadReady (минимальные поля)
	Metadata *Metadata

	// URL и Size — для DownloadReady
	URL  string
	Size int64

	// Percent — для Progress (0..100)
	Percent int

	// LocalPath, Checksum, Bytes — для Completed
	LocalPath string
	Checksum  string
	Bytes     int64

	// Failure — для Failed
	Failure *Failure

	// Reason — причина Unknown (для логов)
	Reason string
}

// QueuedEvent создаёт событие Queued.
func QueuedEvent(fileID string) Event {
	return Event{Kind: EventQueued, FileID: fileID}
}

// MetadataReadyEvent создаёт событие MetadataReady.
func MetadataReadyEvent(fileID string, meta Metadata) Event {
	return Event{Kind: EventMetadataReady, FileID: fileID, Metadata: &meta}
}

// DownloadReadyEvent создаёт событие DownloadReady.
func DownloadReadyEvent(fileID, url string, size int64) Event {
	return Event{Kind: EventDownloadReady, FileID: fileID, URL: url, Size: size}
}

// ProgressEvent создаёт событие Progress.
func ProgressEvent(fileID, transferID string, percent int) Event {
	return Event{Kind: EventProgress, FileID: fileID, TransferID: transferID, Percent: percent}
}

// CompletedEvent создаёт событие Completed.
func CompletedEvent(fileID, transferID, localPath string) Event {
	return Event{Kind: EventCompleted, FileID: fileID, TransferID: transferID, LocalPath: localPath}
}

// FailedEvent создаёт событие Failed.
func FailedEvent(fileID, transferID string, f Failure) Event {
	return Event{Kind: EventFailed, FileID: fileID, TransferID: transferID, Failure: &f}
}

// UnknownEvent создаёт событие Unknown с причиной.
func UnknownEvent(reason string) Event {
	return Event{Kind: EventUnknown, Reason: reason}
}
