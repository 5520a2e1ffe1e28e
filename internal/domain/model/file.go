// Пакет model — доменные модели Download Engine.
// FileRecord — единая запись о файле: статус жизненного цикла,
// метаданные от сервера и локальное расположение скачанного payload.
// Используется как in-memory представление и как формат записи на диске.
package model

import (
	"fmt"
	"time"
)

// FileStatus — статус файла в жизненном цикле скачивания.
type FileStatus string

const (
	// StatusQueued — файл известен, сервер ещё готовит ссылку
	StatusQueued FileStatus = "Queued"
	// StatusDownloading — активна передача данных
	StatusDownloading FileStatus = "Downloading"
	// StatusDownloaded — payload на диске (конечный успешный статус)
	StatusDownloaded FileStatus = "Downloaded"
	// StatusFailed — передача или обработка на сервере завершились ошибкой
	StatusFailed FileStatus = "Failed"
)

// ParseStatus преобразует строку в FileStatus.
func ParseStatus(s string) (FileStatus, error) {
	switch st := FileStatus(s); st {
	case StatusQueued, StatusDownloading, StatusDownloaded, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: Queued, Downloading, Downloaded, Failed", s)
	}
}

// FileRecord — запись о файле. Соответствует содержимому
// {file_id}.record.json на диске и строке таблицы files в PostgreSQL.
type FileRecord struct {
	// FileID — глобально уникальный идентификатор файла (неизменяемый)
	FileID string `json:"file_id"`

	// Key — отображаемое имя (ключ объекта на сервере)
	Key string `json:"key,omitempty"`

	// Status — текущий статус жизненного цикла
	Status FileStatus `json:"status"`

	// PublishDate — дата публикации (UTC, без времени)
	PublishDate *time.Time `json:"publish_date,omitempty"`

	// Size — размер в байтах, известен после DownloadReady
	Size *int64 `json:"size,omitempty"`

	// RemoteURL — ссылка для скачивания, есть только когда файл готов
	RemoteURL string `json:"remote_url,omitempty"`

	Title        string `json:"title,omitempty"`
	AuthorName   string `json:"author_name,omitempty"`
	AuthorUser   string `json:"author_user,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	Description  string `json:"description,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`

	// Duration — длительность видео в секундах
	Duration *int64 `json:"duration,omitempty"`

	// UploadDate — дата загрузки на исходный ресурс в формате YYYYMMDD
	UploadDate string `json:"upload_date,omitempty"`

	// ViewCount — количество просмотров
	ViewCount *int64 `json:"view_count,omitempty"`

	// LocalPath — абсолютный путь к payload на диске (только Downloaded)
	LocalPath string `json:"local_path,omitempty"`

	// Checksum — SHA-256 содержимого скачанного payload
	Checksum string `json:"checksum,omitempty"`

	// Failure — причина последней ошибки (только Failed)
	Failure *Failure `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDownloaded проверяет, что файл скачан.
func (r *FileRecord) IsDownloaded() bool {
	return r.Status == StatusDownloaded
}

// Clone возвращает глубокую копию записи.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	if r.PublishDate != nil {
		d := *r.PublishDate
		c.PublishDate = &d
	}
	c.Size = clonePtr(r.Size)
	c.Duration = clonePtr(r.Duration)
	c.ViewCount = clonePtr(r.ViewCount)
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	return &c
}

// FilePatch — частичная запись для merge-upsert.
// nil-поле означает «неизвестно» и никогда не затирает известное значение.
// Явная очистка возможна только для Failure (ClearFailure).
type FilePatch struct {
	FileID string

	Key          *string
	Status       *FileStatus
	PublishDate  *time.Time
	Size         *int64
	RemoteURL    *string
	Title        *string
	AuthorName   *string
	AuthorUser   *string
	ContentType  *string
	Description  *string
	ThumbnailURL *string
	Duration     *int64
	UploadDate   *string
	ViewCount    *int64
	LocalPath    *string
	Checksum     *string
	Failure      *Failure

	// ClearFailure — удалить причину ошибки (перезапуск после Failed)
	ClearFailure bool
}

// IsEmpty возвращает true, если патч не меняет ни одного поля.
func (p *FilePatch) IsEmpty() bool {
	return p.Key == nil && p.Status == nil && p.PublishDate == nil && p.Size == nil &&
		p.RemoteURL == nil && p.Title == nil && p.AuthorName == nil && p.AuthorUser == nil &&
		p.ContentType == nil && p.Description == nil && p.ThumbnailURL == nil &&
		p.Duration == nil && p.UploadDate == nil && p.ViewCount == nil &&
		p.LocalPath == nil && p.Checksum == nil && p.Failure == nil && !p.ClearFailure
}

// NewRecord создаёт запись со статусом Queued из патча.
func NewRecord(p *FilePatch, now time.Time) *FileRecord {
	r := &FileRecord{
		FileID:    p.FileID,
		Status:    StatusQueued,
		CreatedAt: now,
	}
	r.Apply(p, now)
	return r
}

// Apply применяет патч к записи по правилам merge:
// присутствующие поля перезаписываются, отсутствующие сохраняются.
func (r *FileRecord) Apply(p *FilePatch, now time.Time) {
	setString(&r.Key, p.Key)
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.PublishDate != nil {
		d := p.PublishDate.UTC()
		r.PublishDate = &d
	}
	setInt(&r.Size, p.Size)
	setString(&r.RemoteURL, p.RemoteURL)
	setString(&r.Title, p.Title)
	setString(&r.AuthorName, p.AuthorName)
	setString(&r.AuthorUser, p.AuthorUser)
	setString(&r.ContentType, p.ContentType)
	setString(&r.Description, p.Description)
	setString(&r.ThumbnailURL, p.ThumbnailURL)
	setInt(&r.Duration, p.Duration)
	setString(&r.UploadDate, p.UploadDate)
	setInt(&r.ViewCount, p.ViewCount)
	setString(&r.LocalPath, p.LocalPath)
	setString(&r.Checksum, p.Checksum)
	if p.ClearFailure {
		r.Failure = nil
	}
	if p.Failure != nil {
		f := *p.Failure
		r.Failure = &f
	}
	r.UpdatedAt = now
}

// Ptr возвращает указатель на копию значения.
func Ptr[T any](v T) *T {
	return &v
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst **int64, src *int64) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
