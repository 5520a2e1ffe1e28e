// Пакет lifecycle — конечный автомат жизненного цикла файла.
//
// Статусы:
//   - Queued → Downloading → Downloaded (конечный успешный)
//   - Queued|Downloading → Failed (без автоматического повтора)
//   - Failed → Downloading только через новый DownloadReady (внешний повтор)
//
// Decide — чистая функция: по текущей записи и событию возвращает
// следующий статус, патч для хранилища и побочные действия.
// Сериализация по file_id — ответственность вызывающего кода (engine).
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// Коды TransitionError.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeStaleEvent        = "STALE_EVENT"
	CodeDuplicateEvent    = "DUPLICATE_EVENT"
	CodeTerminalState     = "TERMINAL_STATE"
	CodeUnknownEvent      = "UNKNOWN_EVENT"
)

// ActionKind — тип побочного действия.
type ActionKind string

const (
	// ActionStartTransfer — запустить передачу (URL, Size)
	ActionStartTransfer ActionKind = "start_transfer"
	// ActionCancelTransfer — отменить активную передачу
	ActionCancelTransfer ActionKind = "cancel_transfer"
	// ActionPublish — опубликовать статус/прогресс в Live Progress Sink
	ActionPublish ActionKind = "publish"
	// ActionRemember — обновить только кэш отображаемых полей sink
	ActionRemember ActionKind = "remember"
)

// Action — побочное действие, которое выполняет engine после записи.
type Action struct {
	Kind ActionKind

	URL  string
	Size int64

	Status       model.FileStatus
	Percent      int
	ErrorMessage string
}

// Decision — результат перехода.
type Decision struct {
	// Current — статус до события ("" — записи не было)
	Current model.FileStatus
	// Next — статус после события
	Next model.FileStatus
	// Patch — изменения для хранилища (nil — запись не нужна)
	Patch *model.FilePatch
	// Actions — побочные действия в порядке выполнения
	Actions []Action
	// Ignored — событие отброшено без изменений
	Ignored bool
	// Err — причина отбрасывания (только при Ignored)
	Err *TransitionError
}

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.FileStatus]map[model.FileStatus]bool{
	model.StatusQueued:      {model.StatusQueued: true, model.StatusDownloading: true, model.StatusFailed: true},
	model.StatusDownloading: {model.StatusDownloading: true, model.StatusDownloaded: true, model.StatusFailed: true},
	model.StatusFailed:      {model.StatusDownloading: true}, // внешний повтор
	model.StatusDownloaded:  {},                               // конечный статус
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to model.FileStatus) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Decide вычисляет переход для события.
// current == nil — файл ещё не известен: событие трактуется как неявный
// Queued, за которым сразу следует само событие. Исключение — события
// от передачи (Progress, Completed, Failed с TransferID): для неизвестного
// файла они устаревшие и не создают запись.
func Decide(current *model.FileRecord, ev model.Event) Decision {
	if ev.Kind == model.EventUnknown || ev.FileID == "" {
		return ignore("", CodeUnknownEvent, fmt.Sprintf("событие %q без file_id не обрабатывается", ev.Kind))
	}

	if current == nil {
		if isTransferSourced(ev) {
			return ignore("", CodeStaleEvent,
				fmt.Sprintf("событие %s от передачи %s для неизвестного файла", ev.Kind, ev.TransferID))
		}
		d := decideFrom(&model.FileRecord{FileID: ev.FileID, Status: model.StatusQueued}, ev)
		d.Current = ""
		if d.Ignored {
			// Неявный Queued всё равно создаёт запись
			d.Ignored = false
			d.Err = nil
			d.Next = model.StatusQueued
			d.Patch = &model.FilePatch{FileID: ev.FileID}
			d.Actions = []Action{{Kind: ActionPublish, Status: model.StatusQueued}}
		}
		d.Patch.Status = model.Ptr(d.Next)
		return d
	}

	if current.Status == model.StatusDownloaded {
		return ignore(current.Status, CodeTerminalState,
			fmt.Sprintf("файл %s уже скачан, событие %s игнорируется", ev.FileID, ev.Kind))
	}

	d := decideFrom(current, ev)
	if !d.Ignored && d.Patch != nil {
		d.Patch = prune(current, d.Patch)
	}
	return d
}

// decideFrom реализует таблицу переходов для существующей записи.
func decideFrom(cur *model.FileRecord, ev model.Event) Decision {
	from := cur.Status

	switch ev.Kind {
	case model.EventQueued:
		// Поздний Queued никогда не откатывает статус
		return ignore(from, CodeDuplicateEvent, fmt.Sprintf("файл %s уже в статусе %s", ev.FileID, from))

	case model.EventMetadataReady:
		if ev.Metadata == nil {
			return ignore(from, CodeInvalidTransition, "MetadataReady без метаданных")
		}
		d := Decision{Current: from, Next: from, Patch: metadataPatch(ev.FileID, ev.Metadata)}
		if from == model.StatusQueued {
			d.Actions = []Action{{Kind: ActionPublish, Status: from}}
		} else {
			d.Actions = []Action{{Kind: ActionRemember}}
		}
		return d

	case model.EventDownloadReady:
		if ev.URL == "" {
			return ignore(from, CodeInvalidTransition, "DownloadReady без URL")
		}
		if from == model.StatusDownloading {
			if ev.URL == cur.RemoteURL {
				return ignore(from, CodeDuplicateEvent, "повторный DownloadReady с той же ссылкой")
			}
			// Сервер перевыпустил ссылку: новая передача заменяет старую
			patch := &model.FilePatch{FileID: ev.FileID, RemoteURL: model.Ptr(ev.URL), Size: model.Ptr(ev.Size)}
			mergeMinimalMetadata(patch, ev.Metadata)
			return Decision{
				Current: from,
				Next:    model.StatusDownloading,
				Patch:   patch,
				Actions: []Action{
					{Kind: ActionCancelTransfer},
					{Kind: ActionStartTransfer, URL: ev.URL, Size: ev.Size},
					{Kind: ActionPublish, Status: model.StatusDownloading},
				},
			}
		}
		if !CanTransition(from, model.StatusDownloading) {
			return invalid(from, model.StatusDownloading, ev)
		}
		patch := &model.FilePatch{
			FileID:    ev.FileID,
			Status:    model.Ptr(model.StatusDownloading),
			RemoteURL: model.Ptr(ev.URL),
			Size:      model.Ptr(ev.Size),
		}
		if from == model.StatusFailed {
			patch.ClearFailure = true
		}
		mergeMinimalMetadata(patch, ev.Metadata)
		return Decision{
			Current: from,
			Next:    model.StatusDownloading,
			Patch:   patch,
			Actions: []Action{
				{Kind: ActionStartTransfer, URL: ev.URL, Size: ev.Size},
				{Kind: ActionPublish, Status: model.StatusDownloading},
			},
		}

	case model.EventProgress:
		if from != model.StatusDownloading {
			return ignore(from, CodeStaleEvent, fmt.Sprintf("Progress в статусе %s", from))
		}
		// Прогресс не пишется в хранилище
		return Decision{
			Current: from,
			Next:    from,
			Actions: []Action{{Kind: ActionPublish, Status: from, Percent: clampPercent(ev.Percent)}},
		}

	case model.EventCompleted:
		if from != model.StatusDownloading {
			return ignore(from, CodeStaleEvent, fmt.Sprintf("Completed в статусе %s", from))
		}
		if ev.LocalPath == "" {
			return ignore(from, CodeInvalidTransition, "Completed без локального пути")
		}
		patch := &model.FilePatch{
			FileID:    ev.FileID,
			Status:    model.Ptr(model.StatusDownloaded),
			LocalPath: model.Ptr(ev.LocalPath),
		}
		if ev.Checksum != "" {
			patch.Checksum = model.Ptr(ev.Checksum)
		}
		if ev.Bytes > 0 {
			patch.Size = model.Ptr(ev.Bytes)
		}
		return Decision{
			Current: from,
			Next:    model.StatusDownloaded,
			Patch:   patch,
			Actions: []Action{{Kind: ActionPublish, Status: model.StatusDownloaded, Percent: 100}},
		}

	case model.EventFailed:
		if !CanTransition(from, model.StatusFailed) || from == model.StatusFailed {
			return ignore(from, CodeDuplicateEvent, fmt.Sprintf("Failed в статусе %s", from))
		}
		failure := model.Failure{Kind: model.FailurePermanent}
		if ev.Failure != nil {
			failure = *ev.Failure
		}
		d := Decision{
			Current: from,
			Next:    model.StatusFailed,
			Patch: &model.FilePatch{
				FileID:  ev.FileID,
				Status:  model.Ptr(model.StatusFailed),
				Failure: &failure,
			},
		}
		if ev.Metadata != nil {
			d.Patch.Title = nonEmpty(ev.Metadata.Title)
		}
		// Серверная ошибка при активной передаче: передачу останавливаем
		if from == model.StatusDownloading && ev.TransferID == "" {
			d.Actions = append(d.Actions, Action{Kind: ActionCancelTransfer})
		}
		d.Actions = append(d.Actions, Action{
			Kind:         ActionPublish,
			Status:       model.StatusFailed,
			ErrorMessage: failureMessage(failure),
		})
		return d

	default:
		return ignore(from, CodeUnknownEvent, fmt.Sprintf("неизвестный тип события %q", ev.Kind))
	}
}

// isTransferSourced — событие пришло от Transfer Coordinator.
func isTransferSourced(ev model.Event) bool {
	switch ev.Kind {
	case model.EventProgress, model.EventCompleted:
		return true
	case model.EventFailed:
		return ev.TransferID != ""
	default:
		return false
	}
}

// metadataPatch переводит метаданные уведомления в патч.
// Пустые поля не попадают в патч.
func metadataPatch(fileID string, m *model.Metadata) *model.FilePatch {
	p := &model.FilePatch{FileID: fileID}
	p.Key = nonEmpty(m.Key)
	p.Title = nonEmpty(m.Title)
	p.AuthorName = nonEmpty(m.AuthorName)
	p.AuthorUser = nonEmpty(m.AuthorUser)
	p.ContentType = nonEmpty(m.ContentType)
	p.Description = nonEmpty(m.Description)
	p.ThumbnailURL = nonEmpty(m.ThumbnailURL)
	p.UploadDate = nonEmpty(m.UploadDate)
	p.Size = m.Size
	p.Duration = m.Duration
	p.ViewCount = m.ViewCount
	p.PublishDate = m.PublishDate
	return p
}

// mergeMinimalMetadata добавляет ключ из DownloadReady, если он передан.
func mergeMinimalMetadata(p *model.FilePatch, m *model.Metadata) {
	if m == nil {
		return
	}
	if p.Key == nil {
		p.Key = nonEmpty(m.Key)
	}
}

// prune убирает из патча поля, совпадающие с текущей записью.
// Возвращает nil, если патч ничего не меняет: повтор события
// не порождает записи в хранилище.
func prune(cur *model.FileRecord, p *model.FilePatch) *model.FilePatch {
	out := *p
	if out.Key != nil && *out.Key == cur.Key {
		out.Key = nil
	}
	if out.Status != nil && *out.Status == cur.Status {
		out.Status = nil
	}
	if out.PublishDate != nil && cur.PublishDate != nil && out.PublishDate.Equal(*cur.PublishDate) {
		out.PublishDate = nil
	}
	out.Size = pruneInt(out.Size, cur.Size)
	out.Duration = pruneInt(out.Duration, cur.Duration)
	out.ViewCount = pruneInt(out.ViewCount, cur.ViewCount)
	out.RemoteURL = pruneString(out.RemoteURL, cur.RemoteURL)
	out.Title = pruneString(out.Title, cur.Title)
	out.AuthorName = pruneString(out.AuthorName, cur.AuthorName)
	out.AuthorUser = pruneString(out.AuthorUser, cur.AuthorUser)
	out.ContentType = pruneString(out.ContentType, cur.ContentType)
	out.Description = pruneString(out.Description, cur.Description)
	out.ThumbnailURL = pruneString(out.ThumbnailURL, cur.ThumbnailURL)
	out.UploadDate = pruneString(out.UploadDate, cur.UploadDate)
	out.LocalPath = pruneString(out.LocalPath, cur.LocalPath)
	out.Checksum = pruneString(out.Checksum, cur.Checksum)
	if out.ClearFailure && cur.Failure == nil {
		out.ClearFailure = false
	}
	if out.IsEmpty() {
		return nil
	}
	return &out
}

func pruneString(p *string, cur string) *string {
	if p != nil && *p == cur {
		return nil
	}
	return p
}

func pruneInt(p *int64, cur *int64) *int64 {
	if p != nil && cur != nil && *p == *cur {
		return nil
	}
	return p
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func failureMessage(f model.Failure) string {
	if f.Message != "" {
		return f.Message
	}
	return string(f.Reason)
}

func ignore(from model.FileStatus, code, msg string) Decision {
	return Decision{
		Current: from,
		Next:    from,
		Ignored: true,
		Err:     &TransitionError{Code: code, Message: msg},
	}
}

func invalid(from, to model.FileStatus, ev model.Event) Decision {
	return ignore(from, CodeInvalidTransition,
		fmt.Sprintf("переход %s → %s по событию %s недопустим", from, to, ev.Kind))
}

// TransitionError — причина отбрасывания события.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, STALE_EVENT, ...)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
