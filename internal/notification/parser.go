// Пакет notification — интерпретатор push-уведомлений.
// Преобразует нетипизированный payload в типизированное событие
// жизненного цикла. Никогда не паникует: некорректный payload даёт
// событие Unknown.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// Значения дискриминатора notificationType.
const (
	TypeMetadata      = "MetadataNotification"
	TypeDownloadReady = "DownloadReadyNotification"
	TypeFailure       = "FailureNotification"
	TypeQueued        = "QueuedNotification"
)

// Parse преобразует payload в событие. Ошибка разбора даёт EventUnknown.
func Parse(payload map[string]any) model.Event {
	ev, _ := Interpret(payload)
	return ev
}

// ParseJSON разбирает JSON-тело уведомления.
func ParseJSON(data []byte) model.Event {
	ev, _ := InterpretJSON(data)
	return ev
}

// InterpretJSON — как Interpret, но для JSON-тела.
func InterpretJSON(data []byte) (model.Event, error) {
	payload, err := decodePayload(data)
	if err != nil {
		merr := &model.MalformedNotificationError{Reason: fmt.Sprintf("некорректный JSON: %v", err)}
		return model.UnknownEvent(merr.Reason), merr
	}
	return Interpret(payload)
}

// DecodeJSON разбирает JSON-тело уведомления в payload.
// Числа сохраняются как json.Number.
func DecodeJSON(data []byte) (map[string]any, error) {
	payload, err := decodePayload(data)
	if err != nil {
		return nil, &model.MalformedNotificationError{Reason: fmt.Sprintf("некорректный JSON: %v", err)}
	}
	return payload, nil
}

// Interpret преобразует payload в событие и возвращает причину,
// если payload не распознан (*model.MalformedNotificationError).
func Interpret(payload map[string]any) (ev model.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			merr := &model.MalformedNotificationError{Reason: fmt.Sprintf("паника при разборе: %v", r)}
			ev, err = model.UnknownEvent(merr.Reason), merr
		}
	}()

	typ, _ := payload["notificationType"].(string)
	if typ == "" {
		return malformed("", "отсутствует notificationType")
	}
	file, ok := payload["file"].(map[string]any)
	if !ok {
		return malformed(typ, "отсутствует объект file")
	}
	if _, known := schemaFiles[typ]; !known {
		return malformed(typ, "неизвестный тип уведомления")
	}
	if verr := validate(typ, file); verr != nil {
		return malformed(typ, verr.Error())
	}

	switch typ {
	case TypeMetadata:
		return parseMetadata(typ, file)
	case TypeDownloadReady:
		return parseDownloadReady(typ, file)
	case TypeFailure:
		return parseFailure(file), nil
	default:
		return model.QueuedEvent(str(file, "fileId")), nil
	}
}

func parseMetadata(typ string, file map[string]any) (model.Event, error) {
	meta := model.Metadata{
		Key:          str(file, "key"),
		Title:        str(file, "title"),
		AuthorName:   str(file, "authorName"),
		AuthorUser:   str(file, "authorUser"),
		ContentType:  str(file, "contentType"),
		Description:  str(file, "description"),
		ThumbnailURL: str(file, "thumbnailUrl"),
		UploadDate:   str(file, "uploadDate"),
		PublishDate:  ParseDate(str(file, "publishDate")),
	}

	var ok bool
	if meta.Size, ok = optInt(file, "size"); !ok {
		return malformed(typ, "size не является целым числом")
	}
	if meta.Duration, ok = optInt(file, "duration"); !ok {
		return malformed(typ, "duration не является целым числом")
	}
	if meta.ViewCount, ok = optInt(file, "viewCount"); !ok {
		return malformed(typ, "viewCount не является целым числом")
	}

	return model.MetadataReadyEvent(str(file, "fileId"), meta), nil
}

func parseDownloadReady(typ string, file map[string]any) (model.Event, error) {
	raw := str(file, "url")
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return malformed(typ, fmt.Sprintf("некорректный url %q", raw))
	}
	size, ok := toInt64(file["size"])
	if !ok || size < 0 {
		return malformed(typ, "size не является неотрицательным целым числом")
	}

	ev := model.DownloadReadyEvent(str(file, "fileId"), u.String(), size)
	ev.Metadata = &model.Metadata{Key: str(file, "key")}
	return ev, nil
}

func parseFailure(file map[string]any) model.Event {
	msg := str(file, "errorMessage")
	if cat := str(file, "errorCategory"); cat != "" {
		msg = cat + ": " + msg
	}
	ev := model.FailedEvent(str(file, "fileId"), "", model.Failure{
		Kind:    model.FailurePermanent,
		Reason:  model.ReasonServerProcessing,
		Message: msg,
	})
	if title := str(file, "title"); title != "" {
		ev.Metadata = &model.Metadata{Title: title}
	}
	return ev
}

func malformed(typ, reason string) (model.Event, error) {
	err := &model.MalformedNotificationError{NotificationType: typ, Reason: reason}
	return model.UnknownEvent(err.Error()), err
}

func decodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("пустой payload")
	}
	return payload, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// optInt читает необязательное целое поле. ok=false — поле есть,
// но не является целым числом.
func optInt(m map[string]any, key string) (*int64, bool) {
	v, present := m[key]
	if !present || v == nil {
		return nil, true
	}
	n, ok := toInt64(v)
	if !ok {
		return nil, false
	}
	return &n, true
}

// toInt64 принимает float64, json.Number, целые типы и числовые строки,
// если значение целое.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) || math.Abs(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt64(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
