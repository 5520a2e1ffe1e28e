// session.go — управление состоянием сессии: токен и валидность.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/download-engine/internal/api/errors"
	"github.com/bigkaa/download-engine/internal/session"
)

// SessionControl — состояние сессии (session.Manager).
type SessionControl interface {
	SetToken(ctx context.Context, token string) error
	SetValid(valid bool)
	Invalidate()
	Valid() bool
	ExpiresAt() time.Time
}

// Purger — полная очистка записей при выходе (engine.Engine).
type Purger interface {
	PurgeAll(ctx context.Context) error
}

// SessionHandler — обработчик /api/v1/session.
type SessionHandler struct {
	session SessionControl
	purger  Purger
}

// NewSessionHandler создаёт обработчик сессии.
func NewSessionHandler(sess SessionControl, purger Purger) *SessionHandler {
	return &SessionHandler{session: sess, purger: purger}
}

// sessionRequest — тело PUT /api/v1/session: либо token, либо valid.
type sessionRequest struct {
	Token *string `json:"token"`
	Valid *bool   `json:"valid"`
}

// sessionResponse — состояние сессии.
type sessionResponse struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GetSession обрабатывает GET /api/v1/session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// PutSession обрабатывает PUT /api/v1/session.
// {"token": "..."} — новый токен (отклонённый токен не меняет состояние),
// {"valid": bool} — явный сигнал валидности.
func (h *SessionHandler) PutSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBytes)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	switch {
	case req.Token != nil && req.Valid != nil:
		apierrors.ValidationError(w, "Укажите token или valid, но не оба")
		return
	case req.Token != nil:
		if err := h.session.SetToken(r.Context(), *req.Token); err != nil {
			if errors.Is(err, session.ErrInvalidToken) {
				apierrors.ValidationError(w, err.Error())
				return
			}
			apierrors.InternalError(w, err.Error())
			return
		}
	case req.Valid != nil:
		h.session.SetValid(*req.Valid)
	default:
		apierrors.ValidationError(w, "Ожидается поле token или valid")
		return
	}

	writeJSON(w, http.StatusOK, h.state())
}

// DeleteSession обрабатывает DELETE /api/v1/session.
// Сессия становится невалидной, передачи приостанавливаются.
// ?purge=true дополнительно удаляет все записи и payload (выход пользователя).
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	purge := false
	if v := r.URL.Query().Get("purge"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			apierrors.ValidationError(w, "Параметр purge: ожидается true или false")
			return
		}
		purge = b
	}

	h.session.Invalidate()
	if purge {
		if err := h.purger.PurgeAll(r.Context()); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) state() sessionResponse {
	resp := sessionResponse{Valid: h.session.Valid()}
	if exp := h.session.ExpiresAt(); !exp.IsZero() {
		resp.ExpiresAt = &exp
	}
	return resp
}
