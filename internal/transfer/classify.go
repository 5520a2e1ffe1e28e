package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// classifyStatus сопоставляет неуспешный HTTP-статус с классом ошибки.
//
//   - 401/403 — transient/session (токен истёк или отозван)
//   - 404/410 — permanent/not_found
//   - 408/429/5xx — transient/http_status
//   - прочие — permanent/http_status
func classifyStatus(code int) model.Failure {
	msg := fmt.Sprintf("источник ответил %d %s", code, http.StatusText(code))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.Failure{Kind: model.FailureTransient, Reason: model.ReasonSession, Message: msg}
	case code == http.StatusNotFound || code == http.StatusGone:
		return model.Failure{Kind: model.FailurePermanent, Reason: model.ReasonNotFound, Message: msg}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return model.Failure{Kind: model.FailureTransient, Reason: model.ReasonHTTPStatus, Message: msg}
	default:
		return model.Failure{Kind: model.FailurePermanent, Reason: model.ReasonHTTPStatus, Message: msg}
	}
}

// classifyError сопоставляет сетевую ошибку с классом ошибки.
// Сетевые ошибки и таймауты всегда transient.
func classifyError(err error) model.Failure {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.Failure{Kind: model.FailureTransient, Reason: model.ReasonTimeout, Message: err.Error()}
	}
	return model.Failure{Kind: model.FailureTransient, Reason: model.ReasonNetwork, Message: err.Error()}
}

// storageFailure — ошибка локального диска, повтор не поможет.
func storageFailure(err error) model.Failure {
	return model.Failure{Kind: model.FailurePermanent, Reason: model.ReasonStorage, Message: err.Error()}
}

// failedError оборачивает Failure в ошибку таксономии.
func failedError(fileID string, f model.Failure, err error) error {
	return &model.TransferFailedError{FileID: fileID, Failure: f, Err: err}
}
