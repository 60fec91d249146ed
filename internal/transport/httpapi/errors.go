package httpapi

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

const (
	codeMethodNotAllowed = "method_not_allowed"
	codeRateLimited      = "rate_limited"
	codeNotFound         = "not_found"
)

// statusForKind — единственное место, где категория ошибки превращается в HTTP-статус.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindInvalidArgument, domain.KindInvalidState, domain.KindConflict:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// messageFor возвращает текст для клиента. Для store/internal ошибок детали не раскрываются.
func messageFor(kind domain.ErrorKind, err error) string {
	switch kind {
	case domain.KindUnauthorized:
		return domain.ErrUnauthorized.Error()
	case domain.KindStoreUnavailable:
		return "ledger store is temporarily unavailable, retry the request"
	case domain.KindInternal:
		return "internal error"
	default:
		return err.Error()
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)

	entry := h.logger.WithFields(log.Fields{
		"path":   r.URL.Path,
		"kind":   kind,
		"status": status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	writeError(w, status, string(kind), messageFor(kind, err), kind.Retryable())
}

func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: message, Code: code, Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
