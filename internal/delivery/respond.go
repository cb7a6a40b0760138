package delivery

import (
	"errors"
	"net/http"

	"github.com/Vovarama1992/go-utils/logger"
	"github.com/Vovarama1992/whoisalice/internal/ledger"
	"github.com/Vovarama1992/whoisalice/internal/publisher"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/goccy/go-json"
)

const service = "whoisalice"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor — доменная ошибка -> HTTP код
func statusFor(err error) int {
	switch {
	case errors.Is(err, publisher.ErrValidation),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, tasks.ErrNotFound),
		errors.Is(err, user.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrForbidden),
		errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, publisher.ErrEnqueue):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail — 5xx пишем в лог, наружу только общий текст
func fail(w http.ResponseWriter, log *logger.ZapLogger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Log(logger.LogEntry{Level: "error", Message: msg, Error: err, Service: service})
		if status == http.StatusServiceUnavailable {
			writeError(w, status, "queue unavailable, retry later")
			return
		}
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
