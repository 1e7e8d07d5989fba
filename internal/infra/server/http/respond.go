package httpserver

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/observability"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Log().Warn("response encode failed", observability.Err(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		code = errs.CodeTimeout
	}
	message := errs.MessageOf(err)
	if code == errs.CodeInternal {
		observability.Log().Error("command failed", observability.Err(err))
		message = "internal error"
	}
	writeJSON(w, statusOf(code), errorBody{Error: errorDetail{
		Code:    string(code),
		Message: message,
		Reason:  errs.ReasonOf(err),
	}})
}

func statusOf(code errs.Code) int {
	switch code {
	case errs.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
