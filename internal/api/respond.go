package api

import (
	"encoding/json"
	"net/http"

	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

// errorBody is the stable error envelope; dashboards never see raw
// stack traces.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.Code(err)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()

	writeJSON(w, httpStatus(code), body)
}

func httpStatus(code string) int {
	switch code {
	case "INVALID_INPUT", "INVALID_SLTP", "UNKNOWN_SYMBOL", "INSUFFICIENT_MARGIN":
		return http.StatusBadRequest
	case "NOT_FOUND", "POSITION_NOT_FOUND":
		return http.StatusNotFound
	case "UPSTREAM_DOWN":
		return http.StatusServiceUnavailable
	case "TRADING_DISABLED", "PERSISTENCE_FAULT":
		return http.StatusConflict
	case "SCHEMA_MISMATCH":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
