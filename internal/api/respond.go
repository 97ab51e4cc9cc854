package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kazylambist/meteo/internal/metrics"
	"github.com/kazylambist/meteo/internal/model"
)

// conflictCodes are refusals caused by the current state of a resource
// rather than by the request itself.
var conflictCodes = map[string]bool{
	model.CodeSlotLimit:          true,
	model.CodeChoiceConflict:     true,
	model.CodeTargetLocked:       true,
	model.CodePoolExceeded:       true,
	model.CodeInsufficientBudget: true,
	model.CodeCapReached:         true,
	model.CodeNoBolts:            true,
	model.CodeNotSellable:        true,
	model.CodeAlreadyListed:      true,
	model.CodeNotOpen:            true,
	model.CodeCannotBuyOwn:       true,
	model.CodeExpired:            true,
	model.CodeNotActive:          true,
}

func statusFor(code string) int {
	switch {
	case code == model.CodeNotFound:
		return http.StatusNotFound
	case code == model.CodeForbidden:
		return http.StatusForbidden
	case conflictCodes[code]:
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

// fail writes err as a structured rejection when it is one, or as a 500.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	if rej, ok := model.AsRejection(err); ok {
		writeRejection(w, rej)
		return
	}
	slog.Error("request failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

// writeRejection writes {"error": code, "message": ..., <detail>...}.
func writeRejection(w http.ResponseWriter, rej *model.Rejection) {
	metrics.Rejections.WithLabelValues(rej.Code).Inc()
	body := make(map[string]any, len(rej.Detail)+2)
	for k, v := range rej.Detail {
		body[k] = v
	}
	body["error"] = rej.Code
	if rej.Err != nil {
		body["message"] = rej.Err.Error()
	}
	writeJSON(w, statusFor(rej.Code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
