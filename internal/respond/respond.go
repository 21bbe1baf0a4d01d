// Package respond writes the JSON envelope shared by every endpoint.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
)

// JSON writes v merged into an {"ok":true} envelope.
// v must marshal to a JSON object or be nil.
func JSON(w http.ResponseWriter, status int, v any) {
	body := map[string]any{}
	if v != nil {
		raw, err := json.Marshal(v)
		if err == nil {
			_ = json.Unmarshal(raw, &body)
		}
	}
	body["ok"] = true
	write(w, status, body)
}

// Fail writes {"ok":false,"error":code}
func Fail(w http.ResponseWriter, status int, code string) {
	write(w, status, map[string]any{"ok": false, "error": code})
}

// Error maps err to its status and code
func Error(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	Fail(w, apperr.Status(e.Kind), e.Code)
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
