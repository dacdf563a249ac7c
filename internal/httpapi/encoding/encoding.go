// Package encoding renders API responses as JSON or, when the client asks
// for it via the Accept header, msgpack.
package encoding

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const msgpackContentType = "application/msgpack"

func wantsMsgpack(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, msgpackContentType) ||
		strings.Contains(accept, "application/x-msgpack")
}

// Respond writes data in the negotiated encoding.
func Respond(w http.ResponseWriter, r *http.Request, data any, status int) {
	if wantsMsgpack(r) {
		body, err := msgpack.Marshal(data)
		if err != nil {
			slog.Error("msgpack encode error", "error", err)
			http.Error(w, "encoding error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", msgpackContentType)
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// Error writes an error payload in the negotiated encoding.
func Error(w http.ResponseWriter, r *http.Request, message string, status int) {
	Respond(w, r, map[string]string{"error": message}, status)
}
