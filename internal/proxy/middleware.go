package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/famedly/uia-proxy/internal/apierror"
)

// RequireJSONBody rejects POST/PUT/PATCH requests whose body is not
// well-formed JSON (spec.md §4.9); an empty body is accepted and replaced
// by `{}`. It then rewinds the body so downstream handlers can decode it
// again.
func RequireJSONBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, apierror.NotJSON("failed to read request body"))
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			writeError(w, apierror.NotJSON("request body is not valid JSON"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}

// accessToken extracts the bearer token from the Authorization header, or
// falls back to the `access_token` query parameter (spec.md §4.9).
func accessToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("access_token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apierror.Error) {
	writeJSON(w, err.Status, err)
}
