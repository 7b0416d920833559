package middleware

import (
	"net/http"

	"repowatch/pkg/requestid"
)

const requestIDHeader = "X-Request-Id"

// RequestID takes the request ID from the X-Request-Id header or generates
// one, stores it in the request context and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = requestid.Generate()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), id)))
	})
}
