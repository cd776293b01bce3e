package shield

import "net/http"

// headResponseWriter suppresses the body for HEAD requests while keeping
// headers and status.
type headResponseWriter struct {
	http.ResponseWriter
}

func (w headResponseWriter) Write(b []byte) (int, error) {
	return len(b), nil
}

// HeadToGet serves HEAD requests through GET handlers with the body
// discarded.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r2 := r.Clone(r.Context())
			r2.Method = http.MethodGet
			next.ServeHTTP(headResponseWriter{w}, r2)
			return
		}
		next.ServeHTTP(w, r)
	})
}
