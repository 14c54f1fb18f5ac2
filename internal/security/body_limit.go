package security

import "net/http"

// BodySizeLimit caps request bodies at max bytes. Reads past the limit fail
// with *http.MaxBytesError. A non-positive max disables the cap.
func BodySizeLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if max <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "")
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
