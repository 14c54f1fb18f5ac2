package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/preorder-escrow/internal/security"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware seals one line per mutating request into the hash-chained
// audit log. Reads are not audited.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			actor := security.PeerIdentity(r.TLS)
			if actor == "" {
				actor = "anonymous"
			}
			payload := fmt.Sprintf("cid=%s actor=%s method=%s route=%s order=%s status=%d dur_ms=%d",
				security.CorrelationIDFromContext(r.Context()), actor, r.Method, routePattern(r),
				chi.URLParam(r, "orderID"), sw.status, dur.Milliseconds())
			a.Append(payload)
		})
	}
}
