package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const CorrelationIDHeader = "X-Correlation-ID"

const maxCorrelationIDLen = 128

type correlationIDKey struct{}

// CorrelationID propagates the caller's correlation id, or mints one when
// it is missing or unusable in logs.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := NormalizeCorrelationID(r.Header.Get(CorrelationIDHeader))
		ctx := WithCorrelationID(r.Context(), cid)
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NormalizeCorrelationID returns cid, or a fresh id when cid is missing or
// unusable in logs.
func NormalizeCorrelationID(cid string) string {
	if validCorrelationID(cid) {
		return cid
	}
	return uuid.NewString()
}

func validCorrelationID(cid string) bool {
	if cid == "" || len(cid) > maxCorrelationIDLen {
		return false
	}
	for _, c := range cid {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// WithCorrelationID stores cid on ctx. The gRPC server uses it for ids taken
// from metadata.
func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, cid)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if v := ctx.Value(correlationIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
