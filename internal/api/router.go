package api

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/escrow"
	"github.com/example/preorder-escrow/internal/security"
	"github.com/example/preorder-escrow/pkg/audit"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body.
const IdempotencyKeyHeader = "Idempotency-Key"

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

type Dependencies struct {
	Logger *slog.Logger
	Escrow Escrow

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Escrow == nil {
		return nil, errors.New("api: escrow service is required")
	}

	ops, err := Operations()
	if err != nil {
		return nil, err
	}
	h := &handler{escrow: deps.Escrow, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist, deps.Logger))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByClientIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/v1/dispute-reasons", listReasonCodes)

	r.Route("/v1/wallets", func(r chi.Router) {
		r.Post("/", h.serve(ops["CreateWallet"]))
		r.Post("", h.serve(ops["CreateWallet"]))

		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", h.serve(ops["GetWallet"]))
			r.Get("/transactions", h.serve(ops["ListTransactions"]))
			r.Get("/dispute", h.serve(ops["GetDispute"]))
			r.Get("/verify", h.serve(ops["Verify"]))

			r.Post("/deposit", h.serve(ops["RecordDeposit"]))
			r.Post("/final-payment-request", h.serve(ops["RequestFinalPayment"]))
			r.Post("/final-payment", h.serve(ops["RecordFinalPayment"]))
			r.Post("/refund", h.serve(ops["RequestRefund"]))
			r.Post("/release", h.serve(ops["ReleaseToSeller"]))
			r.Post("/dispute", h.serve(ops["OpenDispute"]))
			r.Post("/dispute/resolve", h.serve(ops["ResolveDispute"]))
			r.Post("/conditions", h.serve(ops["SetReleaseCondition"]))
			r.Post("/cancel", h.serve(ops["CancelWallet"]))
			r.Post("/adjustments", h.serve(ops["RecordAdjustment"]))
			r.Post("/rebuild", h.serve(ops["Rebuild"]))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found", "no such route")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	return r, nil
}

// listReasonCodes serves the reason code catalogue, optionally narrowed
// with ?category=.
func listReasonCodes(w http.ResponseWriter, r *http.Request) {
	var codes []disputes.ReasonCode
	if category := r.URL.Query().Get("category"); category != "" {
		codes = disputes.GetReasonCodesByCategory(category)
	} else {
		for _, rc := range disputes.ReasonCodes {
			codes = append(codes, rc)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"reason_codes": codes})
}

type handler struct {
	escrow Escrow
	logger *slog.Logger
}

func (h *handler) serve(op *Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil && r.Method != http.MethodGet {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					security.WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "")
					return
				}
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request", "could not read body")
				return
			}
			body = b
		}
		if err := op.Validate(body); err != nil {
			writeError(w, r, h.logger, err, nil)
			return
		}

		res, err := op.Run(r.Context(), h.escrow, Call{
			OrderID:        chi.URLParam(r, "orderID"),
			Body:           body,
			IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
			Peer:           security.PeerIdentity(r.TLS),
		})
		if err != nil {
			writeError(w, r, h.logger, err, res)
			return
		}

		status := http.StatusOK
		if result, ok := res.(*escrow.Result); ok && op.Creates && !result.Duplicate {
			status = http.StatusCreated
		}
		writeJSON(w, r, status, res)
	}
}
