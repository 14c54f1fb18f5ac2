package api

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/escrow"
	"github.com/example/preorder-escrow/internal/lock"
	"github.com/example/preorder-escrow/internal/payout"
	"github.com/example/preorder-escrow/internal/policy"
	"github.com/example/preorder-escrow/internal/security"
	"github.com/example/preorder-escrow/internal/settlement"
	"github.com/example/preorder-escrow/internal/store/memory"
	"github.com/example/preorder-escrow/internal/store/storetest"
	"github.com/example/preorder-escrow/internal/wallet"
	"github.com/example/preorder-escrow/pkg/audit"
)

type auditSpy struct {
	mu       sync.Mutex
	payloads []string
}

func (a *auditSpy) Append(payload string) *audit.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
	return &audit.LogEntry{Hash: payload}
}

func (a *auditSpy) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.payloads...)
}

type fixture struct {
	deps  Dependencies
	store *memory.Store
	audit *auditSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tiers, err := policy.NewEvaluator([]policy.Tier{
		{DaysBeforeEvent: 14, PenaltyPercent: decimal.Zero},
		{DaysBeforeEvent: 0, PenaltyPercent: decimal.NewFromInt(50)},
	}, 0)
	require.NoError(t, err)
	calc, err := payout.NewCalculator(decimal.RequireFromString("0.05"), nil, 0)
	require.NoError(t, err)

	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := escrow.NewService(st, lock.NewKeyedMutex(), settlement.NewSettler(tiers, calc), logger, escrow.Options{})

	spy := &auditSpy{}
	return &fixture{
		store: st,
		audit: spy,
		deps: Dependencies{
			Logger:       logger,
			Escrow:       svc,
			Auditor:      spy,
			RateLimiter:  &security.RedisTokenBucket{Redis: rdb, Prefix: "test", Capacity: 100, RefillRate: 100},
			MaxBodyBytes: 1 << 20,
		},
	}
}

func (f *fixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	h, err := NewRouter(f.deps)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

type response struct {
	status int
	body   map[string]any
	header http.Header
}

func do(t *testing.T, client *http.Client, method, url string, body any, header map[string]string) response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{status: resp.StatusCode, header: resp.Header}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

func walletOf(t *testing.T, r response) map[string]any {
	t.Helper()
	w, ok := r.body["wallet"].(map[string]any)
	require.True(t, ok, "response has no wallet: %v", r.body)
	return w
}

func createBody(orderID string) map[string]any {
	return map[string]any{
		"order_id":       orderID,
		"seller_id":      "seller-1",
		"deposit_amount": "300000",
		"final_amount":   "700000",
		"event_date":     time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
	}
}

func TestWalletLifecycle(t *testing.T) {
	f := newFixture(t)
	ts := f.server(t)
	c := ts.Client()
	base := ts.URL + "/v1/wallets"

	body := createBody("order-1")
	r := do(t, c, http.MethodPost, base, body, nil)
	require.Equal(t, http.StatusCreated, r.status, r.body)
	assert.Equal(t, string(wallet.StatusPendingDeposit), walletOf(t, r)["status"])
	assert.NotEmpty(t, r.header.Get(security.CorrelationIDHeader))

	r = do(t, c, http.MethodPost, base, body, nil)
	assert.Equal(t, http.StatusOK, r.status, "repeat create is a no-op")
	assert.Equal(t, true, r.body["duplicate"])

	hdr := map[string]string{IdempotencyKeyHeader: "dep-1"}
	r = do(t, c, http.MethodPost, base+"/order-1/deposit", map[string]any{"amount": "300000"}, hdr)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, string(wallet.StatusDepositHeld), walletOf(t, r)["status"])
	assert.Equal(t, "300000", walletOf(t, r)["deposit_held"])

	r = do(t, c, http.MethodPost, base+"/order-1/deposit", map[string]any{"amount": "300000"}, hdr)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, true, r.body["duplicate"])

	r = do(t, c, http.MethodPost, base+"/order-1/final-payment",
		map[string]any{"amount": "700000", "idempotency_key": "fin-1", "reference": "gw-77"}, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, string(wallet.StatusFullyHeld), walletOf(t, r)["status"])

	r = do(t, c, http.MethodPost, base+"/order-1/release", map[string]any{"actor": "ops"}, nil)
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, "invalid_transition", r.body["error"])

	for _, cond := range []string{wallet.ConditionDeliveryConfirmed, wallet.ConditionDisputeWindowElapsed} {
		r = do(t, c, http.MethodPost, base+"/order-1/conditions", map[string]any{"condition": cond, "value": true, "actor": "ops"}, nil)
		require.Equal(t, http.StatusOK, r.status, r.body)
	}

	r = do(t, c, http.MethodPost, base+"/order-1/release", map[string]any{"actor": "ops", "idempotency_key": "rel-1"}, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, string(wallet.StatusReleasedToSeller), walletOf(t, r)["status"])
	split, ok := r.body["payout_split"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, split)

	r = do(t, c, http.MethodGet, base+"/order-1/transactions", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	txs, ok := r.body["transactions"].([]any)
	require.True(t, ok)
	assert.Len(t, txs, 4, "deposit, final payment, payout, commission")

	r = do(t, c, http.MethodGet, base+"/order-1/verify", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, true, r.body["consistent"])

	audited := f.audit.all()
	require.NotEmpty(t, audited)
	assert.Contains(t, audited[len(audited)-1], "route=/v1/wallets/{orderID}/release")
	assert.Contains(t, audited[len(audited)-1], "order=order-1")
	for _, p := range audited {
		assert.NotContains(t, p, "method=GET")
	}
}

func TestDisputeFlow(t *testing.T) {
	ts := newFixture(t).server(t)
	c := ts.Client()
	base := ts.URL + "/v1/wallets"

	require.Equal(t, http.StatusCreated, do(t, c, http.MethodPost, base, createBody("order-3"), nil).status)
	r := do(t, c, http.MethodPost, base+"/order-3/deposit", map[string]any{"amount": "300000", "idempotency_key": "d"}, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)

	r = do(t, c, http.MethodPost, base+"/order-3/dispute",
		map[string]any{"reason_code": "not_delivered", "opened_by": "buyer"}, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, string(wallet.StatusDisputed), walletOf(t, r)["status"])

	r = do(t, c, http.MethodGet, base+"/order-3/dispute", nil, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, "open", r.body["status"])
	assert.Contains(t, r.body["status_description"], "funds frozen")
	assert.NotContains(t, r.body, "resolution_description")

	r = do(t, c, http.MethodPost, base+"/order-3/release", map[string]any{"actor": "ops"}, nil)
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, "dispute_active", r.body["error"])

	r = do(t, c, http.MethodPost, base+"/order-3/dispute/resolve",
		map[string]any{"outcome": "refund_buyer", "resolved_by": "ops", "idempotency_key": "res"}, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, string(wallet.StatusRefunded), walletOf(t, r)["status"])

	r = do(t, c, http.MethodGet, base+"/order-3/dispute", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "resolved", r.body["status"])
	assert.Equal(t, "refund_buyer", r.body["resolution"])
	assert.Contains(t, r.body["resolution_description"], "refunded to the buyer")
}

func TestListReasonCodes(t *testing.T) {
	ts := newFixture(t).server(t)

	r := do(t, ts.Client(), http.MethodGet, ts.URL+"/v1/dispute-reasons", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	all, ok := r.body["reason_codes"].([]any)
	require.True(t, ok)
	assert.Len(t, all, len(disputes.ReasonCodes))

	r = do(t, ts.Client(), http.MethodGet, ts.URL+"/v1/dispute-reasons?category=quality", nil, nil)
	require.Equal(t, http.StatusOK, r.status)
	quality, ok := r.body["reason_codes"].([]any)
	require.True(t, ok)
	assert.Len(t, quality, 2)
}

func TestCreateFromDepositPercent(t *testing.T) {
	ts := newFixture(t).server(t)
	r := do(t, ts.Client(), http.MethodPost, ts.URL+"/v1/wallets", map[string]any{
		"order_id":        "order-2",
		"amount":          "1000000",
		"deposit_percent": "30",
		"event_date":      time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
	}, nil)
	require.Equal(t, http.StatusCreated, r.status, r.body)
	w := walletOf(t, r)
	assert.Equal(t, "300000", w["expected_deposit"])
	assert.Equal(t, "700000", w["expected_final"])
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	ts := f.server(t)
	c := ts.Client()
	base := ts.URL + "/v1/wallets"

	r := do(t, c, http.MethodPost, base+"/missing/deposit", map[string]any{"amount": "1"}, nil)
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, "not_found", r.body["error"])

	require.Equal(t, http.StatusCreated, do(t, c, http.MethodPost, base, createBody("order-1"), nil).status)

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"amount as number", "/order-1/deposit", `{"amount": 300000}`, http.StatusBadRequest, "validation_error"},
		{"malformed json", "/order-1/deposit", `{"amount":`, http.StatusBadRequest, "validation_error"},
		{"unknown field", "/order-1/deposit", map[string]any{"amount": "1", "extra": 1}, http.StatusBadRequest, "validation_error"},
		{"wrong deposit amount", "/order-1/deposit", map[string]any{"amount": "1"}, http.StatusBadRequest, "validation_error"},
		{"refund needs requester", "/order-1/refund", map[string]any{}, http.StatusBadRequest, "validation_error"},
		{"nothing to refund", "/order-1/refund", map[string]any{"requested_by": "buyer"}, http.StatusConflict, "invalid_transition"},
		{"dispute without funds", "/order-1/dispute", map[string]any{"reason_code": "not_delivered", "opened_by": "buyer"}, http.StatusConflict, "invalid_transition"},
		{"split needs both amounts", "/order-1/dispute/resolve", map[string]any{"outcome": "split", "resolved_by": "ops", "refund_amount": "1"}, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := do(t, c, http.MethodPost, base+tc.path, tc.body, nil)
			assert.Equal(t, tc.status, r.status, r.body)
			assert.Equal(t, tc.code, r.body["error"])
			assert.NotEmpty(t, r.body["message"])
		})
	}

	differing := createBody("order-1")
	differing["final_amount"] = "1"
	r = do(t, c, http.MethodPost, base, differing, nil)
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, "wallet_exists", r.body["error"])

	r = do(t, c, http.MethodPost, base+"/order-1/deposit", map[string]any{"amount": "300000", "idempotency_key": "k"}, nil)
	require.Equal(t, http.StatusOK, r.status)
	r = do(t, c, http.MethodPost, base+"/order-1/refund", map[string]any{"requested_by": "buyer", "idempotency_key": "k"}, nil)
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, "idempotency_conflict", r.body["error"])

	r = do(t, c, http.MethodGet, base+"/order-1/dispute", nil, nil)
	assert.Equal(t, http.StatusNotFound, r.status)

	r = do(t, c, http.MethodGet, ts.URL+"/v2/nothing", nil, nil)
	assert.Equal(t, http.StatusNotFound, r.status)
}

func TestVerifyReturnsReportWhenInconsistent(t *testing.T) {
	f := newFixture(t)
	ts := f.server(t)
	c := ts.Client()
	base := ts.URL + "/v1/wallets"

	require.Equal(t, http.StatusCreated, do(t, c, http.MethodPost, base, createBody("order-1"), nil).status)
	require.Equal(t, http.StatusOK, do(t, c, http.MethodPost, base+"/order-1/deposit", map[string]any{"amount": "300000"}, nil).status)
	storetest.Tamper(t, f.store, "order-1", func(w *wallet.Wallet) { w.DepositHeld = decimal.NewFromInt(1) })

	r := do(t, c, http.MethodGet, base+"/order-1/verify", nil, nil)
	require.Equal(t, http.StatusLocked, r.status)
	assert.Equal(t, "invariant_violation", r.body["error"])
	report, ok := r.body["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, report["consistent"])
	assert.Equal(t, true, report["halted"])

	r = do(t, c, http.MethodPost, base+"/order-1/rebuild", map[string]any{"operator": "ops"}, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, false, walletOf(t, r)["integrity_halted"])
	assert.Equal(t, "300000", walletOf(t, r)["deposit_held"])
}

func TestRateLimitTrips(t *testing.T) {
	f := newFixture(t)
	f.deps.RateLimiter.Capacity = 1
	f.deps.RateLimiter.RefillRate = 0.0000001
	ts := f.server(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBodySizeLimit(t *testing.T) {
	f := newFixture(t)
	f.deps.MaxBodyBytes = 32
	ts := f.server(t)

	r := do(t, ts.Client(), http.MethodPost, ts.URL+"/v1/wallets", createBody("order-with-a-rather-long-identifier"), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, r.status)
}

func TestIPAllowlistRejects(t *testing.T) {
	f := newFixture(t)
	allow, err := security.ParseCIDRAllowlist([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	f.deps.IPAllowlist = allow
	ts := f.server(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClientCertificateNamesActor(t *testing.T) {
	f := newFixture(t)
	certs := generateMTLSCerts(t)
	h, err := NewRouter(f.deps)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(h)
	ts.TLS = certs.serverTLS
	ts.StartTLS()
	defer ts.Close()

	anonymous := &http.Client{Transport: &http.Transport{TLSClientConfig: certs.noClientTLS}}
	_, err = anonymous.Get(ts.URL + "/healthz")
	require.Error(t, err, "client certificate is required")

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: certs.clientTLS}}
	r := do(t, client, http.MethodPost, ts.URL+"/v1/wallets", createBody("order-1"), nil)
	require.Equal(t, http.StatusCreated, r.status, r.body)
	r = do(t, client, http.MethodPost, ts.URL+"/v1/wallets/order-1/final-payment-request", map[string]any{}, nil)
	require.Equal(t, http.StatusConflict, r.status, "no deposit yet")

	audited := f.audit.all()
	require.Len(t, audited, 2)
	assert.Contains(t, audited[0], "actor=checkout-service")
}

type testCerts struct {
	serverTLS   *tls.Config
	clientTLS   *tls.Config
	noClientTLS *tls.Config
}

func generateMTLSCerts(t *testing.T) *testCerts {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)

	serverCert := signCert(t, caCert, caKey, "server", []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert := signCert(t, caCert, caKey, "checkout-service", []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil)

	return &testCerts{
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    caPool,
			MinVersion:   tls.VersionTLS13,
		},
		clientTLS: &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS13,
		},
		noClientTLS: &tls.Config{
			RootCAs:    caPool,
			MinVersion: tls.VersionTLS13,
		},
	}
}

func signCert(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, cn string, eku []x509.ExtKeyUsage, ips []net.IP) tls.Certificate {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  eku,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	c, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return c
}
