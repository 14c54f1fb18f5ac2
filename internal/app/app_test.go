package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/preorder-escrow/internal/config"
	"github.com/example/preorder-escrow/internal/scheduler"
	"github.com/example/preorder-escrow/pkg/audit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWithDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.AuditLogPath = filepath.Join(t.TempDir(), "audit.log")

	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, []string{
		scheduler.JobAutoRelease, scheduler.JobDispatchEvents, scheduler.JobExpireDeposits, scheduler.JobReconcile,
	}, a.Scheduler.Jobs())

	h, err := a.HTTPHandler()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/wallets", strings.NewReader(
		`{"order_id":"o-1","deposit_amount":"10","final_amount":"90","event_date":"2030-01-01T00:00:00Z"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	n, err := a.Scheduler.RunNow(context.Background(), scheduler.JobDispatchEvents)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "wallet creation queued one event")

	gs, err := a.GRPCServer()
	require.NoError(t, err)
	gs.Stop()

	require.NoError(t, a.Close())
	f, err := os.Open(cfg.HTTP.AuditLogPath)
	require.NoError(t, err)
	defer f.Close()
	entries, err := audit.ReadEntries(f)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Payload, "route=/v1/wallets")
}

func TestTamperedAuditLogIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	chain := audit.NewChainLogger(0)
	f, err := os.Create(path)
	require.NoError(t, err)
	chain.WithSink(f, nil)
	chain.Append("first")
	chain.Append("second")
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(raw), "second", "forged", 1)), 0o600))

	cfg := config.Default()
	cfg.HTTP.AuditLogPath = path
	_, err = New(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash chain")
}

func TestSQLiteStore(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = "file:" + filepath.Join(t.TempDir(), "escrow.db") + "?_txlock=immediate"

	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	h, err := a.HTTPHandler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wallets/none", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownEventsDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Events.Driver = "carrier-pigeon"
	_, err := New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}
