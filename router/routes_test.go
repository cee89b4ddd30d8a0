package router

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflowhq/payflow/handler"
	"github.com/payflowhq/payflow/infra/config"
	"github.com/payflowhq/payflow/infra/conn"
	"github.com/payflowhq/payflow/payment"
	"github.com/payflowhq/payflow/provider"
)

func testRouter(t *testing.T) chi.Router {
	t.Helper()

	db, err := conn.OpenSQLite(filepath.Join(t.TempDir(), "routes_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := payment.NewStore(db)
	require.NoError(t, err)

	registry := provider.DefaultRegistry
	dispatcher := payment.NewDispatcher(nil)
	orch := payment.NewOrchestrator(store, registry, nil, dispatcher, config.GetPaymentPolicy())
	hooks := payment.NewWebhookRouter(store, registry, nil, dispatcher)

	payments := handler.NewPaymentHandler(orch, hooks, registry, validator.New())
	health := handler.NewHealthHandler(db, registry)

	r := chi.NewRouter()
	Routes(r, payments, health)
	return r
}

func TestRoutesMount(t *testing.T) {
	r := testRouter(t)

	// the side-effect imports register the real adapters
	names := provider.DefaultRegistry.Names()
	assert.Contains(t, names, "mtnmomo")
	assert.Contains(t, names, "orangemoney")
	assert.Contains(t, names, "stripe")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutesUnknownPath(t *testing.T) {
	r := testRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutesStatusNotFound(t *testing.T) {
	r := testRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/payments/status/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
