package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StoresAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.OrdersPaid.Inc()
	a.OrdersPaid.Inc()
	b.OrdersPaid.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.OrdersPaid))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.OrdersPaid))
}

func TestHandler_ExposesOwnRegistry(t *testing.T) {
	s := New()
	s.FulfillmentFailures.WithLabelValues("stock_deduction").Inc()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `pos_fulfillment_failures_total{kind="stock_deduction"} 1`), body)
	assert.False(t, strings.Contains(body, "go_goroutines"), "global collectors must not leak into the store")
}
