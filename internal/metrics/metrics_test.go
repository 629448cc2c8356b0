package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryIndependentInstancesDoNotCollide(t *testing.T) {
	r1 := NewRegistry()
	r2 := NewRegistry()
	require.NotNil(t, r1)
	require.NotNil(t, r2)

	r1.ActiveConnections.Set(3)
	r2.ActiveConnections.Set(7)

	assert.NotPanics(t, func() {
		r1.MessagesPublished.WithLabelValues("agent").Inc()
		r2.MessagesPublished.WithLabelValues("agent").Inc()
	})
}

func TestHandlerServesMetricsText(t *testing.T) {
	reg := NewRegistry()
	reg.ActiveConnections.Set(42)
	reg.MessagesPublished.WithLabelValues("workspace").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_hub_connections_active 42")
}
