package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metricValue returns the value of the first series of name whose labels include want
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, want) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestMetricsTrackRouting(t *testing.T) {
	srv := testServer(t)
	reg := prometheus.NewRegistry()
	srv.SetMetrics(NewMetrics(reg))

	alice := newTestPeer(t, srv)
	bob := newTestPeer(t, srv)
	login(t, srv, alice, "2010000000")
	login(t, srv, bob, "3030000000")

	alice.send(t, srv, `{"type":"send","to":"3030000000","message":"hi"}`)
	bob.expect(t)
	alice.expect(t)
	alice.send(t, srv, `{"type":"send","to":"4040000000","message":"hi"}`)
	alice.expect(t)

	assert.Equal(t, 2.0, metricValue(t, reg, "phonerelay_active_sessions", nil))
	assert.Equal(t, 2.0, metricValue(t, reg, "phonerelay_bound_identities", nil))
	assert.Equal(t, 2.0, metricValue(t, reg, "phonerelay_messages_received_total", map[string]string{"type": "login"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "phonerelay_messages_received_total", map[string]string{"type": "send"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "phonerelay_deliveries_total", map[string]string{"outcome": DeliveryDelivered}))
	assert.Equal(t, 1.0, metricValue(t, reg, "phonerelay_deliveries_total", map[string]string{"outcome": DeliveryOffline}))
	assert.Equal(t, 2.0, metricValue(t, reg, "phonerelay_messages_sent_total", map[string]string{"type": "sent_ok"}))

	srv.sessions.RemoveSession(bob.sess, ReasonEOF)
	assert.Equal(t, 1.0, metricValue(t, reg, "phonerelay_active_sessions", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "phonerelay_sessions_disconnected_total", map[string]string{"reason": ReasonEOF}))
}

func TestMessageTypeLabelBounded(t *testing.T) {
	assert.Equal(t, "send", messageTypeLabel("send"))
	assert.Equal(t, "unknown", messageTypeLabel("anything-else"))
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordHandshakeRejection(http.StatusUpgradeRequired)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `phonerelay_handshake_rejections_total{status="426"} 1`))
}

func TestListenOverflowCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordListenOverflows(3)
	m.RecordListenOverflows(2)

	assert.Equal(t, 5.0, metricValue(t, reg, "phonerelay_listen_overflows_total", nil))
}

func TestHealthHandler(t *testing.T) {
	srv := testServer(t)
	p := newTestPeer(t, srv)
	login(t, srv, p, "2010000000")

	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"active_sessions":1`)
	assert.Contains(t, rec.Body.String(), `"bound_identities":1`)
}
