package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
)

func TestDetections(t *testing.T) {
	o := NewObserver()

	o.Detected(1, -60)
	o.Detected(2, -75)

	assert.Equal(t, float64(2), testutil.ToFloat64(o.detections))
	assert.Equal(t, 1, testutil.CollectAndCount(o.rssi))
}

func TestRadioState(t *testing.T) {
	o := NewObserver()

	o.RadioStateChanged(radio.StatePoweredOn)
	assert.Equal(t, float64(1), testutil.ToFloat64(o.poweredOn))
	assert.Equal(t, float64(1), testutil.ToFloat64(o.radioState.WithLabelValues("poweredOn")))

	o.RadioStateChanged(radio.StatePoweredOff)
	assert.Equal(t, float64(0), testutil.ToFloat64(o.poweredOn))
	assert.Equal(t, 1, testutil.CollectAndCount(o.radioState))
}

func TestPeerCountersAndGauges(t *testing.T) {
	o := NewObserver()

	o.PeerWrote("central-1", 0)
	o.PeersTracked(4)
	o.PeersTracked(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(o.writes))
	assert.Equal(t, float64(3), testutil.ToFloat64(o.peers))
}

func TestHandler(t *testing.T) {
	o := NewObserver()
	o.Detected(1, -50)

	rec := httptest.NewRecorder()
	o.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "beacon_detections_total 1")
}
