package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-voice-lab/internal/capture"
)

func TestCountersFollowEvents(t *testing.T) {
	m := New()
	m.FrameReceived(1, capture.MarkerBegin)
	m.FrameReceived(1, capture.MarkerProcessing)
	m.FrameReceived(1, capture.MarkerProcessing)
	m.FrameDropped("malformed")

	seg := capture.Segment{ChannelID: 1, Audio: make([]byte, 32000), Trigger: capture.TriggerEnd, Format: capture.DefaultFormat}
	m.SegmentFinalized(seg)
	m.EmptyFinalization(2, capture.TriggerTimeout)
	m.DeliveryDone(seg, 30*time.Millisecond, nil)
	m.DeliveryDone(seg, 30*time.Millisecond, errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("1", "PROCESSING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.segments.WithLabelValues("1", "end")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emptyFinalized.WithLabelValues("2", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("1", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.segmentDuration))
}

func TestInstancesDoNotCollide(t *testing.T) {
	a, b := New(), New()
	a.FrameDropped("x")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.framesDropped.WithLabelValues("x")))
}

func TestRegistryGauges(t *testing.T) {
	m := New()
	reg := capture.NewRegistry()
	e := capture.NewEngine(capture.Config{}, capture.EmitterFunc(func(capture.Segment) {}), capture.WithRegistry(reg), capture.WithStats(m))
	require.NoError(t, e.HandleFrame(capture.Frame{ChannelID: 1, Marker: capture.MarkerBegin, Payload: []byte{1, 2}}))
	reg.Touch(2)
	m.ObserveRegistry(reg)
	m.ObservePending(func() int { return 3 })
	m.SessionOpened()

	body := scrape(t, m)
	assert.Contains(t, body, "voicecapture_channels 2")
	assert.Contains(t, body, "voicecapture_channels_recording 1")
	assert.Contains(t, body, "voicecapture_deliveries_pending 3")
	assert.Contains(t, body, "voicecapture_ingress_sessions 1")
	assert.Contains(t, body, `voicecapture_frames_received_total{channel="1",marker="BEGIN"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
