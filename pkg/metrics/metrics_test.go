package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHandlerServesMetricsAndHealthz(t *testing.T) {
	h := NewHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rec.Code)
	}
}

func TestSetChannelCountsAndAddBytesDoNotPanic(t *testing.T) {
	SetChannelCounts(ChannelCounts{Control: 1, DataRx: 2, DataTx: 3, DataRxTx: 4, Uarts: 1})
	AddBytes(DirectionToUart, 10)
	AddBytes(DirectionFromUart, 20)
	IncSerialError()
	IncProtocolError()
}
