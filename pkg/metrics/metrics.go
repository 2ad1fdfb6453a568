// Package metrics exposes the bridge's Prometheus instrumentation
// (SPEC_FULL.md §2.3), adapted from the teacher's pkg/metrics: the same
// promauto vector style, renamed from gateway/packet concerns to
// channel/UART/byte-direction concerns.
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	channelsByRole = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uartbridge_channels_open",
		Help: "Number of currently open channels by role",
	}, []string{"role"})

	uartsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uartbridge_uarts_open",
		Help: "Number of currently open UARTs",
	})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uartbridge_bytes_total",
		Help: "Total bytes moved between TCP channels and UARTs",
	}, []string{"direction"})

	serialErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uartbridge_serial_errors_total",
		Help: "Total serial I/O errors observed by UART pumps",
	})

	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uartbridge_protocol_errors_total",
		Help: "Total malformed or failed control-protocol commands",
	})
)

// Direction labels for bytesTotal.
const (
	DirectionToUart   = "to_uart"
	DirectionFromUart = "from_uart"
)

// ChannelCounts is a point-in-time snapshot of the registry's channel and
// UART tables (spec.md §4.4), published as gauges.
type ChannelCounts struct {
	Control  int
	DataRx   int
	DataTx   int
	DataRxTx int
	Uarts    int
}

// SetChannelCounts publishes a registry snapshot.
func SetChannelCounts(c ChannelCounts) {
	channelsByRole.WithLabelValues("control").Set(float64(c.Control))
	channelsByRole.WithLabelValues("rx").Set(float64(c.DataRx))
	channelsByRole.WithLabelValues("tx").Set(float64(c.DataTx))
	channelsByRole.WithLabelValues("rxtx").Set(float64(c.DataRxTx))
	uartsOpen.Set(float64(c.Uarts))
}

// AddBytes adds n to the named direction's byte counter.
func AddBytes(direction string, n int) {
	bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// IncSerialError increments the serial-error counter.
func IncSerialError() { serialErrors.Inc() }

// IncProtocolError increments the control-protocol error counter.
func IncProtocolError() { protocolErrors.Inc() }

// NewHandler builds the optional /metrics + /healthz HTTP surface
// (SPEC_FULL.md §7), off by default and wired up only when the bridge
// config enables it.
func NewHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}
