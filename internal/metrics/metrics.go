package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mbus-meter/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	ReadTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_read_transactions_total",
		Help: "Total completed wake/request/collect transactions (success or failure).",
	})
	ReadSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_read_success_total",
		Help: "Total transactions that yielded a decoded readout.",
	})
	ReadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_read_retries_total",
		Help: "Total retry attempts after a failed transaction.",
	})
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_frames_rx_total",
		Help: "Total checksum-valid frames recovered from the serial link.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_malformed_frames_total",
		Help: "Total rejected frame candidates (bad checksum, truncation, line noise).",
	})
	RecordsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_records_decoded_total",
		Help: "Total data records mapped to named quantities.",
	})
	ReadoutsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_readouts_published_total",
		Help: "Total readouts handed to the broadcast hub.",
	})
	TCPTxReadouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_tcp_tx_readouts_total",
		Help: "Total readouts written to TCP stream clients.",
	})
	HubDroppedReadouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_hub_dropped_readouts_total",
		Help: "Total readouts dropped by the hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbus_hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mbus_hub_active_clients",
		Help: "Current number of active stream clients.",
	})
	MeterAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mbus_meter_available",
		Help: "1 while the last poll produced a readout, 0 after a failure.",
	})
	LastReadTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mbus_last_read_timestamp_seconds",
		Help: "Unix time of the last successful readout.",
	})
	Reading = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mbus_reading",
		Help: "Latest numeric meter readings by quantity name.",
	}, []string{"quantity", "unit"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialOpen  = "serial_open"
	ErrSerialRead  = "serial_read"
	ErrSerialWrite = "serial_write"
	ErrParity      = "serial_parity"
	ErrNoData      = "no_valid_data"
	ErrTCPWrite    = "tcp_write"
	ErrTCPRead     = "tcp_read"
	ErrPublish     = "publish_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTransactions uint64
	localSuccess      uint64
	localRetries      uint64
	localFramesRx     uint64
	localMalformed    uint64
	localRecords      uint64
	localPublished    uint64
	localTCPTx        uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localErrors       uint64
	localHubClients   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Transactions uint64
	Success      uint64
	Retries      uint64
	FramesRx     uint64
	Malformed    uint64
	Records      uint64
	Published    uint64
	TCPTx        uint64
	HubDrops     uint64
	HubKicks     uint64
	HubRejects   uint64
	Errors       uint64 // sum across error labels
	HubClients   uint64
}

func Snap() Snapshot {
	return Snapshot{
		Transactions: atomic.LoadUint64(&localTransactions),
		Success:      atomic.LoadUint64(&localSuccess),
		Retries:      atomic.LoadUint64(&localRetries),
		FramesRx:     atomic.LoadUint64(&localFramesRx),
		Malformed:    atomic.LoadUint64(&localMalformed),
		Records:      atomic.LoadUint64(&localRecords),
		Published:    atomic.LoadUint64(&localPublished),
		TCPTx:        atomic.LoadUint64(&localTCPTx),
		HubDrops:     atomic.LoadUint64(&localHubDrop),
		HubKicks:     atomic.LoadUint64(&localHubKick),
		HubRejects:   atomic.LoadUint64(&localHubReject),
		Errors:       atomic.LoadUint64(&localErrors),
		HubClients:   atomic.LoadUint64(&localHubClients),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTransaction() {
	ReadTransactions.Inc()
	atomic.AddUint64(&localTransactions, 1)
}

func IncReadSuccess() {
	ReadSuccess.Inc()
	atomic.AddUint64(&localSuccess, 1)
}

func IncRetry() {
	ReadRetries.Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncFrameRx() {
	FramesRx.Inc()
	atomic.AddUint64(&localFramesRx, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func AddRecords(n int) {
	RecordsDecoded.Add(float64(n))
	atomic.AddUint64(&localRecords, uint64(n))
}

func IncPublished() {
	ReadoutsPublished.Inc()
	atomic.AddUint64(&localPublished, 1)
}

func AddTCPTx(n int) {
	TCPTxReadouts.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedReadouts.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetReading records the latest value of one numeric quantity.
func SetReading(quantity, unit string, value float64) {
	Reading.WithLabelValues(quantity, unit).Set(value)
}

// SetAvailable flips the availability gauge.
func SetAvailable(ok bool) {
	if ok {
		MeterAvailable.Set(1)
		return
	}
	MeterAvailable.Set(0)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite, ErrParity,
		ErrNoData, ErrTCPWrite, ErrTCPRead, ErrPublish,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
