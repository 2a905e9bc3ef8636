package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/internal/logging"
)

// Prometheus counters
var (
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_frames_decoded_total",
		Help: "Total VSTP frames successfully decoded.",
	})
	FramesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_frames_encoded_total",
		Help: "Total VSTP frames successfully encoded.",
	})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vstp_decode_errors_total",
		Help: "Decode failures by error kind.",
	}, []string{"kind"})
	FragmentsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_fragments_sent_total",
		Help: "Total outbound datagram fragments.",
	})
	FragmentsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_fragments_received_total",
		Help: "Total inbound datagram fragments.",
	})
	InvalidFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_invalid_fragments_total",
		Help: "Total fragments dropped for missing or malformed fragment headers.",
	})
	ReassemblyGroupsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vstp_reassembly_groups_active",
		Help: "Current number of in-progress reassembly groups.",
	})
	ReassemblyGroupsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_reassembly_groups_completed_total",
		Help: "Total reassembly groups that completed successfully.",
	})
	ReassemblyGroupsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_reassembly_groups_expired_total",
		Help: "Total reassembly groups dropped after TTL expiry.",
	})
	ReassemblyGroupsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_reassembly_groups_evicted_total",
		Help: "Total reassembly groups evicted to stay within the table cap.",
	})
	AcksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_acks_sent_total",
		Help: "Total ACK frames sent in response to REQ_ACK.",
	})
	AcksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_acks_received_total",
		Help: "Total ACK frames received by senders.",
	})
	AckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_ack_timeouts_total",
		Help: "Total REQ_ACK sends that exhausted their retry budget.",
	})
	AckRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_ack_retries_total",
		Help: "Total REQ_ACK retransmissions.",
	})
	StreamSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vstp_stream_sessions_active",
		Help: "Current number of open stream sessions.",
	})
	StreamSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_stream_sessions_total",
		Help: "Total stream sessions accepted.",
	})
	DatagramRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_datagram_rx_total",
		Help: "Total UDP datagrams received.",
	})
	DatagramTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vstp_datagram_tx_total",
		Help: "Total UDP datagrams sent.",
	})
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
	ErrStreamRead  = "stream_read"
	ErrStreamWrite = "stream_write"
	ErrHandshake   = "handshake"
	ErrDatagramIO  = "datagram_io"
	ErrListen      = "listen"
	ErrContext     = "context_cancelled"
)

// Decode error kind labels, mirroring the vstp sentinel errors.
const (
	KindBadMagic     = "bad_magic"
	KindBadVersion   = "bad_version"
	KindUnknownType  = "unknown_type"
	KindMalformedHdr = "malformed_header"
	KindFrameTooBig  = "frame_too_large"
	KindCrcMismatch  = "crc_mismatch"
)

// DecodeErrorKind maps a vstp decode error to a stable metrics label, shared
// by every transport that wraps the codec (stream, datagram).
func DecodeErrorKind(err error) string {
	switch {
	case errors.Is(err, vstp.ErrBadMagic):
		return KindBadMagic
	case errors.Is(err, vstp.ErrUnsupportedVersion):
		return KindBadVersion
	case errors.Is(err, vstp.ErrUnknownType):
		return KindUnknownType
	case errors.Is(err, vstp.ErrMalformedHeader):
		return KindMalformedHdr
	case errors.Is(err, vstp.ErrFrameTooLarge):
		return KindFrameTooBig
	case errors.Is(err, vstp.ErrCrcMismatch):
		return KindCrcMismatch
	default:
		return "other"
	}
}

// StartHTTP serves Prometheus metrics at /metrics on a background server.
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

// Local mirrored counters for cheap in-process logging (avoid scraping
// Prometheus from inside the process).
var (
	localFramesDecoded      uint64
	localFramesEncoded      uint64
	localFragmentsSent      uint64
	localFragmentsReceived  uint64
	localInvalidFragments   uint64
	localReassemblyActive   uint64
	localReassemblyComplete uint64
	localReassemblyExpired  uint64
	localReassemblyEvicted  uint64
	localAcksSent           uint64
	localAcksReceived       uint64
	localAckTimeouts        uint64
	localAckRetries         uint64
	localStreamSessions     uint64
	localDatagramRx         uint64
	localDatagramTx         uint64
	localErrors             uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesDecoded      uint64
	FramesEncoded      uint64
	FragmentsSent      uint64
	FragmentsReceived  uint64
	InvalidFragments   uint64
	ReassemblyActive   uint64
	ReassemblyComplete uint64
	ReassemblyExpired  uint64
	ReassemblyEvicted  uint64
	AcksSent           uint64
	AcksReceived       uint64
	AckTimeouts        uint64
	AckRetries         uint64
	StreamSessions     uint64
	DatagramRx         uint64
	DatagramTx         uint64
	Errors             uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesDecoded:      atomic.LoadUint64(&localFramesDecoded),
		FramesEncoded:      atomic.LoadUint64(&localFramesEncoded),
		FragmentsSent:      atomic.LoadUint64(&localFragmentsSent),
		FragmentsReceived:  atomic.LoadUint64(&localFragmentsReceived),
		InvalidFragments:   atomic.LoadUint64(&localInvalidFragments),
		ReassemblyActive:   atomic.LoadUint64(&localReassemblyActive),
		ReassemblyComplete: atomic.LoadUint64(&localReassemblyComplete),
		ReassemblyExpired:  atomic.LoadUint64(&localReassemblyExpired),
		ReassemblyEvicted:  atomic.LoadUint64(&localReassemblyEvicted),
		AcksSent:           atomic.LoadUint64(&localAcksSent),
		AcksReceived:       atomic.LoadUint64(&localAcksReceived),
		AckTimeouts:        atomic.LoadUint64(&localAckTimeouts),
		AckRetries:         atomic.LoadUint64(&localAckRetries),
		StreamSessions:     atomic.LoadUint64(&localStreamSessions),
		DatagramRx:         atomic.LoadUint64(&localDatagramRx),
		DatagramTx:         atomic.LoadUint64(&localDatagramTx),
		Errors:             atomic.LoadUint64(&localErrors),
	}
}

func IncFramesDecoded() {
	FramesDecoded.Inc()
	atomic.AddUint64(&localFramesDecoded, 1)
}

func IncFramesEncoded() {
	FramesEncoded.Inc()
	atomic.AddUint64(&localFramesEncoded, 1)
}

func IncDecodeError(kind string) {
	DecodeErrors.WithLabelValues(kind).Inc()
}

func IncFragmentsSent() {
	FragmentsSent.Inc()
	atomic.AddUint64(&localFragmentsSent, 1)
}

func IncFragmentsReceived() {
	FragmentsReceived.Inc()
	atomic.AddUint64(&localFragmentsReceived, 1)
}

func IncInvalidFragments() {
	InvalidFragments.Inc()
	atomic.AddUint64(&localInvalidFragments, 1)
}

func SetReassemblyGroupsActive(n int) {
	ReassemblyGroupsActive.Set(float64(n))
	atomic.StoreUint64(&localReassemblyActive, uint64(n))
}

func IncReassemblyGroupsCompleted() {
	ReassemblyGroupsCompleted.Inc()
	atomic.AddUint64(&localReassemblyComplete, 1)
}

func AddReassemblyGroupsExpired(n int) {
	ReassemblyGroupsExpired.Add(float64(n))
	atomic.AddUint64(&localReassemblyExpired, uint64(n))
}

func AddReassemblyGroupsEvicted(n int) {
	ReassemblyGroupsEvicted.Add(float64(n))
	atomic.AddUint64(&localReassemblyEvicted, uint64(n))
}

func IncAcksSent() {
	AcksSent.Inc()
	atomic.AddUint64(&localAcksSent, 1)
}

func IncAcksReceived() {
	AcksReceived.Inc()
	atomic.AddUint64(&localAcksReceived, 1)
}

func IncAckTimeouts() {
	AckTimeouts.Inc()
	atomic.AddUint64(&localAckTimeouts, 1)
}

func IncAckRetries() {
	AckRetries.Inc()
	atomic.AddUint64(&localAckRetries, 1)
}

func SetStreamSessions(n int) {
	StreamSessionsActive.Set(float64(n))
	atomic.StoreUint64(&localStreamSessions, uint64(n))
}

func IncStreamSessionsTotal() {
	StreamSessionsTotal.Inc()
}

func IncDatagramRx() {
	DatagramRx.Inc()
	atomic.AddUint64(&localDatagramRx, 1)
}

func IncDatagramTx() {
	DatagramTx.Inc()
	atomic.AddUint64(&localDatagramTx, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrStreamRead, ErrStreamWrite, ErrHandshake, ErrDatagramIO, ErrListen, ErrContext} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, kind := range []string{KindBadMagic, KindBadVersion, KindUnknownType, KindMalformedHdr, KindFrameTooBig, KindCrcMismatch} {
		DecodeErrors.WithLabelValues(kind).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
