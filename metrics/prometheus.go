// Package metrics provides Prometheus metrics for the BFT consensus core.
package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the consensus core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	// Consensus metrics
	roundsFinalizedTotal prometheus.Counter   // 확정된 라운드 수
	roundsFailedTotal    prometheus.Counter   // 타임아웃으로 실패한 라운드 수
	consensusDuration    prometheus.Histogram // 제안부터 확정까지
	currentBlockHeight   prometheus.Gauge
	currentView          prometheus.Gauge
	activeRounds         prometheus.Gauge
	validators           prometheus.Gauge

	// Message metrics
	messagesSentTotal     *prometheus.CounterVec
	messagesReceivedTotal *prometheus.CounterVec
	messagesDroppedTotal  *prometheus.CounterVec // reason 라벨
	messageProcessingTime *prometheus.HistogramVec

	// View change metrics
	viewChangesTotal prometheus.Counter

	// Block metrics
	blockValidationTime prometheus.Histogram
	transactionsTotal   prometheus.Counter
	tps                 prometheus.Gauge

	// Accountability metrics
	faultReportsTotal     *prometheus.CounterVec
	verifiedEvidenceTotal *prometheus.CounterVec
	slashEventsTotal      *prometheus.CounterVec
	slashedStakeTotal     prometheus.Counter
	blacklistedNodes      prometheus.Gauge
	pendingEvidence       prometheus.Gauge

	// Internal tracking
	roundStartTimes map[string]time.Time
	txCount         int64
	lastTpsUpdate   time.Time
}

// NewMetrics creates a Metrics instance and registers it with reg. A nil reg
// registers with the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		roundStartTimes: make(map[string]time.Time),
		lastTpsUpdate:   time.Now(),
	}

	// Consensus metrics
	m.roundsFinalizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_finalized_total",
		Help:      "Total number of consensus rounds finalized",
	})

	m.roundsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_failed_total",
		Help:      "Total number of consensus rounds failed by timeout",
	})

	m.consensusDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_duration_seconds",
		Help:      "Duration from proposal to finalization in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})

	m.currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Current block height",
	})

	m.currentView = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current view number",
	})

	m.activeRounds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rounds_tracked",
		Help:      "Number of rounds held in the round table",
	})

	m.validators = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "validators",
		Help:      "Number of active validators",
	})

	// Message metrics
	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of messages sent by type",
	}, []string{"type"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of messages received by type",
	}, []string{"type"})

	m.messagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Total number of messages dropped by reason",
	}, []string{"reason"})

	m.messageProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_processing_seconds",
		Help:      "Time to process messages by type",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	}, []string{"type"})

	// View change metrics
	m.viewChangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total number of view changes",
	})

	// Block metrics
	m.blockValidationTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_validation_seconds",
		Help:      "Time to validate proposed blocks in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	})

	m.transactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Total number of transactions in finalized blocks",
	})

	m.tps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tps",
		Help:      "Current finalized transactions per second",
	})

	// Accountability metrics
	m.faultReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fault_reports_total",
		Help:      "Total number of fault reports by fault type",
	}, []string{"fault_type"})

	m.verifiedEvidenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verified_evidence_total",
		Help:      "Total number of verified evidence records by fault type",
	}, []string{"fault_type"})

	m.slashEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slash_events_total",
		Help:      "Total number of slash events by fault type and kind",
	}, []string{"fault_type", "kind"})

	m.slashedStakeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slashed_stake_total",
		Help:      "Total stake slashed",
	})

	m.blacklistedNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blacklisted_nodes",
		Help:      "Number of currently blacklisted nodes",
	})

	m.pendingEvidence = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_evidence",
		Help:      "Number of fault reports awaiting corroboration",
	})

	// Register all metrics
	reg.MustRegister(
		m.roundsFinalizedTotal,
		m.roundsFailedTotal,
		m.consensusDuration,
		m.currentBlockHeight,
		m.currentView,
		m.activeRounds,
		m.validators,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.messagesDroppedTotal,
		m.messageProcessingTime,
		m.viewChangesTotal,
		m.blockValidationTime,
		m.transactionsTotal,
		m.tps,
		m.faultReportsTotal,
		m.verifiedEvidenceTotal,
		m.slashEventsTotal,
		m.slashedStakeTotal,
		m.blacklistedNodes,
		m.pendingEvidence,
	)

	return m
}

// StartConsensusRound records the start of the round for blockHash.
func (m *Metrics) StartConsensusRound(blockHash string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundStartTimes[blockHash] = time.Now()
}

// EndConsensusRound records a finalized round.
func (m *Metrics) EndConsensusRound(blockHash string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	startTime, exists := m.roundStartTimes[blockHash]
	if exists {
		delete(m.roundStartTimes, blockHash)
	}
	m.mu.Unlock()

	m.roundsFinalizedTotal.Inc()
	if exists {
		m.consensusDuration.Observe(time.Since(startTime).Seconds())
	}
}

// FailConsensusRound records a round failed by timeout.
func (m *Metrics) FailConsensusRound(blockHash string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.roundStartTimes, blockHash)
	m.mu.Unlock()
	m.roundsFailedTotal.Inc()
}

// SetBlockHeight sets the current block height.
func (m *Metrics) SetBlockHeight(height uint64) {
	if m == nil {
		return
	}
	m.currentBlockHeight.Set(float64(height))
}

// SetCurrentView sets the current view number.
func (m *Metrics) SetCurrentView(view uint64) {
	if m == nil {
		return
	}
	m.currentView.Set(float64(view))
}

// SetRoundsTracked sets the size of the round table.
func (m *Metrics) SetRoundsTracked(n int) {
	if m == nil {
		return
	}
	m.activeRounds.Set(float64(n))
}

// SetValidators sets the active validator count.
func (m *Metrics) SetValidators(n int) {
	if m == nil {
		return
	}
	m.validators.Set(float64(n))
}

// IncrementMessagesSent increments the messages sent counter.
func (m *Metrics) IncrementMessagesSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesReceived increments the messages received counter.
func (m *Metrics) IncrementMessagesReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesDropped increments the dropped messages counter.
func (m *Metrics) IncrementMessagesDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordMessageProcessingTime records the time to process a message.
func (m *Metrics) RecordMessageProcessingTime(msgType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.messageProcessingTime.WithLabelValues(msgType).Observe(duration.Seconds())
}

// IncrementViewChanges increments the view change counter.
func (m *Metrics) IncrementViewChanges() {
	if m == nil {
		return
	}
	m.viewChangesTotal.Inc()
}

// RecordBlockValidationTime records the time spent validating a proposal.
func (m *Metrics) RecordBlockValidationTime(duration time.Duration) {
	if m == nil {
		return
	}
	m.blockValidationTime.Observe(duration.Seconds())
}

// AddTransactions adds to the transaction counter and updates TPS.
func (m *Metrics) AddTransactions(count int) {
	if m == nil {
		return
	}
	m.transactionsTotal.Add(float64(count))

	m.mu.Lock()
	m.txCount += int64(count)
	elapsed := time.Since(m.lastTpsUpdate).Seconds()
	if elapsed >= 1.0 {
		tps := float64(m.txCount) / elapsed
		m.tps.Set(tps)
		m.txCount = 0
		m.lastTpsUpdate = time.Now()
	}
	m.mu.Unlock()
}

// IncrementFaultReports counts a fault report of faultType.
func (m *Metrics) IncrementFaultReports(faultType string) {
	if m == nil {
		return
	}
	m.faultReportsTotal.WithLabelValues(faultType).Inc()
}

// IncrementVerifiedEvidence counts verified evidence of faultType.
func (m *Metrics) IncrementVerifiedEvidence(faultType string) {
	if m == nil {
		return
	}
	m.verifiedEvidenceTotal.WithLabelValues(faultType).Inc()
}

// RecordSlash counts a slash event and the slashed amount.
func (m *Metrics) RecordSlash(faultType, kind string, amount uint64) {
	if m == nil {
		return
	}
	m.slashEventsTotal.WithLabelValues(faultType, kind).Inc()
	m.slashedStakeTotal.Add(float64(amount))
}

// SetBlacklisted sets the blacklisted node count.
func (m *Metrics) SetBlacklisted(n int) {
	if m == nil {
		return
	}
	m.blacklistedNodes.Set(float64(n))
}

// SetPendingEvidence sets the number of uncorroborated reports.
func (m *Metrics) SetPendingEvidence(n int) {
	if m == nil {
		return
	}
	m.pendingEvidence.Set(float64(n))
}

// Server provides 프로메테우스 매트릭을 위한 HTTP 서버를 제공
type Server struct {
	addr   string
	server *http.Server
	lis    net.Listener
}

// NewServer creates a metrics HTTP server exposing gatherer on /metrics. A nil
// gatherer serves the default registry.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.lis = lis
	go func() {
		_ = s.server.Serve(lis)
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
