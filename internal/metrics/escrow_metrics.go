package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result для escrow_transitions_total.
const (
	ResultOK       = "ok"
	ResultReplayed = "replayed"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// EscrowMetrics содержит метрики переходов escrow.
type EscrowMetrics struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	atomicRetries      *prometheus.CounterVec
	idempotentReplays  *prometheus.CounterVec
	heldAmount         *prometheus.CounterVec

	inFlight prometheus.Gauge
}

// NewEscrowMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewEscrowMetrics() *EscrowMetrics {
	return NewEscrowMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewEscrowMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewEscrowMetricsWithRegisterer(registerer prometheus.Registerer) *EscrowMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &EscrowMetrics{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Total number of escrow transitions grouped by event and result",
		}, []string{"event", "result"}),
		transitionDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "escrow_transition_duration_seconds",
			Help:    "Duration of escrow transitions including store retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"event"}),
		atomicRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "escrow_atomic_retries_total",
			Help: "Total number of retried ledger units of work",
		}, []string{"event"}),
		idempotentReplays: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "escrow_idempotent_replays_total",
			Help: "Total number of requests answered from an earlier result",
		}, []string{"event"}),
		heldAmount: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "escrow_held_amount_minor_total",
			Help: "Sum of amounts placed on hold in minor currency units",
		}, []string{"currency"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "escrow_in_flight_transitions",
			Help: "Number of escrow transitions currently executing",
		}),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordTransition фиксирует результат и длительность перехода.
func (m *EscrowMetrics) RecordTransition(event, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, result).Inc()
	m.transitionDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordAtomicRetry увеличивает счётчик повторов единицы работы.
func (m *EscrowMetrics) RecordAtomicRetry(event string) {
	if m == nil {
		return
	}
	m.atomicRetries.WithLabelValues(event).Inc()
}

// RecordIdempotentReplay увеличивает счётчик ответов из ранее сохранённого результата.
func (m *EscrowMetrics) RecordIdempotentReplay(event string) {
	if m == nil {
		return
	}
	m.idempotentReplays.WithLabelValues(event).Inc()
}

// RecordHeld добавляет сумму нового hold.
func (m *EscrowMetrics) RecordHeld(currency string, amountMinor int64) {
	if m == nil || amountMinor <= 0 {
		return
	}
	m.heldAmount.WithLabelValues(currency).Add(float64(amountMinor))
}

// InFlightStarted увеличивает число выполняющихся переходов.
func (m *EscrowMetrics) InFlightStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// InFlightFinished уменьшает число выполняющихся переходов.
func (m *EscrowMetrics) InFlightFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
