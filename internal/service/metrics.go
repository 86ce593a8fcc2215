package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeDone    = "done"
	outcomeAborted = "aborted"
	outcomeError   = "error"
)

// Metrics agrupa los colectores de generaciones. Un *Metrics nil no registra nada.
type Metrics struct {
	started  prometheus.Counter
	finished *prometheus.CounterVec
	chunks   prometheus.Counter
	tokens   prometheus.Counter
}

// NewMetrics registra los colectores en reg; el gauge de generaciones activas lee del registry.
func NewMetrics(reg prometheus.Registerer, registry *Registry) (*Metrics, error) {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_chat_generations_started_total",
			Help: "Generations started.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_chat_generations_finished_total",
			Help: "Generations finished by outcome (done, aborted, error).",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_chat_chunks_total",
			Help: "Chunks relayed to clients.",
		}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_chat_completion_tokens_total",
			Help: "Estimated completion tokens of finished replies.",
		}),
	}
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agent_chat_active_generations",
		Help: "Generations currently registered in the execution registry.",
	}, func() float64 {
		return float64(registry.Len())
	})

	for _, c := range []prometheus.Collector{m.started, m.finished, m.chunks, m.tokens, active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) generationStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) generationFinished(outcome string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) chunkRelayed() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

func (m *Metrics) completionTokens(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(float64(n))
}
