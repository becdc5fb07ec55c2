package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs   prometheus.Counter
	ProcessedJobs  prometheus.Counter
	FailedJobs     prometheus.Counter
	UpdatesTotal   prometheus.Counter
	ProviderErrors *prometheus.CounterVec
	Tokens         *prometheus.CounterVec
	Reactions      prometheus.Counter
	PurgedThreads  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UpdatesTotal,
			global.ProviderErrors,
			global.Tokens,
			global.Reactions,
			global.PurgedThreads,
		)
	})
	return global
}

// New returns unregistered collectors, for tests.
func New() *Metrics {
	return &Metrics{
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "queue_enqueued_total",
			Help:      "Total jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "queue_processed_total",
			Help:      "Total jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "queue_failed_total",
			Help:      "Total jobs failed during processing",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "provider_errors_total",
			Help:      "LLM provider calls that failed",
		}, []string{"provider"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "provider_tokens_total",
			Help:      "Tokens reported by LLM providers",
		}, []string{"provider"}),
		Reactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "reactions_total",
			Help:      "Replies that carried an emoji reaction",
		}),
		PurgedThreads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "confidant",
			Name:      "threads_purged_total",
			Help:      "Threads removed by the retention sweep",
		}),
	}
}
