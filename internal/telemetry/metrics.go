package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the consistency-sensitive paths. They surface how often the
// system had to repair, retry, or degrade, which is the main operational
// signal of a dual-copy store.
var (
	MergeRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_merge_completedby_repairs_total",
		Help: "Tasks whose derived completed-by set disagreed with completions and was rebuilt on read.",
	})

	ToggleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_toggle_retries_total",
		Help: "Additional transaction attempts caused by write contention.",
	})

	ToggleFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_toggle_fallbacks_total",
		Help: "Toggles that exhausted transaction retries and used the non-atomic fallback.",
	})

	StrippedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studyloop_guard_stripped_tasks_total",
		Help: "Task additions dropped because the writer was not the challenge owner.",
	})
)
