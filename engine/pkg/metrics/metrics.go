package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stakevault_engine_build_info",
			Help: "Build information of the stakevault engine",
		},
		[]string{"version", "commit", "date"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakevault_engine_operations_total",
			Help: "Total number of position lifecycle operations",
		},
		[]string{"operation", "status"},
	)

	SchedulerJobTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakevault_engine_scheduler_job_total",
			Help: "Total number of scheduler job runs",
		},
		[]string{"job", "status"},
	)

	SchedulerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stakevault_engine_scheduler_job_duration_seconds",
			Help:    "Duration of scheduler job runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"job"},
	)

	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakevault_engine_events_ingested_total",
			Help: "Total number of external ledger events processed by reconciliation",
		},
		[]string{"status"},
	)

	SubmissionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stakevault_engine_submission_attempts_total",
			Help: "Total number of external ledger submission attempts",
		},
		[]string{"status"},
	)

	SubmissionDeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stakevault_engine_submission_dead_letters",
			Help: "Number of retained submissions abandoned after retry exhaustion",
		},
	)

	TotalStaked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stakevault_engine_total_staked",
			Help: "Sum of principal across open positions, smallest unit",
		},
	)

	TotalStakingPower = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stakevault_engine_total_staking_power",
			Help: "Sum of staking power across open positions",
		},
	)

	RewardPoolBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stakevault_engine_reward_pool_balance",
			Help: "Current reward pool balance, smallest unit",
		},
	)

	CurrentEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stakevault_engine_current_epoch",
			Help: "Current global epoch",
		},
	)

	AggregateDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stakevault_engine_aggregate_drift",
			Help: "Difference between tracked aggregates and the sum over positions; nonzero values are surfaced, never auto-corrected",
		},
		[]string{"aggregate"},
	)
)
