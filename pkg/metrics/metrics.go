package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// acquire outcomes - granted means the caller may run its critical section
	// waiting means a request is queued and the caller retries next tick
	// labels: lock_name, result (granted/waiting)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscoord_lock_acquire_total",
			Help: "total number of lock acquire calls by result",
		},
		[]string{"lock_name", "result"},
	)

	// release counter - consumed grants whose request was retired
	// should roughly match granted acquisitions over time
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscoord_lock_release_total",
			Help: "total number of lock requests retired",
		},
		[]string{"lock_name"},
	)

	// queue depth per lock as seen by the leader at the last arbitration
	// a growing queue with a stuck holder means a node died mid-restart
	LockQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opscoord_lock_queue_depth",
			Help: "pending requests per lock at the last arbitration",
		},
		[]string{"lock_name"},
	)

	// grants currently standing in the leader's table
	GrantsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscoord_grants_active",
			Help: "current number of standing grants",
		},
	)

	// grant table publishes - only counted when the table changed
	GrantsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opscoord_grants_published_total",
			Help: "total number of grant table publishes",
		},
	)

	// tick latency - histogram to track p50/p90/p99 of one full tick
	// (resume, restart handling, arbitration, publish)
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opscoord_tick_duration_seconds",
			Help:    "time taken by one coordination tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
	)

	// tick failures - the tick is abandoned and retried next interval
	// labels: stage (resume/handle/arbitrate/release/publish)
	TickErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscoord_tick_errors_total",
			Help: "total number of failed ticks by stage",
		},
		[]string{"stage"},
	)

	// restart state machine transitions
	// labels: from, to
	RestartTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscoord_restart_transitions_total",
			Help: "total number of restart state transitions",
		},
		[]string{"from", "to"},
	)

	// service restarts performed under the lock
	// labels: service, status (success/failure)
	ServiceRestartTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscoord_service_restart_total",
			Help: "total number of service restarts by result",
		},
		[]string{"service", "status"},
	)

	// board writes - labels: partition (local/leader), status (success/failure)
	BoardWriteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscoord_board_write_total",
			Help: "total number of bulletin board writes",
		},
		[]string{"partition", "status"},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscoord_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// cluster size - number of peers in raft cluster
	// drop indicates node failure
	RaftPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscoord_raft_peers",
			Help: "number of peers in the raft cluster",
		},
	)

	// raft log index - last index applied to FSM
	// lag between leader and follower = replication delay
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscoord_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscoord_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}

// status label for a result
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
